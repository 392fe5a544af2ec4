package cfw

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrAnalyzerUnavailable marks a soft analyzer failure: rate limited,
// unreachable, or over deadline. Callers treat it as "no remote
// opinion", never as fatal.
var ErrAnalyzerUnavailable = errors.New("analyzer unavailable")

const (
	// DefaultAnalyzerTimeout bounds one remote analysis call.
	DefaultAnalyzerTimeout = 5 * time.Second

	// DefaultAnalyzerWait is how long the pipeline waits for a remote
	// verdict before forwarding on the local one. A late result is
	// discarded for this chunk but still lands in the result cache.
	DefaultAnalyzerWait = 200 * time.Millisecond

	// analyzerCacheSize bounds the remote result cache.
	analyzerCacheSize = 2048

	// analyzerSampleLimit bounds how many content bytes are shipped per
	// analysis request.
	analyzerSampleLimit = 4096
)

// Analysis is a remote analyzer's verdict for one content sample.
type Analysis struct {
	Action     string        `json:"action"`
	Risk       string        `json:"risk"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"-"`
}

// Analyzer is an external collaborator asked for a second opinion on
// suspicious content. Implementations must honor ctx.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte, contentType string, analysisTypes []string) (*Analysis, error)
}

// HTTPAnalyzer calls a JSON-over-HTTP analysis service. Calls are rate
// limited, results are cached by content hash, and every failure mode
// comes back wrapped in ErrAnalyzerUnavailable.
type HTTPAnalyzer struct {
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Client defaults to one with DefaultAnalyzerTimeout.
	Client *http.Client

	// Limit defaults to 60 requests/minute with burst 10.
	Limit *rate.Limiter

	Metrics *Metrics

	cache    *lru.Cache[string, *Analysis]
	initOnce sync.Once
}

// NewHTTPAnalyzer creates a client for the given endpoint.
func NewHTTPAnalyzer(endpoint, apiKey string) *HTTPAnalyzer {
	return &HTTPAnalyzer{Endpoint: endpoint, APIKey: apiKey}
}

func (a *HTTPAnalyzer) init() {
	a.initOnce.Do(func() {
		a.cache, _ = lru.New[string, *Analysis](analyzerCacheSize)
		if a.Client == nil {
			a.Client = &http.Client{Timeout: DefaultAnalyzerTimeout}
		}
		if a.Limit == nil {
			a.Limit = rate.NewLimiter(rate.Every(time.Minute/60), 10)
		}
	})
}

type analyzeRequest struct {
	Content       string   `json:"content"`
	ContentType   string   `json:"content_type"`
	AnalysisTypes []string `json:"analysis_types,omitempty"`
}

// Analyze ships a content sample to the service. Identical content hits
// the cache and costs nothing.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, content []byte, contentType string, analysisTypes []string) (*Analysis, error) {
	a.init()

	if len(content) > analyzerSampleLimit {
		content = content[:analyzerSampleLimit]
	}
	key := contentHash(content)
	if cached, ok := a.cache.Get(key); ok {
		if a.Metrics != nil {
			a.Metrics.RecordAnalyzerCall("cached")
		}
		return cached, nil
	}

	if !a.Limit.Allow() {
		if a.Metrics != nil {
			a.Metrics.RecordAnalyzerCall("rate_limited")
		}
		return nil, fmt.Errorf("rate limited: %w", ErrAnalyzerUnavailable)
	}

	body, err := json.Marshal(analyzeRequest{
		Content:       base64.StdEncoding.EncodeToString(content),
		ContentType:   contentType,
		AnalysisTypes: analysisTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	start := time.Now()
	resp, err := a.Client.Do(req)
	if err != nil {
		if a.Metrics != nil {
			a.Metrics.RecordAnalyzerCall("error")
		}
		return nil, fmt.Errorf("%w: %w", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if a.Metrics != nil {
			a.Metrics.RecordAnalyzerCall("error")
		}
		return nil, fmt.Errorf("%w: analyzer returned %d", ErrAnalyzerUnavailable, resp.StatusCode)
	}

	var analysis Analysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		if a.Metrics != nil {
			a.Metrics.RecordAnalyzerCall("error")
		}
		return nil, fmt.Errorf("%w: decode response: %w", ErrAnalyzerUnavailable, err)
	}
	analysis.Latency = time.Since(start)

	a.cache.Add(key, &analysis)
	if a.Metrics != nil {
		a.Metrics.RecordAnalyzerCall("ok")
	}
	return &analysis, nil
}

// AIContentProcessor combines the classifier's findings into a holistic
// verdict and, when a remote analyzer is configured, asks it for a
// second opinion with a hard wait bound. The local verdict always ships
// on time: a remote verdict that misses the deadline is discarded (it
// still warms the analyzer's cache for the next identical sample).
type AIContentProcessor struct {
	// Analyzer is optional; nil means local-only.
	Analyzer Analyzer

	// Wait bounds how long Evaluate waits for the remote verdict. Zero
	// means DefaultAnalyzerWait.
	Wait time.Duration

	// Sensitive, when set, contributes data-leak findings to the local
	// verdict. Families handled by silent-log strategy are not scored:
	// their disposition is already decided.
	Sensitive *SensitiveFilter

	Logger  *slog.Logger
	Metrics *Metrics
}

func (p *AIContentProcessor) Name() string { return "ai_content" }

func (p *AIContentProcessor) wait() time.Duration {
	if p.Wait > 0 {
		return p.Wait
	}
	return DefaultAnalyzerWait
}

func (p *AIContentProcessor) Evaluate(ctx context.Context, chunk *Chunk, verdict *Verdict) (Decision, error) {
	local := p.localDecision(chunk, verdict)
	if p.Analyzer == nil {
		return local, nil
	}

	type result struct {
		analysis *Analysis
		err      error
	}
	ch := make(chan result, 1)
	data := chunk.Data
	contentType := chunk.Meta.ContentType
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), DefaultAnalyzerTimeout)
		defer cancel()
		analysis, err := p.Analyzer.Analyze(actx, data, contentType, []string{"threat", "sensitive", "llm"})
		ch <- result{analysis, err}
	}()

	timer := time.NewTimer(p.wait())
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			if !errors.Is(r.err, ErrAnalyzerUnavailable) {
				p.log().Warn("analyzer failed", "conn", chunk.Key.String(), "error", r.err)
			}
			return local, nil
		}
		return p.merge(local, r.analysis), nil
	case <-timer.C:
		if p.Metrics != nil {
			p.Metrics.RecordAnalyzerTimeout()
		}
		return local, nil
	case <-ctx.Done():
		return local, nil
	}
}

// localDecision maps the findings for this chunk onto an action without
// outside help.
func (p *AIContentProcessor) localDecision(chunk *Chunk, verdict *Verdict) Decision {
	sensRisk := RiskLow
	sensFound := false
	if p.Sensitive != nil {
		scan := p.Sensitive.Scan(chunk.Data)
		var scored []SensitiveMatch
		for _, m := range scan.Matches {
			if p.Sensitive.strategyFor(m.Label) == StrategySilentLog {
				continue
			}
			scored = append(scored, m)
		}
		if len(scored) > 0 {
			sensFound = true
			sensRisk = ScoreSensitiveRisk(scored)
		}
	}

	switch {
	case verdict.MaxRisk >= RiskHigh:
		return Decision{
			Action:     ActionBlock,
			Reason:     "high risk content",
			Risk:       verdict.MaxRisk,
			Confidence: 0.9,
		}
	case len(verdict.Threats) >= 3:
		return Decision{
			Action:     ActionBlock,
			Reason:     "multiple threat indicators",
			Risk:       RiskHigh,
			Confidence: 0.8,
		}
	case sensFound && sensRisk > RiskLow:
		return Decision{
			Action:     ActionBlock,
			Reason:     "sensitive data exposure",
			Risk:       sensRisk,
			Confidence: 0.85,
		}
	case verdict.MaxRisk == RiskMedium:
		return Decision{Risk: RiskMedium, Confidence: 0.6}
	}
	return Decision{Confidence: 0.3}
}

// merge folds a remote verdict into the local one. Remote can escalate
// to block and raise confidence; it never downgrades a local block.
func (p *AIContentProcessor) merge(local Decision, analysis *Analysis) Decision {
	if local.Action == ActionBlock {
		return local
	}
	if analysis.Action == ActionBlock.String() {
		risk, err := ParseRiskLevel(analysis.Risk)
		if err != nil || risk < RiskMedium {
			risk = RiskMedium
		}
		reason := analysis.Reason
		if reason == "" {
			reason = "remote analyzer verdict"
		}
		return Decision{
			Action:     ActionBlock,
			Reason:     reason,
			Risk:       risk,
			Confidence: analysis.Confidence,
		}
	}
	if analysis.Confidence > local.Confidence {
		local.Confidence = analysis.Confidence
	}
	return local
}

func (p *AIContentProcessor) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
