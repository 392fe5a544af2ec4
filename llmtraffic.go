package cfw

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LLMMode is what happens to detected LLM API traffic.
type LLMMode int

const (
	// LLMModeMonitor passes LLM traffic and records it.
	LLMModeMonitor LLMMode = iota

	// LLMModeBlock blocks all detected LLM traffic.
	LLMModeBlock
)

// ParseLLMMode converts a config string to an LLMMode.
func ParseLLMMode(s string) (LLMMode, error) {
	switch s {
	case "monitor", "":
		return LLMModeMonitor, nil
	case "block":
		return LLMModeBlock, nil
	}
	return LLMModeMonitor, fmt.Errorf("unknown llm mode %q", s)
}

// maxPromptLen bounds how much extracted prompt text is retained.
const maxPromptLen = 512

var (
	llmContentRe = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	llmPromptRe  = regexp.MustCompile(`"prompt"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	llmInputRe   = regexp.MustCompile(`"input"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// extractLLMPrompt pulls the user prompt out of an LLM API request body.
// Chat-style bodies yield the last "content" value (the newest message);
// completion-style bodies yield the "prompt" value, with "input" as the
// generic fallback. Escapes are decoded and the result is truncated to
// maxPromptLen.
func extractLLMPrompt(data []byte) string {
	var raw string
	if all := llmContentRe.FindAllSubmatch(data, -1); len(all) > 0 {
		raw = string(all[len(all)-1][1])
	} else if m := llmPromptRe.FindSubmatch(data); m != nil {
		raw = string(m[1])
	} else if m := llmInputRe.FindSubmatch(data); m != nil {
		raw = string(m[1])
	}
	if raw == "" {
		return ""
	}
	if decoded, err := strconv.Unquote(`"` + raw + `"`); err == nil {
		raw = decoded
	}
	if len(raw) > maxPromptLen {
		raw = raw[:maxPromptLen]
	}
	return raw
}

// LLMProviderStats counts one provider's observed traffic.
type LLMProviderStats struct {
	Requests int64 `json:"requests"`
	Prompts  int64 `json:"prompts"`
	Blocked  int64 `json:"blocked"`
}

// LLMProcessor acts on LLM API traffic the classifier detected. In
// monitor mode it annotates and records; in block mode (globally or per
// provider) it blocks. Each connection is recorded once per provider so
// streamed completions do not flood the threat log.
type LLMProcessor struct {
	// Mode applies to providers not named in BlockProviders.
	Mode LLMMode

	// BlockProviders blocks specific providers while monitoring the
	// rest.
	BlockProviders []string

	// LogPrompts includes extracted prompt text in records and logs.
	LogPrompts bool

	Reporter *ThreatReporter
	Logger   *slog.Logger
	Metrics  *Metrics

	mu    sync.Mutex
	stats map[string]*LLMProviderStats

	reported *lru.Cache[string, struct{}]
	initOnce sync.Once
}

func (p *LLMProcessor) init() {
	p.initOnce.Do(func() {
		p.stats = make(map[string]*LLMProviderStats)
		p.reported, _ = lru.New[string, struct{}](1024)
	})
}

func (p *LLMProcessor) Name() string { return "llm_traffic" }

func (p *LLMProcessor) blocks(provider string) bool {
	if p.Mode == LLMModeBlock {
		return true
	}
	for _, b := range p.BlockProviders {
		if strings.EqualFold(b, provider) {
			return true
		}
	}
	return false
}

func (p *LLMProcessor) Evaluate(_ context.Context, chunk *Chunk, verdict *Verdict) (Decision, error) {
	if !verdict.LLM.Detected {
		return Decision{}, nil
	}
	p.init()

	provider := verdict.LLM.Provider
	blocked := p.blocks(provider)

	p.mu.Lock()
	st, ok := p.stats[provider]
	if !ok {
		st = &LLMProviderStats{}
		p.stats[provider] = st
	}
	st.Requests++
	if verdict.LLM.Prompt != "" {
		st.Prompts++
	}
	if blocked {
		st.Blocked++
	}
	p.mu.Unlock()

	p.report(chunk, verdict, blocked)

	label := "llm:" + provider
	if blocked {
		return Decision{
			Action:     ActionBlock,
			Reason:     "llm traffic blocked: " + provider,
			Risk:       RiskMedium,
			Confidence: verdict.LLM.Confidence,
			Labels:     []string{label},
		}, nil
	}
	return Decision{Confidence: verdict.LLM.Confidence, Labels: []string{label}}, nil
}

// report emits one threat record per connection+provider+direction.
func (p *LLMProcessor) report(chunk *Chunk, verdict *Verdict, blocked bool) {
	key := chunk.Key.String() + "|" + verdict.LLM.Provider + "|" + strconv.Itoa(int(chunk.Dir))
	if _, seen := p.reported.Get(key); seen {
		return
	}
	p.reported.Add(key, struct{}{})

	prompt := ""
	if p.LogPrompts {
		prompt = verdict.LLM.Prompt
	}

	risk, action := RiskLow, ActionAllow
	if blocked {
		risk, action = RiskMedium, ActionBlock
	}

	if p.Logger != nil {
		p.Logger.Info("llm traffic",
			"conn", chunk.Key.String(),
			"provider", verdict.LLM.Provider,
			"confidence", verdict.LLM.Confidence,
			"blocked", blocked)
	}

	if p.Reporter != nil {
		p.Reporter.Report(ThreatRecord{
			Type:       "llm_traffic",
			Risk:       risk.String(),
			Action:     action.String(),
			Source:     chunk.Key.Src(),
			Dest:       chunk.Key.Dst(),
			ServerName: chunk.Meta.ServerName,
			Provider:   verdict.LLM.Provider,
			Excerpt:    prompt,
			Size:       len(chunk.Data),
		})
	}
}

// Stats snapshots per-provider counters.
func (p *LLMProcessor) Stats() map[string]LLMProviderStats {
	p.init()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]LLMProviderStats, len(p.stats))
	for provider, st := range p.stats {
		out[provider] = *st
	}
	return out
}
