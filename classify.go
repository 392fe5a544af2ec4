package cfw

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultThreshold is the confidence a finding needs before it is
	// acted on.
	DefaultThreshold = 0.7

	// DefaultLookback bounds the per-direction reassembly window kept
	// between chunks so patterns split across chunk boundaries still
	// match.
	DefaultLookback = 4096

	// DefaultMaxScan caps how many bytes of a window are run through the
	// rule engine per call.
	DefaultMaxScan = 64 << 10

	// detectCacheSize bounds the verdict cache.
	detectCacheSize = 1000

	// detectHashPrefix is how many leading bytes feed the cache key.
	detectHashPrefix = 100
)

// ThreatMatch is one threat rule family that fired on a window.
type ThreatMatch struct {
	Label      string    `json:"label"`
	Risk       RiskLevel `json:"-"`
	RiskName   string    `json:"risk"`
	Confidence float64   `json:"confidence"`
	Count      int       `json:"count"`
}

// LLMFinding reports detected LLM API traffic.
type LLMFinding struct {
	Detected   bool    `json:"detected"`
	Provider   string  `json:"provider,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Prompt     string  `json:"prompt,omitempty"`
}

// Verdict is the classifier's read-only result for one scan window.
// Processors receive it by pointer and must not mutate it: verdicts are
// cached and shared between goroutines.
type Verdict struct {
	Protocol           string        `json:"protocol"`
	ProtocolConfidence float64       `json:"protocol_confidence,omitempty"`
	Threats            []ThreatMatch `json:"threats,omitempty"`
	MaxRisk            RiskLevel     `json:"-"`
	LLM                LLMFinding    `json:"llm"`
	Labels             []string      `json:"labels,omitempty"`

	fired map[Category]bool
}

// Has reports whether any rule of the given category fired.
func (v *Verdict) Has(cat Category) bool {
	return v.fired[cat]
}

// HasThreat reports whether a specific threat family fired.
func (v *Verdict) HasThreat(label string) bool {
	for _, t := range v.Threats {
		if t.Label == label {
			return true
		}
	}
	return false
}

type detectKey struct {
	hash uint64
	size int
}

// Classifier runs the rule engine over scan windows and caches verdicts
// for repeated payloads. Safe for concurrent use.
type Classifier struct {
	// Rules supplies the active rule set per call, so reloads take
	// effect without restarting.
	Rules RuleProvider

	// Threshold is the confidence floor for LLM detection. Zero means
	// DefaultThreshold.
	Threshold float64

	// MaxScan caps scanned bytes per window. Zero means DefaultMaxScan.
	MaxScan int

	// Metrics receives cache and classification observations when set.
	Metrics *Metrics

	cache *lru.Cache[detectKey, *Verdict]
}

// NewClassifier creates a classifier over the given rule provider.
func NewClassifier(rules RuleProvider) *Classifier {
	cache, _ := lru.New[detectKey, *Verdict](detectCacheSize)
	return &Classifier{Rules: rules, cache: cache}
}

func (c *Classifier) threshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultThreshold
}

// Classify scans a window and returns its verdict. Identical windows
// (same leading bytes and length) hit the cache instead of re-running
// the rule engine.
func (c *Classifier) Classify(data []byte) *Verdict {
	if len(data) == 0 {
		return &Verdict{Protocol: "unknown"}
	}
	if max := c.maxScan(); len(data) > max {
		data = data[:max]
	}

	key := cacheKey(data)
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			if c.Metrics != nil {
				c.Metrics.RecordDetectCacheHit()
			}
			return v
		}
	}
	if c.Metrics != nil {
		c.Metrics.RecordDetectCacheMiss()
	}

	v := c.scan(data)
	if c.cache != nil {
		c.cache.Add(key, v)
	}
	return v
}

func (c *Classifier) scan(data []byte) *Verdict {
	rs := c.Rules.Current()
	v := &Verdict{Protocol: "unknown", fired: make(map[Category]bool)}

	// First matching protocol rule wins, in catalog order.
	for _, r := range rs.protocol {
		if r.re.Match(data) {
			v.Protocol = r.Label
			v.ProtocolConfidence = r.Weight
			v.fired[CategoryProtocol] = true
			v.Labels = append(v.Labels, "protocol:"+r.Label)
			break
		}
	}

	c.scanThreats(rs, data, v)
	c.scanLLM(rs, data, v)

	if c.Metrics != nil {
		c.Metrics.RecordClassification(v.Protocol)
		for _, t := range v.Threats {
			c.Metrics.RecordThreatMatch(t.Label, t.RiskName)
		}
		if v.LLM.Detected {
			c.Metrics.RecordLLMDetection(v.LLM.Provider)
		}
	}
	return v
}

// scanThreats aggregates matches per threat family: confidence is the
// strongest firing rule's weight, count the total hits across the
// family's rules.
func (c *Classifier) scanThreats(rs *RuleSet, data []byte, v *Verdict) {
	type agg struct {
		risk  RiskLevel
		conf  float64
		count int
	}
	found := make(map[string]*agg)
	var order []string

	for _, r := range rs.threat {
		hits := r.re.FindAllIndex(data, -1)
		if len(hits) == 0 {
			continue
		}
		risk, _ := ParseRiskLevel(r.Risk)
		a, ok := found[r.Label]
		if !ok {
			a = &agg{}
			found[r.Label] = a
			order = append(order, r.Label)
		}
		a.count += len(hits)
		if r.Weight > a.conf {
			a.conf = r.Weight
		}
		if risk > a.risk {
			a.risk = risk
		}
	}

	for _, label := range order {
		a := found[label]
		v.Threats = append(v.Threats, ThreatMatch{
			Label:      label,
			Risk:       a.risk,
			RiskName:   a.risk.String(),
			Confidence: a.conf,
			Count:      a.count,
		})
		if a.risk > v.MaxRisk {
			v.MaxRisk = a.risk
		}
		v.fired[CategoryThreat] = true
		v.Labels = append(v.Labels, "threat:"+label)
	}
}

// scanLLM groups rule hits by provider. A provider's confidence starts at
// its strongest rule weight and gains 0.05 per hit up to +0.20, capped at
// 1.0. The best provider at or above the threshold wins.
func (c *Classifier) scanLLM(rs *RuleSet, data []byte, v *Verdict) {
	type agg struct {
		base  float64
		count int
	}
	found := make(map[string]*agg)

	for _, r := range rs.llm {
		hits := r.re.FindAllIndex(data, -1)
		if len(hits) == 0 {
			continue
		}
		a, ok := found[r.Provider]
		if !ok {
			a = &agg{}
			found[r.Provider] = a
		}
		a.count += len(hits)
		if r.Weight > a.base {
			a.base = r.Weight
		}
	}
	if len(found) == 0 {
		return
	}

	var best string
	var bestConf float64
	for provider, a := range found {
		boost := 0.05 * float64(a.count)
		if boost > 0.20 {
			boost = 0.20
		}
		conf := a.base + boost
		if conf > 1.0 {
			conf = 1.0
		}
		if conf > bestConf || (conf == bestConf && provider < best) {
			best, bestConf = provider, conf
		}
	}

	v.fired[CategoryLLM] = true
	if bestConf < c.threshold() {
		return
	}
	v.LLM = LLMFinding{
		Detected:   true,
		Provider:   best,
		Confidence: bestConf,
		Prompt:     extractLLMPrompt(data),
	}
	v.Labels = append(v.Labels, "llm:"+best)
}

func (c *Classifier) maxScan() int {
	if c.MaxScan > 0 {
		return c.MaxScan
	}
	return DefaultMaxScan
}

// CacheLen reports how many verdicts are cached.
func (c *Classifier) CacheLen() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// cacheKey hashes the leading bytes and mixes in the full length, so two
// windows sharing a prefix but differing in size stay distinct.
func cacheKey(data []byte) detectKey {
	prefix := data
	if len(prefix) > detectHashPrefix {
		prefix = prefix[:detectHashPrefix]
	}
	h := fnv.New64a()
	h.Write(prefix)
	return detectKey{hash: h.Sum64(), size: len(data)}
}

// ProtocolProcessor annotates chunks with the detected protocol and
// enforces an optional allowlist.
type ProtocolProcessor struct {
	// Allowed, when non-empty, lists the only protocols permitted
	// through the proxy. "unknown" must be listed to let unclassified
	// traffic pass.
	Allowed []string
}

func (p *ProtocolProcessor) Name() string { return "protocol" }

func (p *ProtocolProcessor) Evaluate(_ context.Context, chunk *Chunk, verdict *Verdict) (Decision, error) {
	chunk.Meta.Protocol = verdict.Protocol
	if len(p.Allowed) == 0 {
		return Decision{Labels: []string{"protocol:" + verdict.Protocol}}, nil
	}
	for _, allowed := range p.Allowed {
		if strings.EqualFold(allowed, verdict.Protocol) {
			return Decision{Labels: []string{"protocol:" + verdict.Protocol}}, nil
		}
	}
	return Decision{
		Action:     ActionBlock,
		Reason:     "protocol not allowed: " + verdict.Protocol,
		Risk:       RiskMedium,
		Confidence: verdict.ProtocolConfidence,
		Labels:     []string{"protocol:" + verdict.Protocol},
	}, nil
}

// ThreatProcessor turns threat rule matches into decisions: high or
// critical findings at or above the confidence threshold block the
// connection, lower findings are recorded and allowed through.
type ThreatProcessor struct {
	// Threshold is the confidence floor for blocking. Zero means
	// DefaultThreshold.
	Threshold float64

	Reporter *ThreatReporter

	reported *lru.Cache[string, struct{}]
	initOnce sync.Once
}

func (p *ThreatProcessor) init() {
	p.initOnce.Do(func() {
		p.reported, _ = lru.New[string, struct{}](4096)
	})
}

func (p *ThreatProcessor) threshold() float64 {
	if p.Threshold > 0 {
		return p.Threshold
	}
	return DefaultThreshold
}

func (p *ThreatProcessor) Name() string { return "threat" }

func (p *ThreatProcessor) Evaluate(_ context.Context, chunk *Chunk, verdict *Verdict) (Decision, error) {
	if len(verdict.Threats) == 0 {
		return Decision{}, nil
	}
	p.init()

	var block *ThreatMatch
	labels := make([]string, 0, len(verdict.Threats))
	for i := range verdict.Threats {
		t := &verdict.Threats[i]
		labels = append(labels, "threat:"+t.Label)
		if t.Risk >= RiskHigh && t.Confidence >= p.threshold() {
			if block == nil || t.Risk > block.Risk {
				block = t
			}
		}
		p.report(chunk, t, block == t)
	}

	if block == nil {
		return Decision{Risk: verdict.MaxRisk, Labels: labels}, nil
	}
	return Decision{
		Action:     ActionBlock,
		Reason:     "threat detected: " + block.Label,
		Risk:       block.Risk,
		Confidence: block.Confidence,
		Labels:     labels,
	}, nil
}

// report emits one record per connection+family so a retransmitted
// payload does not flood the log.
func (p *ThreatProcessor) report(chunk *Chunk, t *ThreatMatch, blocked bool) {
	if p.Reporter == nil || t.Risk < RiskMedium {
		return
	}
	key := chunk.Key.String() + "|" + t.Label
	if _, seen := p.reported.Get(key); seen {
		return
	}
	p.reported.Add(key, struct{}{})

	action := ActionAllow
	if blocked {
		action = ActionBlock
	}
	p.Reporter.Report(ThreatRecord{
		Type:        "threat",
		Risk:        t.Risk.String(),
		Action:      action.String(),
		Source:      chunk.Key.Src(),
		Dest:        chunk.Key.Dst(),
		ServerName:  chunk.Meta.ServerName,
		Protocol:    chunk.Meta.Protocol,
		Reason:      t.Label,
		Labels:      []string{"threat:" + t.Label},
		Size:        len(chunk.Data),
		ContentHash: contentHash(chunk.Data),
	})
}
