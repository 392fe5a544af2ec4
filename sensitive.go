package cfw

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
)

// Strategy is what happens to a chunk carrying sensitive data.
type Strategy int

const (
	// StrategySteganography rewrites matches in place with a
	// digit-free placeholder so downstream detectors cannot re-fire on
	// the redacted output.
	StrategySteganography Strategy = iota

	// StrategyBlock drops the chunk and terminates the connection.
	StrategyBlock

	// StrategySilentLog records the finding and passes the data
	// through unchanged.
	StrategySilentLog
)

func (s Strategy) String() string {
	switch s {
	case StrategySteganography:
		return "steganography"
	case StrategyBlock:
		return "block"
	case StrategySilentLog:
		return "silent_log"
	}
	return "unknown"
}

// ParseStrategy converts a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "steganography", "":
		return StrategySteganography, nil
	case "block":
		return StrategyBlock, nil
	case "silent_log":
		return StrategySilentLog, nil
	}
	return StrategySteganography, fmt.Errorf("unknown strategy %q", s)
}

// RedactionPlaceholder replaces sensitive matches. It contains no digits
// and no long alphanumeric runs, so a second redaction pass over already
// redacted output is a no-op.
const RedactionPlaceholder = "***REDACTED***"

// SensitiveMatch is one data family found in a chunk.
type SensitiveMatch struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// SensitiveResult summarizes a scan or redaction pass.
type SensitiveResult struct {
	Matches  []SensitiveMatch `json:"matches,omitempty"`
	Redacted bool             `json:"redacted,omitempty"`
}

// Found reports whether anything matched.
func (r SensitiveResult) Found() bool { return len(r.Matches) > 0 }

// Labels returns the matched family names in detection order.
func (r SensitiveResult) Labels() []string {
	out := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		out[i] = m.Label
	}
	return out
}

type sensitivePattern struct {
	label string
	re    *regexp.Regexp
}

func defaultSensitivePatterns() []sensitivePattern {
	return []sensitivePattern{
		{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
		{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{"phone", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
		{"api_key", regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`)},
		{"password", regexp.MustCompile(`(?i)password["\s]*[:=]["\s]*[^\s"]+`)},
	}
}

// SensitiveFilter detects and handles sensitive data in traffic. It runs
// as a pipeline processor: the configured strategy (global default plus
// per-family overrides) decides whether a finding blocks the chunk,
// rewrites it, or only records it.
type SensitiveFilter struct {
	// Reporter, when set, receives one threat record per chunk with
	// findings.
	Reporter *ThreatReporter

	Logger  *slog.Logger
	Metrics *Metrics

	mu           sync.RWMutex
	strategy     Strategy
	overrides    map[string]Strategy
	patterns     []sensitivePattern
	placeholders map[string]string
}

// NewSensitiveFilter creates a filter with the built-in pattern catalog.
func NewSensitiveFilter(strategy Strategy) *SensitiveFilter {
	return &SensitiveFilter{
		strategy: strategy,
		patterns: defaultSensitivePatterns(),
	}
}

// Strategy returns the current default strategy.
func (f *SensitiveFilter) Strategy() Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.strategy
}

// SetStrategy changes the default strategy at runtime.
func (f *SensitiveFilter) SetStrategy(s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategy = s
}

// SetOverride pins a family to a strategy regardless of the default.
func (f *SensitiveFilter) SetOverride(label string, s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overrides == nil {
		f.overrides = make(map[string]Strategy)
	}
	f.overrides[label] = s
}

// Overrides returns a copy of the per-family strategy overrides.
func (f *SensitiveFilter) Overrides() map[string]Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Strategy, len(f.overrides))
	for k, v := range f.overrides {
		out[k] = v
	}
	return out
}

// AddPattern registers a custom family. Families are scanned in
// registration order after the built-ins.
func (f *SensitiveFilter) AddPattern(label, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("sensitive pattern %s: %w", label, err)
	}
	f.patterns = append(f.patterns, sensitivePattern{label: label, re: re})
	return nil
}

// SetPlaceholder replaces RedactionPlaceholder for one family. The text
// must not match any registered pattern, or redaction stops being
// idempotent. Call during setup, before the filter serves traffic.
func (f *SensitiveFilter) SetPlaceholder(label, text string) {
	if f.placeholders == nil {
		f.placeholders = make(map[string]string)
	}
	f.placeholders[label] = text
}

func (f *SensitiveFilter) placeholderFor(label string) []byte {
	if t, ok := f.placeholders[label]; ok {
		return []byte(t)
	}
	return []byte(RedactionPlaceholder)
}

// Scan reports which families appear in data without modifying it.
func (f *SensitiveFilter) Scan(data []byte) SensitiveResult {
	var res SensitiveResult
	for _, p := range f.patterns {
		hits := p.re.FindAllIndex(data, -1)
		if len(hits) == 0 {
			continue
		}
		res.Matches = append(res.Matches, SensitiveMatch{Label: p.label, Count: len(hits)})
	}
	return res
}

// Redact replaces matches with each family's placeholder
// (RedactionPlaceholder unless overridden). When labels is non-nil only
// those families are rewritten; others are left intact.
// Redaction is idempotent: the placeholder matches none of the built-in
// patterns, so redacting already redacted data returns it unchanged.
func (f *SensitiveFilter) Redact(data []byte, labels map[string]bool) ([]byte, SensitiveResult) {
	var res SensitiveResult
	out := data
	for _, p := range f.patterns {
		if labels != nil && !labels[p.label] {
			continue
		}
		hits := p.re.FindAllIndex(out, -1)
		if len(hits) == 0 {
			continue
		}
		res.Matches = append(res.Matches, SensitiveMatch{Label: p.label, Count: len(hits)})
		out = p.re.ReplaceAll(out, f.placeholderFor(p.label))
		res.Redacted = true
	}
	if res.Redacted {
		out = fixContentLength(out)
	}
	return out, res
}

func (f *SensitiveFilter) strategyFor(label string) Strategy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.overrides[label]; ok {
		return s
	}
	return f.strategy
}

func (f *SensitiveFilter) Name() string { return "sensitive_data" }

// Evaluate scans the chunk and applies the per-family strategies. When
// families disagree, block wins over steganography, which wins over
// silent log. Compressed HTTP bodies are scanned in decoded form and
// re-encoded after redaction. Every chunk with findings produces
// exactly one threat record; a blocked chunk's record is at least
// medium risk.
func (f *SensitiveFilter) Evaluate(_ context.Context, chunk *Chunk, _ *Verdict) (Decision, error) {
	view, reassemble := decodedView(chunk)
	found := f.Scan(view)
	if !found.Found() {
		return Decision{}, nil
	}

	action := StrategySilentLog
	redactLabels := make(map[string]bool)
	for _, m := range found.Matches {
		switch f.strategyFor(m.Label) {
		case StrategyBlock:
			action = StrategyBlock
		case StrategySteganography:
			if action != StrategyBlock {
				action = StrategySteganography
			}
			redactLabels[m.Label] = true
		}
	}

	risk := ScoreSensitiveRisk(found.Matches)
	if action == StrategyBlock && risk < RiskMedium {
		risk = RiskMedium
	}

	labels := make([]string, 0, len(found.Matches))
	for _, m := range found.Matches {
		labels = append(labels, "sensitive:"+m.Label)
		if f.Metrics != nil {
			f.Metrics.RecordSensitiveMatch(m.Label, action.String())
		}
	}

	if f.Reporter != nil {
		f.Reporter.Report(ThreatRecord{
			Type:        "sensitive_data",
			Risk:        risk.String(),
			Action:      actionForStrategy(action).String(),
			Source:      chunk.Key.Src(),
			Dest:        chunk.Key.Dst(),
			ServerName:  chunk.Meta.ServerName,
			Protocol:    chunk.Meta.Protocol,
			Details:     found.Matches,
			Size:        len(chunk.Data),
			ContentHash: contentHash(chunk.Data),
		})
	}

	switch action {
	case StrategyBlock:
		return Decision{
			Action:     ActionBlock,
			Reason:     "sensitive data: " + joinLabels(found.Matches),
			Risk:       risk,
			Confidence: 0.9,
			Labels:     labels,
		}, nil
	case StrategySteganography:
		redacted, res := f.Redact(view, redactLabels)
		if !res.Redacted {
			return Decision{Risk: risk, Labels: labels}, nil
		}
		wire, ok := reassemble(redacted)
		if !ok {
			f.log().Warn("redaction dropped: body could not be re-encoded",
				"conn", chunk.Key.String(),
				"families", joinLabels(res.Matches))
			return Decision{Risk: risk, Confidence: 0.9, Labels: labels}, nil
		}
		f.log().Info("sensitive data redacted",
			"conn", chunk.Key.String(),
			"families", joinLabels(res.Matches))
		return Decision{
			Action:      ActionModify,
			Reason:      "sensitive data redacted: " + joinLabels(res.Matches),
			Risk:        risk,
			Confidence:  0.9,
			Replacement: wire,
			Labels:      labels,
		}, nil
	default:
		f.log().Info("sensitive data observed",
			"conn", chunk.Key.String(),
			"families", joinLabels(found.Matches))
		return Decision{Risk: risk, Confidence: 0.9, Labels: labels}, nil
	}
}

func actionForStrategy(s Strategy) Action {
	switch s {
	case StrategyBlock:
		return ActionBlock
	case StrategySteganography:
		return ActionModify
	}
	return ActionAllow
}

func joinLabels(matches []SensitiveMatch) string {
	var b bytes.Buffer
	for i, m := range matches {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(m.Label)
	}
	return b.String()
}

func (f *SensitiveFilter) log() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

var contentLengthRe = regexp.MustCompile(`(?im)^content-length:[ \t]*\d+`)

// fixContentLength recomputes the Content-Length header after a rewrite
// changed the body size. Data without an HTTP header block or without
// the header passes through untouched.
func fixContentLength(data []byte) []byte {
	sep := []byte("\r\n\r\n")
	i := bytes.Index(data, sep)
	if i < 0 {
		return data
	}
	head, body := data[:i], data[i+len(sep):]
	loc := contentLengthRe.FindIndex(head)
	if loc == nil {
		return data
	}
	fixed := make([]byte, 0, len(data))
	fixed = append(fixed, head[:loc[0]]...)
	fixed = append(fixed, "Content-Length: "...)
	fixed = strconv.AppendInt(fixed, int64(len(body)), 10)
	fixed = append(fixed, head[loc[1]:]...)
	fixed = append(fixed, sep...)
	fixed = append(fixed, body...)
	return fixed
}

// decodedView returns the bytes to scan for a chunk, with a compressed
// HTTP body replaced by its decoded form, and a reassemble function
// that converts a rewritten view back to wire format. Chunks without a
// decodable body are scanned as-is and reassemble is the identity.
func decodedView(chunk *Chunk) ([]byte, func([]byte) ([]byte, bool)) {
	identity := func(b []byte) ([]byte, bool) { return b, true }

	enc := parseContentEncoding(chunk.Meta.ContentEncoding)
	if enc == "" {
		return chunk.Data, identity
	}
	head, body, ok := splitHTTPMessage(chunk.Data)
	if !ok || len(body) == 0 {
		return chunk.Data, identity
	}
	decoded, err := DecodeBody(body, enc, 0)
	if err != nil {
		return chunk.Data, identity
	}

	sep := []byte("\r\n\r\n")
	view := make([]byte, 0, len(head)+len(sep)+len(decoded))
	view = append(view, head...)
	view = append(view, sep...)
	view = append(view, decoded...)

	reassemble := func(rewritten []byte) ([]byte, bool) {
		h, b, ok := splitHTTPMessage(rewritten)
		if !ok {
			return nil, false
		}
		encoded, err := EncodeBody(b, enc)
		if err != nil {
			return nil, false
		}
		out := make([]byte, 0, len(h)+len(sep)+len(encoded))
		out = append(out, h...)
		out = append(out, sep...)
		out = append(out, encoded...)
		return fixContentLength(out), true
	}
	return view, reassemble
}
