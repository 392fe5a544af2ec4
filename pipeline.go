package cfw

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"
)

// Action is the disposition for a chunk. The zero value allows.
type Action int

const (
	ActionAllow Action = iota
	ActionModify
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionModify:
		return "modify"
	case ActionBlock:
		return "block"
	}
	return "unknown"
}

// RiskLevel ranks how dangerous a finding is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// ParseRiskLevel converts a config string to a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "low", "":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", s)
}

// Decision is one processor's (or the pipeline's merged) disposition for a
// chunk. The zero value is allow at low risk.
type Decision struct {
	Action     Action
	Reason     string
	Risk       RiskLevel
	Confidence float64

	// Replacement carries the rewritten chunk bytes when Action is
	// ActionModify.
	Replacement []byte

	// Labels name what the decision was based on.
	Labels []string
}

// Processor evaluates one chunk and returns a Decision. Implementations
// must not block on I/O; anything slow goes through a deadline-bounded
// collaborator. A returned error is isolated by the pipeline and treated
// as allow unless the pipeline is fail-closed.
type Processor interface {
	Name() string
	Evaluate(ctx context.Context, chunk *Chunk, verdict *Verdict) (Decision, error)
}

// ProcessorStats is a snapshot of one processor's counters.
type ProcessorStats struct {
	Name      string `json:"name"`
	Processed int64  `json:"processed"`
	Errors    int64  `json:"errors"`
	Blocked   int64  `json:"blocked"`
	Modified  int64  `json:"modified"`
}

type procCounters struct {
	processed atomic.Int64
	errors    atomic.Int64
	blocked   atomic.Int64
	modified  atomic.Int64
}

// Pipeline runs an ordered sequence of processors over each chunk and
// merges their decisions by severity: block > modify > allow. A block
// stops the pipeline immediately. Modifications chain: later processors
// see the rewritten bytes, and each rewrite is checked against the
// detected protocol's framing before it is accepted.
//
// Processor failures (errors and panics) are isolated: logged, counted,
// and treated as allow so a broken analyzer cannot take the data path
// down. Setting FailClosed inverts that to block.
type Pipeline struct {
	// Logger for processor failures and dropped modifications.
	Logger *slog.Logger

	// Metrics receives per-processor observations when set.
	Metrics *Metrics

	// FailClosed turns processor failures into blocks.
	FailClosed bool

	procs []Processor
	stats []*procCounters
}

// NewPipeline creates a pipeline running procs in the given order.
func NewPipeline(procs ...Processor) *Pipeline {
	p := &Pipeline{}
	for _, proc := range procs {
		p.Use(proc)
	}
	return p
}

// Use appends a processor to the pipeline. Not safe to call once chunks
// are flowing.
func (p *Pipeline) Use(proc Processor) {
	p.procs = append(p.procs, proc)
	p.stats = append(p.stats, &procCounters{})
}

// Names returns the processor order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.procs))
	for i, proc := range p.procs {
		names[i] = proc.Name()
	}
	return names
}

// Evaluate runs every processor over the chunk and merges the decisions.
// chunk.Data reflects accepted modifications when Evaluate returns.
func (p *Pipeline) Evaluate(ctx context.Context, chunk *Chunk, verdict *Verdict) Decision {
	final := Decision{}

	for i, proc := range p.procs {
		st := p.stats[i]
		st.processed.Add(1)

		dec, err := p.evaluateOne(ctx, proc, chunk, verdict)
		if err != nil {
			st.errors.Add(1)
			if p.Metrics != nil {
				p.Metrics.RecordProcessorError(proc.Name())
			}
			p.logger().Warn("processor failed",
				"processor", proc.Name(),
				"conn", chunk.Key.String(),
				"seq", chunk.Seq,
				"error", err)
			if p.FailClosed {
				return Decision{
					Action: ActionBlock,
					Reason: fmt.Sprintf("processor %s failed (fail-closed)", proc.Name()),
					Risk:   RiskHigh,
				}
			}
			continue
		}

		mergeFindings(&final, dec)

		switch dec.Action {
		case ActionBlock:
			st.blocked.Add(1)
			final.Action = ActionBlock
			final.Reason = dec.Reason
			return final
		case ActionModify:
			if len(dec.Replacement) == 0 || bytes.Equal(dec.Replacement, chunk.Data) {
				continue
			}
			if !framingIntact(chunk.Data, dec.Replacement, chunk.Meta.Protocol) {
				p.logger().Warn("modification dropped: framing no longer well-formed",
					"processor", proc.Name(),
					"conn", chunk.Key.String(),
					"seq", chunk.Seq)
				continue
			}
			st.modified.Add(1)
			chunk.Data = dec.Replacement
			final.Action = ActionModify
			if dec.Reason != "" {
				final.Reason = dec.Reason
			}
		}
	}

	final.Replacement = nil
	if final.Action == ActionModify {
		final.Replacement = chunk.Data
	}
	return final
}

// evaluateOne isolates a single processor call, converting panics into
// errors so one bad input cannot crash the worker.
func (p *Pipeline) evaluateOne(ctx context.Context, proc Processor, chunk *Chunk, verdict *Verdict) (dec Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s panicked: %v", proc.Name(), r)
		}
	}()

	start := time.Now()
	dec, err = proc.Evaluate(ctx, chunk, verdict)
	if p.Metrics != nil {
		p.Metrics.RecordProcessorDuration(proc.Name(), time.Since(start))
	}
	return dec, err
}

// mergeFindings folds risk, confidence, and labels into the running
// decision without touching its action.
func mergeFindings(final *Decision, dec Decision) {
	if dec.Risk > final.Risk {
		final.Risk = dec.Risk
		if dec.Reason != "" && final.Action != ActionBlock {
			final.Reason = dec.Reason
		}
	}
	if dec.Confidence > final.Confidence {
		final.Confidence = dec.Confidence
	}
	for _, l := range dec.Labels {
		if !containsLabel(final.Labels, l) {
			final.Labels = append(final.Labels, l)
		}
	}
}

func containsLabel(labels []string, l string) bool {
	for _, have := range labels {
		if have == l {
			return true
		}
	}
	return false
}

// Stats returns per-processor counter snapshots in pipeline order.
func (p *Pipeline) Stats() []ProcessorStats {
	out := make([]ProcessorStats, len(p.procs))
	for i, proc := range p.procs {
		st := p.stats[i]
		out[i] = ProcessorStats{
			Name:      proc.Name(),
			Processed: st.processed.Load(),
			Errors:    st.errors.Load(),
			Blocked:   st.blocked.Load(),
			Modified:  st.modified.Load(),
		}
	}
	return out
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

var (
	httpRequestLine = regexp.MustCompile(`^(?:GET|POST|PUT|DELETE|HEAD|OPTIONS|PATCH|CONNECT|TRACE)\s+\S+\s+HTTP/\d\.\d\r?\n`)
	httpStatusLine  = regexp.MustCompile(`^HTTP/\d\.\d\s+\d{3}[^\r\n]*\r?\n`)
)

// framingIntact checks that a modification kept the chunk well-formed for
// the detected protocol. Only HTTP has checkable framing here: a chunk
// that began with a request or status line must still begin with one, and
// a header/body separator must survive if one was present.
func framingIntact(orig, modified []byte, protocol string) bool {
	if protocol != "http" {
		return true
	}
	if httpRequestLine.Match(orig) && !httpRequestLine.Match(modified) {
		return false
	}
	if httpStatusLine.Match(orig) && !httpStatusLine.Match(modified) {
		return false
	}
	sep := []byte("\r\n\r\n")
	if bytes.Contains(orig, sep) && !bytes.Contains(modified, sep) {
		return false
	}
	return true
}
