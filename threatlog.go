package cfw

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultThreatRing bounds the in-memory record list served by the
	// management API.
	DefaultThreatRing = 256

	// threatQueueSize bounds the async delivery queue. Reports past the
	// bound are dropped and counted rather than stalling the data path.
	threatQueueSize = 1024

	// sinkWriteTimeout bounds one sink or alert delivery.
	sinkWriteTimeout = 5 * time.Second
)

// ThreatRecord is one logged security event.
type ThreatRecord struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Type        string           `json:"type"`
	Risk        string           `json:"risk"`
	Action      string           `json:"action"`
	Source      string           `json:"source,omitempty"`
	Dest        string           `json:"dest,omitempty"`
	ServerName  string           `json:"server_name,omitempty"`
	Protocol    string           `json:"protocol,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Details     []SensitiveMatch `json:"details,omitempty"`
	Labels      []string         `json:"labels,omitempty"`
	Size        int              `json:"size,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	Excerpt     string           `json:"excerpt,omitempty"`
}

// recordID derives a stable short identifier from when, where, and how
// much.
func recordID(ts time.Time, source string, size int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s|%d", ts.UnixNano(), source, size))
	return hex.EncodeToString(sum[:])[:16]
}

// contentHash fingerprints chunk bytes for correlation across records.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// sensitiveWeights score how serious each data family is.
var sensitiveWeights = map[string]float64{
	"credit_card": 3,
	"ssn":         3,
	"api_key":     3,
	"password":    3,
	"email":       1,
	"phone":       1,
}

// ScoreSensitiveRisk converts a set of sensitive-data findings to a risk
// level. Each distinct family contributes its weight (0.5 for unknown
// families), with a +2 bonus once three or more distinct families appear
// together.
func ScoreSensitiveRisk(matches []SensitiveMatch) RiskLevel {
	var score float64
	for _, m := range matches {
		w, ok := sensitiveWeights[m.Label]
		if !ok {
			w = 0.5
		}
		score += w
	}
	if len(matches) >= 3 {
		score += 2
	}
	switch {
	case score >= 8:
		return RiskCritical
	case score >= 5:
		return RiskHigh
	case score >= 2:
		return RiskMedium
	}
	return RiskLow
}

// ThreatSink persists threat records. Record is called at most once per
// triggering match; a failure is logged by the reporter, never retried.
type ThreatSink interface {
	Record(ctx context.Context, rec *ThreatRecord) error
}

// AlertSink pushes high-priority records to an external receiver.
type AlertSink interface {
	Alert(ctx context.Context, rec *ThreatRecord) error
}

// MultiSink fans one record out to several sinks, returning the first
// error after trying all of them.
type MultiSink []ThreatSink

func (m MultiSink) Record(ctx context.Context, rec *ThreatRecord) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FileSink appends records to a JSON-lines file.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewFileSink opens (or creates) the log file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open threat log: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Record appends one record as a JSON line.
func (s *FileSink) Record(_ context.Context, rec *ThreatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write threat log: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (s *FileSink) Path() string { return s.path }

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// SlogSink writes records through a structured logger, for deployments
// that ship logs instead of files.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Record(ctx context.Context, rec *ThreatRecord) error {
	s.Logger.LogAttrs(ctx, slog.LevelWarn, "threat",
		slog.String("id", rec.ID),
		slog.String("type", rec.Type),
		slog.String("risk", rec.Risk),
		slog.String("action", rec.Action),
		slog.String("source", rec.Source),
		slog.String("server_name", rec.ServerName),
		slog.String("reason", rec.Reason),
	)
	return nil
}

// LogAlerter is an AlertSink that only logs, for deployments without a
// webhook receiver.
type LogAlerter struct {
	Logger *slog.Logger
}

func (l *LogAlerter) Alert(ctx context.Context, rec *ThreatRecord) error {
	l.Logger.LogAttrs(ctx, slog.LevelError, "threat alert",
		slog.String("id", rec.ID),
		slog.String("type", rec.Type),
		slog.String("risk", rec.Risk),
		slog.String("source", rec.Source),
		slog.String("server_name", rec.ServerName),
		slog.String("reason", rec.Reason),
	)
	return nil
}

// WebhookAlerter POSTs records as JSON to an HTTP endpoint, retrying
// transient failures with exponential backoff. 4xx responses are treated
// as permanent and not retried.
type WebhookAlerter struct {
	URL string

	// Client defaults to a 10s-timeout client.
	Client *http.Client

	// MaxRetries bounds backoff attempts. Zero means 3.
	MaxRetries uint64
}

func (w *WebhookAlerter) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (w *WebhookAlerter) maxRetries() uint64 {
	if w.MaxRetries > 0 {
		return w.MaxRetries
	}
	return 3
}

// Alert delivers one record, retrying on network errors and 5xx.
func (w *WebhookAlerter) Alert(ctx context.Context, rec *ThreatRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook rejected alert: %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), w.maxRetries()), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	return nil
}

// ThreatStats is a counter snapshot for the management API.
type ThreatStats struct {
	Total   int64            `json:"total"`
	Dropped int64            `json:"dropped"`
	ByRisk  map[string]int64 `json:"by_risk"`
	ByType  map[string]int64 `json:"by_type"`
}

// ThreatReporter fans records out to sinks and alerters off the data
// path. Report never blocks: records queue for async delivery and are
// dropped (and counted) when the queue is full. A bounded ring of recent
// records backs the management API.
type ThreatReporter struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// MinAlertRisk gates which records reach alert sinks.
	MinAlertRisk RiskLevel

	sinks  []ThreatSink
	alerts []AlertSink

	mu     sync.Mutex
	recent []ThreatRecord
	next   int
	byRisk map[string]int64
	byType map[string]int64

	total   atomic.Int64
	dropped atomic.Int64

	queue chan ThreatRecord
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewThreatReporter creates a reporter with a ring of ringSize recent
// records (DefaultThreatRing when zero) and starts its delivery worker.
func NewThreatReporter(ringSize int, sinks []ThreatSink, alerts []AlertSink) *ThreatReporter {
	if ringSize <= 0 {
		ringSize = DefaultThreatRing
	}
	r := &ThreatReporter{
		MinAlertRisk: RiskHigh,
		sinks:        sinks,
		alerts:       alerts,
		recent:       make([]ThreatRecord, 0, ringSize),
		byRisk:       make(map[string]int64),
		byType:       make(map[string]int64),
		queue:        make(chan ThreatRecord, threatQueueSize),
		done:         make(chan struct{}),
	}
	r.wg.Add(1)
	go r.deliver()
	return r
}

// Report records one event. Missing ID and Timestamp fields are filled
// in. Safe for concurrent use and never blocks.
func (r *ThreatReporter) Report(rec ThreatRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == "" {
		rec.ID = recordID(rec.Timestamp, rec.Source, rec.Size)
	}
	if rec.Risk == "" {
		rec.Risk = RiskLow.String()
	}

	r.total.Add(1)
	if r.Metrics != nil {
		r.Metrics.RecordThreatRecord(rec.Type, rec.Risk)
	}

	r.mu.Lock()
	if len(r.recent) < cap(r.recent) {
		r.recent = append(r.recent, rec)
	} else {
		r.recent[r.next] = rec
		r.next = (r.next + 1) % cap(r.recent)
	}
	r.byRisk[rec.Risk]++
	r.byType[rec.Type]++
	r.mu.Unlock()

	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

func (r *ThreatReporter) deliver() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.deliverOne(rec)
		case <-r.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-r.queue:
					r.deliverOne(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *ThreatReporter) deliverOne(rec ThreatRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	for _, sink := range r.sinks {
		if err := sink.Record(ctx, &rec); err != nil {
			r.log().Error("threat sink write failed", "id", rec.ID, "error", err)
		}
	}

	risk, _ := ParseRiskLevel(rec.Risk)
	if risk < r.MinAlertRisk {
		return
	}
	for _, alert := range r.alerts {
		if err := alert.Alert(ctx, &rec); err != nil {
			r.log().Error("threat alert failed", "id", rec.ID, "risk", rec.Risk, "error", err)
		}
	}
}

// Recent returns up to n records, newest first.
func (r *ThreatReporter) Recent(n int) []ThreatRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.recent)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]ThreatRecord, 0, n)
	// Once the ring is full, next points at the oldest slot and the
	// newest record sits just behind it.
	full := len(r.recent) == cap(r.recent)
	for i := 0; i < n; i++ {
		idx := size - 1 - i
		if full {
			idx = (r.next - 1 - i + size) % size
		}
		out = append(out, r.recent[idx])
	}
	return out
}

// Stats returns a counter snapshot.
func (r *ThreatReporter) Stats() ThreatStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := ThreatStats{
		Total:   r.total.Load(),
		Dropped: r.dropped.Load(),
		ByRisk:  make(map[string]int64, len(r.byRisk)),
		ByType:  make(map[string]int64, len(r.byType)),
	}
	for k, v := range r.byRisk {
		st.ByRisk[k] = v
	}
	for k, v := range r.byType {
		st.ByType[k] = v
	}
	return st
}

// Close stops the delivery worker after draining queued records.
func (r *ThreatReporter) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *ThreatReporter) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
