package cfw

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the firewall.
type Metrics struct {
	connsActive        prometheus.Gauge
	connsAdmitted      prometheus.Counter
	connsRejected      prometheus.Counter
	connsClosed        *prometheus.CounterVec
	interceptTotal     *prometheus.CounterVec
	handshakeErrs      *prometheus.CounterVec
	upstreamErrors     *prometheus.CounterVec
	rateLimited        prometheus.Counter
	chunksTotal        *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	processingDuration prometheus.Histogram
	decisionsTotal     *prometheus.CounterVec
	verdictsTotal      *prometheus.CounterVec
	threatMatches      *prometheus.CounterVec
	llmDetections      *prometheus.CounterVec
	sensitiveMatches   *prometheus.CounterVec
	threatRecords      *prometheus.CounterVec
	weakEncryption     *prometheus.CounterVec
	certFindings       *prometheus.CounterVec
	detectCacheHits    prometheus.Counter
	detectCacheMisses  prometheus.Counter
	certCacheSize      prometheus.Gauge
	certCacheHits      prometheus.Counter
	certCacheMisses    prometheus.Counter
	certCacheEvictions prometheus.Counter
	certIssuance       prometheus.Histogram
	processorErrors    *prometheus.CounterVec
	processorDuration  *prometheus.HistogramVec
	analyzerCalls      *prometheus.CounterVec
	analyzerTimeouts   prometheus.Counter
	ruleCount          prometheus.Gauge
	ruleReloads        prometheus.Counter
	ruleReloadErrs     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "connections_active",
			Help:      "Number of currently tracked connections.",
		}),

		connsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "connections_admitted_total",
			Help:      "Connections admitted by the tracker.",
		}),

		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "connections_rejected_total",
			Help:      "Connections rejected at admission (capacity).",
		}),

		connsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "connections_closed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),

		interceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "intercepts_total",
			Help:      "Connection front-end outcomes.",
		}, []string{"outcome"}),

		handshakeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "tls_handshake_errors_total",
			Help:      "TLS handshake failures, by leg.",
		}, []string{"side"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "upstream_errors_total",
			Help:      "Upstream connection errors.",
		}, []string{"host"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "rate_limited_total",
			Help:      "Connections refused by the per-client rate limiter.",
		}),

		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "chunks_total",
			Help:      "Chunks processed, by direction.",
		}, []string{"direction"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "bytes_total",
			Help:      "Bytes processed, by direction.",
		}, []string{"direction"}),

		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cfw",
			Name:      "chunk_processing_seconds",
			Help:      "Per-chunk pipeline processing time.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "decisions_total",
			Help:      "Merged pipeline decisions, by action.",
		}, []string{"action"}),

		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "verdicts_total",
			Help:      "Classifier verdicts, by detected protocol.",
		}, []string{"protocol"}),

		threatMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "threat_matches_total",
			Help:      "Threat rule families fired, by label and risk.",
		}, []string{"label", "risk"}),

		llmDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "llm_detections_total",
			Help:      "LLM traffic detections, by provider.",
		}, []string{"provider"}),

		sensitiveMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "sensitive_matches_total",
			Help:      "Sensitive data findings, by family and action taken.",
		}, []string{"label", "action"}),

		threatRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "threat_records_total",
			Help:      "Threat records emitted, by type and risk.",
		}, []string{"type", "risk"}),

		weakEncryption: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "weak_encryption_total",
			Help:      "Connections flagged for weak TLS, by version.",
		}, []string{"version"}),

		certFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "certificate_findings_total",
			Help:      "Upstream certificate findings, by kind.",
		}, []string{"finding"}),

		detectCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "detect_cache_hits_total",
			Help:      "Classifier verdict cache hits.",
		}),

		detectCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "detect_cache_misses_total",
			Help:      "Classifier verdict cache misses.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "cert_cache_hits_total",
			Help:      "Leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "cert_cache_misses_total",
			Help:      "Leaf certificate cache misses.",
		}),

		certCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "cert_cache_evictions_total",
			Help:      "Expired leaf certificates evicted from the cache.",
		}),

		certIssuance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cfw",
			Name:      "cert_issuance_seconds",
			Help:      "Leaf certificate issuance time.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		processorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "processor_errors_total",
			Help:      "Processor failures isolated by the pipeline.",
		}, []string{"processor"}),

		processorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cfw",
			Name:      "processor_seconds",
			Help:      "Per-processor evaluation time.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"processor"}),

		analyzerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "analyzer_calls_total",
			Help:      "Remote analyzer calls, by outcome.",
		}, []string{"outcome"}),

		analyzerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "analyzer_timeouts_total",
			Help:      "Remote verdicts discarded for missing the wait bound.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfw",
			Name:      "rule_count",
			Help:      "Number of active detection rules.",
		}),

		ruleReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "rule_reloads_total",
			Help:      "Successful detection rule reloads.",
		}),

		ruleReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cfw",
			Name:      "rule_reload_errors_total",
			Help:      "Failed detection rule reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.connsActive,
		m.connsAdmitted,
		m.connsRejected,
		m.connsClosed,
		m.interceptTotal,
		m.handshakeErrs,
		m.upstreamErrors,
		m.rateLimited,
		m.chunksTotal,
		m.bytesTotal,
		m.processingDuration,
		m.decisionsTotal,
		m.verdictsTotal,
		m.threatMatches,
		m.llmDetections,
		m.sensitiveMatches,
		m.threatRecords,
		m.weakEncryption,
		m.certFindings,
		m.detectCacheHits,
		m.detectCacheMisses,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.certCacheEvictions,
		m.certIssuance,
		m.processorErrors,
		m.processorDuration,
		m.analyzerCalls,
		m.analyzerTimeouts,
		m.ruleCount,
		m.ruleReloads,
		m.ruleReloadErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveConns sets the active connection gauge.
func (m *Metrics) SetActiveConns(n int) {
	m.connsActive.Set(float64(n))
}

// RecordConnAdmitted records an admitted connection.
func (m *Metrics) RecordConnAdmitted() {
	m.connsAdmitted.Inc()
}

// RecordConnRejected records an admission rejection.
func (m *Metrics) RecordConnRejected() {
	m.connsRejected.Inc()
}

// RecordConnClosed records a closed connection.
func (m *Metrics) RecordConnClosed(reason string) {
	m.connsClosed.WithLabelValues(reason).Inc()
}

// RecordIntercept records a front-end outcome: mitm, passthrough,
// blocked, or rejected.
func (m *Metrics) RecordIntercept(outcome string) {
	m.interceptTotal.WithLabelValues(outcome).Inc()
}

// RecordHandshakeError records a TLS handshake failure on the client or
// server leg.
func (m *Metrics) RecordHandshakeError(side string) {
	m.handshakeErrs.WithLabelValues(side).Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordRateLimited records a connection refused by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordChunk records a processed chunk and its size.
func (m *Metrics) RecordChunk(direction string, bytes int) {
	m.chunksTotal.WithLabelValues(direction).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordProcessingDuration records one chunk's time through the pipeline.
func (m *Metrics) RecordProcessingDuration(d time.Duration) {
	m.processingDuration.Observe(d.Seconds())
}

// RecordDecision records a merged pipeline decision.
func (m *Metrics) RecordDecision(action string) {
	m.decisionsTotal.WithLabelValues(action).Inc()
}

// RecordClassification records a classifier verdict.
func (m *Metrics) RecordClassification(protocol string) {
	m.verdictsTotal.WithLabelValues(protocol).Inc()
}

// RecordThreatMatch records a fired threat rule family.
func (m *Metrics) RecordThreatMatch(label, risk string) {
	m.threatMatches.WithLabelValues(label, risk).Inc()
}

// RecordLLMDetection records detected LLM traffic.
func (m *Metrics) RecordLLMDetection(provider string) {
	m.llmDetections.WithLabelValues(provider).Inc()
}

// RecordSensitiveMatch records a sensitive data finding.
func (m *Metrics) RecordSensitiveMatch(label, action string) {
	m.sensitiveMatches.WithLabelValues(label, action).Inc()
}

// RecordThreatRecord records an emitted threat record.
func (m *Metrics) RecordThreatRecord(recordType, risk string) {
	m.threatRecords.WithLabelValues(recordType, risk).Inc()
}

// RecordWeakEncryption records a weak-TLS finding.
func (m *Metrics) RecordWeakEncryption(version string) {
	m.weakEncryption.WithLabelValues(version).Inc()
}

// RecordCertFinding records an upstream certificate finding.
func (m *Metrics) RecordCertFinding(finding string) {
	m.certFindings.WithLabelValues(finding).Inc()
}

// RecordDetectCacheHit records a verdict cache hit.
func (m *Metrics) RecordDetectCacheHit() {
	m.detectCacheHits.Inc()
}

// RecordDetectCacheMiss records a verdict cache miss.
func (m *Metrics) RecordDetectCacheMiss() {
	m.detectCacheMisses.Inc()
}

// SetCertCacheSize sets the leaf cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a leaf cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a leaf cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordCertEvictions records expired leaves evicted by the sweeper.
func (m *Metrics) RecordCertEvictions(n int) {
	m.certCacheEvictions.Add(float64(n))
}

// RecordCertIssuance records how long one leaf issuance took.
func (m *Metrics) RecordCertIssuance(d time.Duration) {
	m.certIssuance.Observe(d.Seconds())
}

// RecordProcessorError records an isolated processor failure.
func (m *Metrics) RecordProcessorError(processor string) {
	m.processorErrors.WithLabelValues(processor).Inc()
}

// RecordProcessorDuration records one processor evaluation.
func (m *Metrics) RecordProcessorDuration(processor string, d time.Duration) {
	m.processorDuration.WithLabelValues(processor).Observe(d.Seconds())
}

// RecordAnalyzerCall records a remote analyzer call outcome: ok, cached,
// rate_limited, or error.
func (m *Metrics) RecordAnalyzerCall(outcome string) {
	m.analyzerCalls.WithLabelValues(outcome).Inc()
}

// RecordAnalyzerTimeout records a remote verdict discarded for lateness.
func (m *Metrics) RecordAnalyzerTimeout() {
	m.analyzerTimeouts.Inc()
}

// SetRuleCount sets the active rule count gauge.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a successful rule reload.
func (m *Metrics) RecordRuleReload() {
	m.ruleReloads.Inc()
}

// RecordRuleReloadError records a failed rule reload.
func (m *Metrics) RecordRuleReloadError() {
	m.ruleReloadErrs.Inc()
}
