package cfw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics()
	m.RecordConnAdmitted()
	m.RecordConnAdmitted()
	m.RecordConnRejected()
	m.RecordConnClosed("client_closed")
	m.RecordConnClosed("idle")
	m.SetActiveConns(1)
}

func TestMetrics_Intercepts(t *testing.T) {
	m := NewMetrics()
	m.RecordIntercept("mitm")
	m.RecordIntercept("passthrough")
	m.RecordIntercept("rejected")
	m.RecordHandshakeError("client")
	m.RecordHandshakeError("server")
	m.RecordUpstreamError("example.com")
	m.RecordRateLimited()
}

func TestMetrics_Chunks(t *testing.T) {
	m := NewMetrics()
	m.RecordChunk("client_to_server", 4096)
	m.RecordChunk("server_to_client", 128000)
	m.RecordProcessingDuration(2 * time.Millisecond)
	m.RecordDecision("allow")
	m.RecordDecision("block")
}

func TestMetrics_Detection(t *testing.T) {
	m := NewMetrics()
	m.RecordClassification("http")
	m.RecordThreatMatch("sql_injection", "high")
	m.RecordLLMDetection("openai")
	m.RecordSensitiveMatch("credit_card", "redact")
	m.RecordThreatRecord("sensitive_data", "medium")
	m.RecordWeakEncryption("TLS 1.0")
	m.RecordCertFinding("expired")
	m.RecordDetectCacheHit()
	m.RecordDetectCacheMiss()
}

func TestMetrics_CertCache(t *testing.T) {
	m := NewMetrics()
	m.SetCertCacheSize(42)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.RecordCertEvictions(3)
	m.RecordCertIssuance(15 * time.Millisecond)
}

func TestMetrics_Processors(t *testing.T) {
	m := NewMetrics()
	m.RecordProcessorError("llm_traffic")
	m.RecordProcessorDuration("sensitive_data", 100*time.Microsecond)
	m.RecordAnalyzerCall("ok")
	m.RecordAnalyzerCall("rate_limited")
	m.RecordAnalyzerTimeout()
}

func TestMetrics_Rules(t *testing.T) {
	m := NewMetrics()
	m.SetRuleCount(100)
	m.RecordRuleReload()
	m.RecordRuleReloadError()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordConnAdmitted()
	m.RecordChunk("client_to_server", 1024)
	m.RecordDecision("allow")
	m.RecordThreatMatch("sql_injection", "high")
	m.SetRuleCount(25)
	m.SetCertCacheSize(5)

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	checks := []string{
		"cfw_connections_admitted_total",
		"cfw_connections_active",
		"cfw_chunks_total",
		"cfw_bytes_total",
		"cfw_decisions_total",
		"cfw_threat_matches_total",
		"cfw_rule_count",
		"cfw_cert_cache_size",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.RecordConnAdmitted()
	b.RecordConnAdmitted()
}
