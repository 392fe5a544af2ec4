package cfw

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// weakCipherMarkers flag cipher suites considered broken. Matched as
// substrings of the standard suite name.
var weakCipherMarkers = []string{"NULL", "RC4", "DES", "3DES", "MD5"}

// EncryptionReport summarizes the TLS posture of a connection.
type EncryptionReport struct {
	Version     string   `json:"version"`
	VersionWeak bool     `json:"version_weak"`
	WeakCiphers []string `json:"weak_ciphers,omitempty"`
	OnlyWeak    bool     `json:"only_weak,omitempty"`
}

// Weak reports whether the connection should be treated as badly
// encrypted: a legacy protocol version, or no non-weak suite available.
func (r EncryptionReport) Weak() bool {
	return r.VersionWeak || r.OnlyWeak
}

func cipherWeak(id uint16) bool {
	name := tls.CipherSuiteName(id)
	for _, marker := range weakCipherMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func versionWeak(v uint16) bool {
	return v != 0 && v < tls.VersionTLS12
}

// AnalyzeHello grades a ClientHello: the offered protocol version and
// which of the offered suites are weak. A hello offering only weak
// suites is flagged.
func AnalyzeHello(h *HelloInfo) EncryptionReport {
	rep := EncryptionReport{
		Version:     tls.VersionName(h.Version),
		VersionWeak: versionWeak(h.Version),
	}
	strong := 0
	for _, id := range h.CipherSuites {
		if cipherWeak(id) {
			rep.WeakCiphers = append(rep.WeakCiphers, tls.CipherSuiteName(id))
		} else {
			strong++
		}
	}
	rep.OnlyWeak = len(h.CipherSuites) > 0 && strong == 0
	return rep
}

// AnalyzeNegotiated grades an established connection's negotiated
// version and suite.
func AnalyzeNegotiated(version, suite uint16) EncryptionReport {
	rep := EncryptionReport{
		Version:     tls.VersionName(version),
		VersionWeak: versionWeak(version),
	}
	if suite != 0 && cipherWeak(suite) {
		rep.WeakCiphers = []string{tls.CipherSuiteName(suite)}
		rep.OnlyWeak = true
	}
	return rep
}

// EncryptionProcessor blocks connections negotiated with legacy TLS
// versions or weak cipher suites. Each connection is graded once.
type EncryptionProcessor struct {
	Reporter *ThreatReporter
	Metrics  *Metrics

	checked  *lru.Cache[ConnKey, struct{}]
	initOnce sync.Once
}

func (p *EncryptionProcessor) init() {
	p.initOnce.Do(func() {
		p.checked, _ = lru.New[ConnKey, struct{}](4096)
	})
}

func (p *EncryptionProcessor) Name() string { return "encryption" }

func (p *EncryptionProcessor) Evaluate(_ context.Context, chunk *Chunk, _ *Verdict) (Decision, error) {
	if chunk.Meta.TLSVersion == 0 {
		return Decision{}, nil
	}
	p.init()
	if _, seen := p.checked.Get(chunk.Key); seen {
		return Decision{}, nil
	}
	p.checked.Add(chunk.Key, struct{}{})

	rep := AnalyzeNegotiated(chunk.Meta.TLSVersion, chunk.Meta.CipherSuite)
	if !rep.Weak() {
		return Decision{Labels: []string{"tls:" + rep.Version}}, nil
	}

	reason := "legacy tls version: " + rep.Version
	if rep.OnlyWeak {
		reason = "weak cipher suite: " + strings.Join(rep.WeakCiphers, ",")
	}
	if p.Metrics != nil {
		p.Metrics.RecordWeakEncryption(rep.Version)
	}
	if p.Reporter != nil {
		p.Reporter.Report(ThreatRecord{
			Type:       "weak_encryption",
			Risk:       RiskHigh.String(),
			Action:     ActionBlock.String(),
			Source:     chunk.Key.Src(),
			Dest:       chunk.Key.Dst(),
			ServerName: chunk.Meta.ServerName,
			Reason:     reason,
		})
	}
	return Decision{
		Action:     ActionBlock,
		Reason:     reason,
		Risk:       RiskHigh,
		Confidence: 0.8,
		Labels:     []string{"tls:" + rep.Version},
	}, nil
}
