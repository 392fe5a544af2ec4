package cfw

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CertInfo is the subset of an upstream certificate the firewall grades
// and reports.
type CertInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	DNSNames     []string  `json:"dns_names,omitempty"`
	SignatureAlg string    `json:"signature_alg"`
	PublicKeyAlg string    `json:"public_key_alg"`
	KeyBits      int       `json:"key_bits"`
	SelfSigned   bool      `json:"self_signed"`
}

// NewCertInfo extracts grading fields from a parsed certificate.
func NewCertInfo(cert *x509.Certificate) *CertInfo {
	info := &CertInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		SignatureAlg: cert.SignatureAlgorithm.String(),
		PublicKeyAlg: cert.PublicKeyAlgorithm.String(),
		SelfSigned:   bytes.Equal(cert.RawSubject, cert.RawIssuer),
	}
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyBits = key.N.BitLen()
	case *ecdsa.PublicKey:
		info.KeyBits = key.Curve.Params().BitSize
	case ed25519.PublicKey:
		info.KeyBits = len(key) * 8
	}
	return info
}

var weakSignatureAlgs = []string{"md5", "sha1", "md2", "md4"}

// minKeyBits is the smallest acceptable public key per algorithm family.
var minKeyBits = map[string]int{
	"rsa":   2048,
	"dsa":   2048,
	"ecdsa": 256,
}

// CertFinding is one problem found in an upstream certificate.
type CertFinding struct {
	Label  string `json:"label"`
	Detail string `json:"detail"`
}

// certBlockFindings are the findings that make a certificate
// untrustworthy rather than merely suspicious.
var certBlockFindings = map[string]bool{
	"expired":        true,
	"not_yet_valid":  true,
	"weak_signature": true,
	"weak_key":       true,
}

// AnalyzeCert grades a certificate: validity window, signature algorithm,
// and key strength. Self-signed leaves are reported but left to the
// caller's policy.
func AnalyzeCert(info *CertInfo, now time.Time) []CertFinding {
	var findings []CertFinding

	if now.After(info.NotAfter) {
		findings = append(findings, CertFinding{"expired", "expired " + info.NotAfter.Format(time.RFC3339)})
	} else if now.Before(info.NotBefore) {
		findings = append(findings, CertFinding{"not_yet_valid", "valid from " + info.NotBefore.Format(time.RFC3339)})
	}

	sig := strings.ToLower(info.SignatureAlg)
	for _, weak := range weakSignatureAlgs {
		if strings.Contains(sig, weak) {
			findings = append(findings, CertFinding{"weak_signature", info.SignatureAlg})
			break
		}
	}

	if min, ok := minKeyBits[strings.ToLower(info.PublicKeyAlg)]; ok && info.KeyBits > 0 && info.KeyBits < min {
		findings = append(findings, CertFinding{"weak_key", fmt.Sprintf("%s %d bits", info.PublicKeyAlg, info.KeyBits)})
	}

	if info.SelfSigned {
		findings = append(findings, CertFinding{"self_signed", info.Issuer})
	}
	return findings
}

// CertProcessor grades the upstream leaf certificate once per connection
// and blocks connections to servers presenting expired or weak
// certificates. Self-signed certificates are recorded at medium risk but
// allowed.
type CertProcessor struct {
	Reporter *ThreatReporter
	Metrics  *Metrics

	// Now is overridable for tests.
	Now func() time.Time

	checked  *lru.Cache[ConnKey, struct{}]
	initOnce sync.Once
}

func (p *CertProcessor) init() {
	p.initOnce.Do(func() {
		p.checked, _ = lru.New[ConnKey, struct{}](4096)
		if p.Now == nil {
			p.Now = time.Now
		}
	})
}

func (p *CertProcessor) Name() string { return "certificate" }

func (p *CertProcessor) Evaluate(_ context.Context, chunk *Chunk, _ *Verdict) (Decision, error) {
	if len(chunk.Meta.PeerCertificates) == 0 {
		return Decision{}, nil
	}
	p.init()
	if _, seen := p.checked.Get(chunk.Key); seen {
		return Decision{}, nil
	}
	p.checked.Add(chunk.Key, struct{}{})

	leaf := chunk.Meta.PeerCertificates[0]
	findings := AnalyzeCert(leaf, p.Now())
	if len(findings) == 0 {
		return Decision{}, nil
	}

	block := false
	labels := make([]string, 0, len(findings))
	reason := ""
	for _, f := range findings {
		labels = append(labels, "cert:"+f.Label)
		if certBlockFindings[f.Label] {
			block = true
			if reason == "" {
				reason = "bad certificate: " + f.Label + " (" + f.Detail + ")"
			}
		}
	}

	risk := RiskMedium
	action := ActionAllow
	if block {
		risk, action = RiskHigh, ActionBlock
	}
	if p.Metrics != nil {
		p.Metrics.RecordCertFinding(findings[0].Label)
	}
	if p.Reporter != nil {
		p.Reporter.Report(ThreatRecord{
			Type:       "certificate",
			Risk:       risk.String(),
			Action:     action.String(),
			Source:     chunk.Key.Src(),
			Dest:       chunk.Key.Dst(),
			ServerName: chunk.Meta.ServerName,
			Reason:     strings.Join(labels, ","),
			Labels:     labels,
		})
	}

	if !block {
		return Decision{Risk: risk, Labels: labels}, nil
	}
	return Decision{
		Action:     ActionBlock,
		Reason:     reason,
		Risk:       risk,
		Confidence: 0.8,
		Labels:     labels,
	}, nil
}
