package cfw

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func newTestLeaf(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "leaf.example.com", Organization: []string{"Example"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"leaf.example.com", "www.leaf.example.com"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestNewCertInfo(t *testing.T) {
	cert := newTestLeaf(t)
	info := NewCertInfo(cert)

	if info.Subject == "" || info.Issuer == "" {
		t.Errorf("subject/issuer empty: %+v", info)
	}
	if !info.SelfSigned {
		t.Error("self-signed certificate not flagged")
	}
	if info.PublicKeyAlg != "ECDSA" {
		t.Errorf("PublicKeyAlg = %q", info.PublicKeyAlg)
	}
	if info.KeyBits != 256 {
		t.Errorf("KeyBits = %d", info.KeyBits)
	}
	if len(info.DNSNames) != 2 {
		t.Errorf("DNSNames = %v", info.DNSNames)
	}
}

func TestAnalyzeCert(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	valid := CertInfo{
		Issuer:       "CN=Some CA",
		NotBefore:    now.Add(-30 * 24 * time.Hour),
		NotAfter:     now.Add(60 * 24 * time.Hour),
		SignatureAlg: "SHA256-RSA",
		PublicKeyAlg: "RSA",
		KeyBits:      2048,
	}

	tests := []struct {
		name   string
		mutate func(*CertInfo)
		want   []string
	}{
		{"clean", func(*CertInfo) {}, nil},
		{"expired", func(c *CertInfo) { c.NotAfter = now.Add(-time.Hour) }, []string{"expired"}},
		{"not yet valid", func(c *CertInfo) { c.NotBefore = now.Add(time.Hour) }, []string{"not_yet_valid"}},
		{"sha1 signature", func(c *CertInfo) { c.SignatureAlg = "SHA1-RSA" }, []string{"weak_signature"}},
		{"md5 signature", func(c *CertInfo) { c.SignatureAlg = "MD5-RSA" }, []string{"weak_signature"}},
		{"short rsa key", func(c *CertInfo) { c.KeyBits = 1024 }, []string{"weak_key"}},
		{"short ecdsa key", func(c *CertInfo) { c.PublicKeyAlg = "ECDSA"; c.KeyBits = 224 }, []string{"weak_key"}},
		{"ok ecdsa key", func(c *CertInfo) { c.PublicKeyAlg = "ECDSA"; c.KeyBits = 256 }, nil},
		{"self signed", func(c *CertInfo) { c.SelfSigned = true }, []string{"self_signed"}},
		{"expired and weak", func(c *CertInfo) {
			c.NotAfter = now.Add(-time.Hour)
			c.KeyBits = 512
		}, []string{"expired", "weak_key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := valid
			tt.mutate(&info)
			findings := AnalyzeCert(&info, now)

			if len(findings) != len(tt.want) {
				t.Fatalf("findings = %+v, want labels %v", findings, tt.want)
			}
			for i, label := range tt.want {
				if findings[i].Label != label {
					t.Errorf("finding %d = %q, want %q", i, findings[i].Label, label)
				}
				if findings[i].Detail == "" {
					t.Errorf("finding %q missing detail", label)
				}
			}
		})
	}
}

func certChunk(port int, infos ...*CertInfo) *Chunk {
	chunk := testChunk("encrypted payload")
	chunk.Key.SrcPort = port
	chunk.Meta.PeerCertificates = infos
	return chunk
}

func TestCertProcessor(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &CertProcessor{Now: func() time.Time { return now }}

	good := &CertInfo{
		NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour),
		SignatureAlg: "SHA256-RSA", PublicKeyAlg: "RSA", KeyBits: 2048,
	}
	expired := &CertInfo{
		NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(-time.Hour),
		SignatureAlg: "SHA256-RSA", PublicKeyAlg: "RSA", KeyBits: 2048,
	}
	selfSigned := &CertInfo{
		NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour),
		SignatureAlg: "SHA256-RSA", PublicKeyAlg: "RSA", KeyBits: 2048,
		SelfSigned: true, Issuer: "CN=self",
	}

	t.Run("no certificates passes", func(t *testing.T) {
		dec, err := p.Evaluate(context.Background(), testChunk("x"), nil)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if dec.Action != ActionAllow {
			t.Errorf("action = %v", dec.Action)
		}
	})

	t.Run("good leaf passes", func(t *testing.T) {
		dec, err := p.Evaluate(context.Background(), certChunk(1, good), nil)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if dec.Action != ActionAllow || len(dec.Labels) != 0 {
			t.Errorf("decision = %+v", dec)
		}
	})

	t.Run("expired leaf blocked", func(t *testing.T) {
		dec, err := p.Evaluate(context.Background(), certChunk(2, expired), nil)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if dec.Action != ActionBlock {
			t.Fatalf("action = %v, want block", dec.Action)
		}
		if dec.Risk != RiskHigh {
			t.Errorf("risk = %v", dec.Risk)
		}
	})

	t.Run("self-signed recorded but allowed", func(t *testing.T) {
		dec, err := p.Evaluate(context.Background(), certChunk(3, selfSigned), nil)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if dec.Action != ActionAllow {
			t.Errorf("action = %v, want allow", dec.Action)
		}
		if dec.Risk != RiskMedium {
			t.Errorf("risk = %v, want medium", dec.Risk)
		}
		if len(dec.Labels) != 1 || dec.Labels[0] != "cert:self_signed" {
			t.Errorf("labels = %v", dec.Labels)
		}
	})

	t.Run("graded once per connection", func(t *testing.T) {
		chunk := certChunk(4, expired)
		first, _ := p.Evaluate(context.Background(), chunk, nil)
		if first.Action != ActionBlock {
			t.Fatalf("first action = %v", first.Action)
		}
		second, _ := p.Evaluate(context.Background(), chunk, nil)
		if second.Action != ActionAllow {
			t.Errorf("second evaluation re-graded: %v", second.Action)
		}
	})
}

func TestCertProcessor_Reports(t *testing.T) {
	reporter := NewThreatReporter(8, nil, nil)
	defer reporter.Close()

	now := time.Now()
	p := &CertProcessor{Reporter: reporter, Now: func() time.Time { return now }}

	expired := &CertInfo{
		NotBefore: now.Add(-48 * time.Hour), NotAfter: now.Add(-time.Hour),
		SignatureAlg: "SHA256-RSA", PublicKeyAlg: "RSA", KeyBits: 2048,
	}
	chunk := certChunk(9, expired)
	chunk.Meta.ServerName = "expired.example.com"

	if _, err := p.Evaluate(context.Background(), chunk, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	recent := reporter.Recent(1)
	if len(recent) != 1 {
		t.Fatal("no record emitted")
	}
	if recent[0].Type != "certificate" {
		t.Errorf("type = %q", recent[0].Type)
	}
	if recent[0].Action != "block" {
		t.Errorf("action = %q", recent[0].Action)
	}
}
