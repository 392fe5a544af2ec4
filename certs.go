package cfw

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultLeafValidity is how long generated leaf certificates stay
	// valid. Kept short so a compromised leaf key ages out quickly.
	DefaultLeafValidity = 90 * 24 * time.Hour

	// DefaultCertCacheSize bounds the leaf cache entry count.
	DefaultCertCacheSize = 1024

	// leafRenewalMargin reissues a cached leaf slightly before expiry so
	// a handshake never starts on a certificate about to lapse.
	leafRenewalMargin = time.Hour
)

// CertManager holds the trusted CA root and issues per-host leaf
// certificates for interception. The root is loaded once at construction
// and never mutated; leaves are cached with LRU eviction.
//
// Concurrent Issue calls for the same uncached host converge on a single
// signing: the first caller generates, later callers block until that
// result is available and share it. Issuance for different hosts proceeds
// independently.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// LeafValidity is the validity window for issued leaves.
	// Zero means DefaultLeafValidity.
	LeafValidity time.Duration

	// Organization appears in leaf subjects. Defaults to "AI-CFW".
	Organization string

	// Metrics, when set, receives cache and issuance observations.
	Metrics *Metrics

	cache *lru.Cache[string, *tls.Certificate]

	mu       sync.Mutex
	inflight map[string]*inflightIssue

	issued atomic.Int64
}

// inflightIssue is the rendezvous for callers waiting on one signing.
// cert and err are written before done is closed.
type inflightIssue struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// NewCertManager creates a CertManager from CA certificate and key files.
// Failure here is fatal to the caller: without a root there is nothing to
// intercept with.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and
// key. The key may be PKCS1 or PKCS8; it must be RSA.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	cache, err := lru.New[string, *tls.Certificate](DefaultCertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cert cache: %w", err)
	}

	return &CertManager{
		caCert:   caCert,
		caKey:    caKey,
		cache:    cache,
		inflight: make(map[string]*inflightIssue),
	}, nil
}

// SetCacheSize replaces the leaf cache with one bounded to n entries.
// Call before serving traffic; cached leaves are dropped.
func (cm *CertManager) SetCacheSize(n int) error {
	if n <= 0 {
		n = DefaultCertCacheSize
	}
	cache, err := lru.New[string, *tls.Certificate](n)
	if err != nil {
		return fmt.Errorf("create cert cache: %w", err)
	}
	cm.cache = cache
	return nil
}

// CA returns the root certificate.
func (cm *CertManager) CA() *x509.Certificate { return cm.caCert }

// CAPEM returns the PEM encoding of the root certificate, for
// distribution to clients that need to trust it.
func (cm *CertManager) CAPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

// GetCertificate returns a leaf for the SNI in hello. Suitable for use as
// tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.Issue(host)
}

// Issue returns a leaf certificate for host, generating and caching one on
// a miss. Expired entries are reissued on access.
func (cm *CertManager) Issue(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return nil, fmt.Errorf("empty hostname")
	}

	if cert, ok := cm.cache.Get(host); ok && leafUsable(cert) {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	cm.mu.Lock()
	// Re-check under the lock: another caller may have finished issuing
	// between our cache miss and here.
	if cert, ok := cm.cache.Get(host); ok && leafUsable(cert) {
		cm.mu.Unlock()
		return cert, nil
	}
	if call, ok := cm.inflight[host]; ok {
		cm.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &inflightIssue{done: make(chan struct{})}
	cm.inflight[host] = call
	cm.mu.Unlock()

	start := time.Now()
	cert, err := cm.generateLeaf(host)

	cm.mu.Lock()
	if err == nil {
		cm.cache.Add(host, cert)
		cm.issued.Add(1)
	}
	delete(cm.inflight, host)
	cm.mu.Unlock()

	call.cert, call.err = cert, err
	close(call.done)

	if err == nil && cm.Metrics != nil {
		cm.Metrics.RecordCertIssuance(time.Since(start))
	}
	return cert, err
}

// leafUsable reports whether a cached leaf is still worth serving.
func leafUsable(cert *tls.Certificate) bool {
	if cert == nil || cert.Leaf == nil {
		return false
	}
	return time.Now().Before(cert.Leaf.NotAfter.Add(-leafRenewalMargin))
}

func (cm *CertManager) generateLeaf(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	validity := cm.LeafValidity
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	org := cm.Organization
	if org == "" {
		org = "AI-CFW"
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	// SANs: IPs get an IP SAN; hostnames also cover their first-level
	// subdomains so one leaf serves host and *.host.
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else if strings.HasPrefix(host, "*.") {
		template.DNSNames = []string{host}
	} else {
		template.DNSNames = []string{host, "*." + host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, nil
}

// Issued returns the total number of leaf signings performed.
func (cm *CertManager) Issued() int64 { return cm.issued.Load() }

// CacheLen returns the number of cached leaves.
func (cm *CertManager) CacheLen() int { return cm.cache.Len() }

// SweepExpired evicts leaves past their renewal margin and returns how
// many were removed.
func (cm *CertManager) SweepExpired() int {
	removed := 0
	for _, host := range cm.cache.Keys() {
		if cert, ok := cm.cache.Peek(host); ok && !leafUsable(cert) {
			cm.cache.Remove(host)
			removed++
		}
	}
	if removed > 0 && cm.Metrics != nil {
		cm.Metrics.RecordCertEvictions(removed)
	}
	return removed
}

// StartSweeper evicts expired leaves every interval until the returned
// cancel function is called.
func (cm *CertManager) StartSweeper(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cm.SweepExpired()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
