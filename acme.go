package cfw

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// ACME CA directory URLs for use with [ACMEConfig].CA. Use the staging
// directory during development to stay clear of production rate limits.
const (
	LetsEncryptProduction = lego.LEDirectoryProduction
	LetsEncryptStaging    = lego.LEDirectoryStaging
)

// ACMEConfig configures real certificates for the admin endpoint via
// the ACME protocol (RFC 8555). Domain ownership is verified with the
// HTTP-01 challenge on [ACMEConfig.HTTPPort]; the TLS-ALPN challenge is
// not offered because port 443 carries intercepted traffic.
//
// Account data and certificates are persisted under
// [ACMEConfig.StoragePath] with mode 0600/0700.
type ACMEConfig struct {
	// Email registered with the ACME account. The CA sends expiration
	// warnings here. Required.
	Email string `mapstructure:"email"`

	// CA is the ACME directory URL. Defaults to [LetsEncryptProduction].
	CA string `mapstructure:"ca"`

	// KeyType selects the certificate key algorithm: ec256 (default),
	// ec384, rsa2048, rsa4096.
	KeyType string `mapstructure:"key_type"`

	// StoragePath is where account data and certificates are persisted.
	// Defaults to "./acme".
	StoragePath string `mapstructure:"storage_path"`

	// HTTPPort is the listen port for HTTP-01 challenges. Defaults
	// to 80.
	HTTPPort int `mapstructure:"http_port"`

	// RenewBefore is how far in advance of expiration certificates are
	// renewed. Defaults to 30 days.
	RenewBefore time.Duration `mapstructure:"renew_before"`

	// Domains to obtain certificates for. At least one is required.
	Domains []string `mapstructure:"domains"`

	// AcceptTOS must be true to accept the CA's Terms of Service.
	AcceptTOS bool `mapstructure:"accept_tos"`

	// EABKeyID and EABMACKey enable External Account Binding for CAs
	// that require it (e.g. ZeroSSL).
	EABKeyID  string `mapstructure:"eab_key_id"`
	EABMACKey string `mapstructure:"eab_mac_key"`
}

// acmeAccount implements registration.User for lego and serializes to
// <StoragePath>/account.json.
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	KeyPEM       []byte                 `json:"key_pem"`

	key crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.Email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// ACMECertManager obtains and renews certificates from an ACME CA for
// the admin endpoint. It exposes the [tls.Config.GetCertificate]
// surface, so it plugs directly into the admin server's TLS config.
//
// Lifecycle: [NewACMECertManager], [ACMECertManager.Initialize] (account
// registration, challenge solver, stored certs), then
// [ACMECertManager.ObtainCertificates] and optionally
// [ACMECertManager.StartAutoRenewal]. [ACMECertManager.Close] stops the
// renewal goroutine.
type ACMECertManager struct {
	config ACMEConfig
	logger *slog.Logger

	account *acmeAccount
	client  *lego.Client

	mu    sync.RWMutex
	certs map[string]*tls.Certificate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnCertObtained is called after a certificate is obtained.
	OnCertObtained func(domain string)

	// OnCertRenewed is called after a certificate is renewed.
	OnCertRenewed func(domain string)

	// OnError is called when obtaining or renewing fails.
	OnError func(domain string, err error)
}

// NewACMECertManager validates cfg, applies defaults, and creates the
// storage directory. It does not contact the CA; call Initialize next.
func NewACMECertManager(cfg ACMEConfig) (*ACMECertManager, error) {
	if cfg.Email == "" {
		return nil, errors.New("acme: email is required")
	}
	if len(cfg.Domains) == 0 {
		return nil, errors.New("acme: at least one domain is required")
	}
	if !cfg.AcceptTOS {
		return nil, errors.New("acme: must accept Terms of Service (set accept_tos: true)")
	}

	if cfg.CA == "" {
		cfg.CA = LetsEncryptProduction
	}
	if cfg.KeyType == "" {
		cfg.KeyType = "ec256"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./acme"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 80
	}
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}

	if err := os.MkdirAll(cfg.StoragePath, 0700); err != nil {
		return nil, fmt.Errorf("acme: create storage directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ACMECertManager{
		config: cfg,
		logger: slog.Default(),
		certs:  make(map[string]*tls.Certificate),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetLogger replaces the default logger. Call before Initialize.
func (acm *ACMECertManager) SetLogger(logger *slog.Logger) {
	acm.logger = logger
}

// Initialize creates the lego client with the HTTP-01 solver, loads or
// registers the ACME account, and loads previously stored certificates
// into the cache.
func (acm *ACMECertManager) Initialize(ctx context.Context) error {
	account, err := acm.loadAccount()
	if err != nil {
		return fmt.Errorf("acme: load account: %w", err)
	}
	acm.account = account

	legoCfg := lego.NewConfig(account)
	legoCfg.CADirURL = acm.config.CA
	legoCfg.Certificate.KeyType = acm.keyType()

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return fmt.Errorf("acme: create client: %w", err)
	}
	acm.client = client

	if err := client.Challenge.SetHTTP01Provider(
		http01.NewProviderServer("", fmt.Sprintf("%d", acm.config.HTTPPort))); err != nil {
		return fmt.Errorf("acme: set HTTP-01 provider: %w", err)
	}

	if account.Registration == nil {
		if err := acm.register(account); err != nil {
			return err
		}
	}

	if err := acm.loadStoredCerts(); err != nil {
		acm.logger.Warn("failed to load stored certificates", "error", err)
	}
	return nil
}

func (acm *ACMECertManager) register(account *acmeAccount) error {
	acm.logger.Info("registering ACME account", "email", account.Email, "ca", acm.config.CA)

	var reg *registration.Resource
	var err error
	if acm.config.EABKeyID != "" && acm.config.EABMACKey != "" {
		reg, err = acm.client.Registration.RegisterWithExternalAccountBinding(registration.RegisterEABOptions{
			TermsOfServiceAgreed: true,
			Kid:                  acm.config.EABKeyID,
			HmacEncoded:          acm.config.EABMACKey,
		})
	} else {
		reg, err = acm.client.Registration.Register(registration.RegisterOptions{
			TermsOfServiceAgreed: true,
		})
	}
	if err != nil {
		return fmt.Errorf("acme: register account: %w", err)
	}

	account.Registration = reg
	if err := acm.saveAccount(account); err != nil {
		return fmt.Errorf("acme: save account: %w", err)
	}
	acm.logger.Info("ACME account registered", "email", account.Email)
	return nil
}

// ObtainCertificates obtains a certificate for every configured domain,
// skipping domains whose cached certificate is not near expiration.
// Returns the first error encountered.
func (acm *ACMECertManager) ObtainCertificates(ctx context.Context) error {
	for _, domain := range acm.config.Domains {
		if err := acm.obtain(domain); err != nil {
			if acm.OnError != nil {
				acm.OnError(domain, err)
			}
			return fmt.Errorf("acme: obtain certificate for %s: %w", domain, err)
		}
	}
	return nil
}

func (acm *ACMECertManager) obtain(domain string) error {
	acm.mu.RLock()
	cert := acm.certs[domain]
	acm.mu.RUnlock()

	if cert != nil {
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil && time.Until(x509Cert.NotAfter) > acm.config.RenewBefore {
			acm.logger.Debug("certificate still valid", "domain", domain, "expires", x509Cert.NotAfter)
			return nil
		}
	}

	acm.logger.Info("obtaining certificate", "domain", domain)

	res, err := acm.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("obtain: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}

	acm.mu.Lock()
	acm.certs[domain] = &tlsCert
	acm.mu.Unlock()

	if err := acm.storeCert(domain, res); err != nil {
		acm.logger.Warn("failed to store certificate", "domain", domain, "error", err)
	}
	if acm.OnCertObtained != nil {
		acm.OnCertObtained(domain)
	}

	acm.logger.Info("certificate obtained", "domain", domain)
	return nil
}

// GetCertificate returns a certificate for the SNI host in hello. It is
// intended for use as [tls.Config].GetCertificate.
func (acm *ACMECertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, errors.New("acme: no SNI provided")
	}
	return acm.GetCertificateForHost(hello.ServerName)
}

// GetCertificateForHost returns the cached certificate for host,
// attempting an on-demand obtain when the host is configured but not
// yet cached.
func (acm *ACMECertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	acm.mu.RLock()
	cert := acm.certs[host]
	acm.mu.RUnlock()
	if cert != nil {
		return cert, nil
	}

	for _, domain := range acm.config.Domains {
		if domain != host {
			continue
		}
		if err := acm.obtain(host); err != nil {
			return nil, fmt.Errorf("acme: obtain certificate: %w", err)
		}
		acm.mu.RLock()
		cert = acm.certs[host]
		acm.mu.RUnlock()
		if cert != nil {
			return cert, nil
		}
	}

	return nil, fmt.Errorf("acme: no certificate for host %s", host)
}

// StartAutoRenewal spawns a goroutine that renews certificates entering
// the RenewBefore window, checking at the given interval (default 12h).
// Stopped by Close.
func (acm *ACMECertManager) StartAutoRenewal(checkInterval time.Duration) {
	if checkInterval == 0 {
		checkInterval = 12 * time.Hour
	}

	acm.wg.Add(1)
	go func() {
		defer acm.wg.Done()
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-acm.ctx.Done():
				return
			case <-ticker.C:
				acm.renewExpiring()
			}
		}
	}()

	acm.logger.Info("started certificate auto-renewal", "interval", checkInterval)
}

func (acm *ACMECertManager) renewExpiring() {
	acm.mu.RLock()
	domains := make([]string, 0, len(acm.certs))
	for domain := range acm.certs {
		domains = append(domains, domain)
	}
	acm.mu.RUnlock()

	for _, domain := range domains {
		acm.mu.RLock()
		cert := acm.certs[domain]
		acm.mu.RUnlock()
		if cert == nil {
			continue
		}

		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			acm.logger.Warn("failed to parse certificate for renewal check", "domain", domain, "error", err)
			continue
		}
		if time.Until(x509Cert.NotAfter) > acm.config.RenewBefore {
			continue
		}

		acm.logger.Info("renewing certificate", "domain", domain, "expires", x509Cert.NotAfter)
		if err := acm.obtain(domain); err != nil {
			acm.logger.Error("failed to renew certificate", "domain", domain, "error", err)
			if acm.OnError != nil {
				acm.OnError(domain, err)
			}
		} else if acm.OnCertRenewed != nil {
			acm.OnCertRenewed(domain)
		}
	}
}

// Close stops the renewal goroutine and waits for it to exit. Safe to
// call multiple times.
func (acm *ACMECertManager) Close() error {
	acm.cancel()
	acm.wg.Wait()
	return nil
}

// CacheSize returns the number of cached certificates.
func (acm *ACMECertManager) CacheSize() int {
	acm.mu.RLock()
	defer acm.mu.RUnlock()
	return len(acm.certs)
}

func (acm *ACMECertManager) keyType() certcrypto.KeyType {
	switch acm.config.KeyType {
	case "ec384":
		return certcrypto.EC384
	case "rsa2048":
		return certcrypto.RSA2048
	case "rsa4096":
		return certcrypto.RSA4096
	default:
		return certcrypto.EC256
	}
}

func (acm *ACMECertManager) accountPath() string {
	return filepath.Join(acm.config.StoragePath, "account.json")
}

func (acm *ACMECertManager) certDir(domain string) string {
	return filepath.Join(acm.config.StoragePath, "certificates", domain)
}

// loadAccount reads the persisted account, or creates a fresh one with
// a new P-256 key when none exists.
func (acm *ACMECertManager) loadAccount() (*acmeAccount, error) {
	data, err := os.ReadFile(acm.accountPath())
	if err == nil {
		var account acmeAccount
		if err := json.Unmarshal(data, &account); err != nil {
			return nil, fmt.Errorf("parse account data: %w", err)
		}
		block, _ := pem.Decode(account.KeyPEM)
		if block == nil {
			return nil, errors.New("account key PEM is empty")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			pkcs8Key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err2 != nil {
				return nil, fmt.Errorf("parse account key: %w (also tried PKCS8: %v)", err, err2)
			}
			account.key = pkcs8Key
		} else {
			account.key = key
		}
		return &account, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	acm.logger.Info("creating new ACME account key")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	return &acmeAccount{
		Email:  acm.config.Email,
		KeyPEM: pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}),
		key:    privateKey,
	}, nil
}

func (acm *ACMECertManager) saveAccount(account *acmeAccount) error {
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := os.WriteFile(acm.accountPath(), data, 0600); err != nil {
		return fmt.Errorf("write account file: %w", err)
	}
	return nil
}

func (acm *ACMECertManager) loadStoredCerts() error {
	certsDir := filepath.Join(acm.config.StoragePath, "certificates")
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domain := entry.Name()

		certPEM, err := os.ReadFile(filepath.Join(certsDir, domain, "certificate.pem"))
		if err != nil {
			acm.logger.Warn("failed to read certificate", "domain", domain, "error", err)
			continue
		}
		keyPEM, err := os.ReadFile(filepath.Join(certsDir, domain, "private_key.pem"))
		if err != nil {
			acm.logger.Warn("failed to read private key", "domain", domain, "error", err)
			continue
		}

		tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			acm.logger.Warn("failed to parse certificate", "domain", domain, "error", err)
			continue
		}
		x509Cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil || time.Now().After(x509Cert.NotAfter) {
			acm.logger.Warn("stored certificate unusable", "domain", domain)
			continue
		}

		acm.mu.Lock()
		acm.certs[domain] = &tlsCert
		acm.mu.Unlock()

		acm.logger.Debug("loaded certificate", "domain", domain, "expires", x509Cert.NotAfter)
	}

	return nil
}

func (acm *ACMECertManager) storeCert(domain string, cert *certificate.Resource) error {
	dir := acm.certDir(domain)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "certificate.pem"), cert.Certificate, 0600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "private_key.pem"), cert.PrivateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if cert.IssuerCertificate != nil {
		if err := os.WriteFile(filepath.Join(dir, "issuer.pem"), cert.IssuerCertificate, 0600); err != nil {
			return fmt.Errorf("write issuer certificate: %w", err)
		}
	}

	meta := map[string]any{
		"domain":     cert.Domain,
		"stable_url": cert.CertStableURL,
		"obtained":   time.Now().Format(time.RFC3339),
	}
	metaData, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaData, 0600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	return nil
}
