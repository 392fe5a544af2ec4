package cfw

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

func TestNewACMECertManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ACMEConfig
		wantErr string
	}{
		{
			name: "missing email",
			cfg: ACMEConfig{
				Domains:   []string{"example.com"},
				AcceptTOS: true,
			},
			wantErr: "email is required",
		},
		{
			name: "missing domains",
			cfg: ACMEConfig{
				Email:     "admin@example.com",
				AcceptTOS: true,
			},
			wantErr: "at least one domain is required",
		},
		{
			name: "TOS not accepted",
			cfg: ACMEConfig{
				Email:     "admin@example.com",
				Domains:   []string{"example.com"},
				AcceptTOS: false,
			},
			wantErr: "must accept Terms of Service",
		},
		{
			name: "valid config",
			cfg: ACMEConfig{
				Email:       "admin@example.com",
				Domains:     []string{"example.com"},
				AcceptTOS:   true,
				StoragePath: t.TempDir(),
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acm, err := NewACMECertManager(tt.cfg)
			if tt.wantErr != "" {
				if err == nil {
					t.Errorf("expected error containing %q, got nil", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if acm != nil {
					_ = acm.Close()
				}
			}
		})
	}
}

func TestNewACMECertManager_Defaults(t *testing.T) {
	acm, err := NewACMECertManager(ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	if acm.config.CA != LetsEncryptProduction {
		t.Errorf("CA = %q, want %q", acm.config.CA, LetsEncryptProduction)
	}
	if acm.config.KeyType != "ec256" {
		t.Errorf("KeyType = %q, want ec256", acm.config.KeyType)
	}
	if acm.config.HTTPPort != 80 {
		t.Errorf("HTTPPort = %d, want 80", acm.config.HTTPPort)
	}
	if acm.config.RenewBefore != 30*24*time.Hour {
		t.Errorf("RenewBefore = %v, want %v", acm.config.RenewBefore, 30*24*time.Hour)
	}
}

func TestACMECertManager_StorageDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	storagePath := filepath.Join(tmpDir, "nested", "acme")

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: storagePath,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	// Check directory was created
	info, err := os.Stat(storagePath)
	if err != nil {
		t.Errorf("storage directory not created: %v", err)
	} else if !info.IsDir() {
		t.Error("storage path is not a directory")
	}
}

func TestACMECertManager_KeyType(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		keyType string
		want    certcrypto.KeyType
	}{
		{"ec256", certcrypto.EC256},
		{"ec384", certcrypto.EC384},
		{"rsa2048", certcrypto.RSA2048},
		{"rsa4096", certcrypto.RSA4096},
		{"", certcrypto.EC256},        // default
		{"unknown", certcrypto.EC256}, // fallback to default
	}

	for _, tt := range tests {
		name := tt.keyType
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			cfg := ACMEConfig{
				Email:       "admin@example.com",
				Domains:     []string{"example.com"},
				AcceptTOS:   true,
				StoragePath: filepath.Join(tmpDir, name),
				KeyType:     tt.keyType,
			}

			acm, err := NewACMECertManager(cfg)
			if err != nil {
				t.Fatalf("NewACMECertManager() error = %v", err)
			}
			defer func() { _ = acm.Close() }()

			if got := acm.keyType(); got != tt.want {
				t.Errorf("keyType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestACMECertManager_AccountPath(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	expectedPath := filepath.Join(tmpDir, "account.json")
	if got := acm.accountPath(); got != expectedPath {
		t.Errorf("accountPath() = %q, want %q", got, expectedPath)
	}
}

func TestACMECertManager_CertDir(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	expectedPath := filepath.Join(tmpDir, "certificates", "example.com")
	if got := acm.certDir("example.com"); got != expectedPath {
		t.Errorf("certDir() = %q, want %q", got, expectedPath)
	}
}

func TestACMECertManager_CacheSize(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	if got := acm.CacheSize(); got != 0 {
		t.Errorf("CacheSize() = %d, want 0", got)
	}
}

func TestACMECertManager_GetCertificateForHost_NotConfigured(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	// Request cert for unconfigured domain
	_, err = acm.GetCertificateForHost("other.com")
	if err == nil {
		t.Error("expected error for unconfigured domain")
	}
}

func TestACMECertManager_GetCertificate_NoSNI(t *testing.T) {
	tmpDir := t.TempDir()

	acm, err := NewACMECertManager(ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	})
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}
	defer func() { _ = acm.Close() }()

	_, err = acm.GetCertificate(&tls.ClientHelloInfo{})
	if err == nil {
		t.Error("expected error for missing SNI")
	}
}

func TestACMEAccount_Interface(t *testing.T) {
	account := &acmeAccount{
		Email: "test@example.com",
	}

	if got := account.GetEmail(); got != "test@example.com" {
		t.Errorf("GetEmail() = %q, want %q", got, "test@example.com")
	}
	if got := account.GetRegistration(); got != nil {
		t.Errorf("GetRegistration() = %v, want nil", got)
	}
	if got := account.GetPrivateKey(); got != nil {
		t.Errorf("GetPrivateKey() = %v, want nil", got)
	}
}

func TestACMECertManager_Close(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := ACMEConfig{
		Email:       "admin@example.com",
		Domains:     []string{"example.com"},
		AcceptTOS:   true,
		StoragePath: tmpDir,
	}

	acm, err := NewACMECertManager(cfg)
	if err != nil {
		t.Fatalf("NewACMECertManager() error = %v", err)
	}

	// Close should not error
	if err := acm.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	// Double close should also be safe
	if err := acm.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
