package cfw

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertRotator wraps a CertManager and adds the ability to swap the
// interception CA at runtime, e.g. when the CA files are replaced on
// disk. In-flight TLS handshakes continue using the old CA; new
// handshakes pick up the rotated CA immediately. A failed rotation
// keeps the current CA.
//
// The replacement manager starts with an empty leaf cache because
// cached leaves chain to the previous CA.
type CertRotator struct {
	// OnRotate is called after a successful rotation with the new CA
	// subject.
	OnRotate func(subject string)

	// OnError is called when a rotation attempt fails.
	OnError func(err error)

	// Logger for rotation events. Defaults to slog.Default().
	Logger *slog.Logger

	certPath string
	keyPath  string

	mu sync.RWMutex
	cm *CertManager
}

// NewCertRotator creates a CertRotator that can reload the CA from disk.
func NewCertRotator(cm *CertManager, certPath, keyPath string) *CertRotator {
	return &CertRotator{
		cm:       cm,
		certPath: certPath,
		keyPath:  keyPath,
	}
}

// CertManager returns the current CertManager. Callers must not hold the
// reference across a rotation boundary; call this each time.
func (cr *CertRotator) CertManager() *CertManager {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cm
}

// Rotate reloads the CA certificate and key from the paths configured at
// creation time. On success the internal CertManager is swapped and the
// new one inherits the old manager's issuance settings.
func (cr *CertRotator) Rotate() (*CertManager, error) {
	newCM, err := NewCertManager(cr.certPath, cr.keyPath)
	if err != nil {
		if cr.OnError != nil {
			cr.OnError(err)
		}
		return nil, fmt.Errorf("rotate CA: %w", err)
	}
	return cr.install(newCM), nil
}

// RotateFromPEM reloads the CA from in-memory PEM bytes.
func (cr *CertRotator) RotateFromPEM(certPEM, keyPEM []byte) (*CertManager, error) {
	newCM, err := NewCertManagerFromPEM(certPEM, keyPEM)
	if err != nil {
		if cr.OnError != nil {
			cr.OnError(err)
		}
		return nil, fmt.Errorf("rotate CA from PEM: %w", err)
	}
	return cr.install(newCM), nil
}

func (cr *CertRotator) install(newCM *CertManager) *CertManager {
	cr.mu.Lock()
	old := cr.cm
	newCM.Organization = old.Organization
	newCM.LeafValidity = old.LeafValidity
	newCM.Metrics = old.Metrics
	cr.cm = newCM
	cr.mu.Unlock()

	if cr.OnRotate != nil {
		cr.OnRotate(newCM.CA().Subject.CommonName)
	}
	return newCM
}

// Issue returns a leaf for host signed by the current CA.
func (cr *CertRotator) Issue(host string) (*tls.Certificate, error) {
	return cr.CertManager().Issue(host)
}

// GetCertificate implements the tls.Config.GetCertificate callback,
// delegating to the current CertManager. Use this instead of
// cm.GetCertificate when rotation is enabled.
func (cr *CertRotator) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cr.CertManager().GetCertificate(hello)
}

// CA returns the current root certificate.
func (cr *CertRotator) CA() *x509.Certificate {
	return cr.CertManager().CA()
}

// CacheLen returns the number of cached leaves under the current CA.
func (cr *CertRotator) CacheLen() int {
	return cr.CertManager().CacheLen()
}

// WatchCAFiles rotates automatically when the CA cert or key file
// changes on disk. Both files are typically replaced together, so
// rotation is debounced until the pair settles. Editors that replace
// files via rename are handled by watching the parent directories.
func (cr *CertRotator) WatchCAFiles(ctx context.Context) (context.CancelFunc, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dirs := map[string]bool{filepath.Dir(cr.certPath): true, filepath.Dir(cr.keyPath): true}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	certTarget := filepath.Clean(cr.certPath)
	keyTarget := filepath.Clean(cr.keyPath)

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Clean(ev.Name)
				if name != certTarget && name != keyTarget {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(500 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cr.logger().Warn("CA file watch error", "error", err)
			case <-pending:
				pending = nil
				cm, err := cr.Rotate()
				if err != nil {
					cr.logger().Warn("CA rotation on file change failed", "error", err)
					continue
				}
				cr.logger().Info("CA rotated on file change",
					"subject", cm.CA().Subject.CommonName,
					"expires", cm.CA().NotAfter)
			}
		}
	}()

	return cancel, nil
}

func (cr *CertRotator) logger() *slog.Logger {
	if cr.Logger != nil {
		return cr.Logger
	}
	return slog.Default()
}
