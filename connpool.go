package cfw

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides a pooled HTTP transport for the firewall's
// outbound service calls: the content-analysis service, alert webhooks,
// and any other collaborator reached over HTTP. These calls go to a
// small set of hosts at a steady rate, so keeping connections warm
// avoids paying a TLS handshake per call.
//
// Build once and share the transport across clients:
//
//	pool := cfw.NewTransportPool()
//	analyzer.Client = pool.Client(5 * time.Second)
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means the http.Transport default.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Service calls concentrate on few hosts, so this is the
	// setting that matters.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost caps total connections per host, including
	// dialing and active ones. Bounds pressure on the analysis service.
	// Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	// Zero means the default (90 seconds).
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP connection establishment. Zero means 10
	// seconds.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake. Zero means 10
	// seconds.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after
	// the request is written. Zero means no timeout; per-call deadlines
	// come from the client timeout or context.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 via ALPN.
	EnableHTTP2 bool

	// TLSConfig provides custom TLS settings (e.g. a private CA for an
	// internal analysis service). If nil, defaults are used.
	TLSConfig *tls.Config

	transport atomic.Pointer[http.Transport]

	totalCalls  atomic.Int64
	activeCalls atomic.Int64
}

// NewTransportPool creates a TransportPool tuned for repeated calls to
// a handful of service endpoints.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		EnableHTTP2:           true,
	}
}

// Build creates the underlying http.Transport from the current
// configuration. Safe to call multiple times; each call replaces the
// previous transport and closes its idle connections.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := tp.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}
	hsTimeout := tp.TLSHandshakeTimeout
	if hsTimeout == 0 {
		hsTimeout = 10 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tp.MaxConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   hsTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// Transport returns an http.RoundTripper backed by the pool, with call
// counting. Build is called automatically on first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// Client returns an http.Client on the pooled transport with the given
// per-call timeout.
func (tp *TransportPool) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: tp.Transport(), Timeout: timeout}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of outbound call counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalCalls:  tp.totalCalls.Load(),
		ActiveCalls: tp.activeCalls.Load(),
	}
}

// TransportPoolStats holds a snapshot of outbound call counters.
type TransportPoolStats struct {
	TotalCalls  int64
	ActiveCalls int64
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.totalCalls.Add(1)
	rt.pool.activeCalls.Add(1)
	defer rt.pool.activeCalls.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}
	return t.RoundTrip(req)
}
