package cfw

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultChunkSize is the relay's read buffer size: the largest
	// chunk a single read can produce.
	DefaultChunkSize = 32 << 10

	// DefaultDialTimeout bounds the upstream TCP connect.
	DefaultDialTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds a TLS handshake on either leg.
	DefaultHandshakeTimeout = 30 * time.Second
)

// InterceptAction is the per-destination front-end decision.
type InterceptAction int

const (
	// InterceptMITM terminates TLS on both legs and inspects plaintext.
	InterceptMITM InterceptAction = iota

	// InterceptPassthrough splices bytes without decryption. The
	// connection is still tracked and counted.
	InterceptPassthrough

	// InterceptReject refuses the connection outright.
	InterceptReject
)

func (a InterceptAction) String() string {
	switch a {
	case InterceptMITM:
		return "mitm"
	case InterceptPassthrough:
		return "passthrough"
	case InterceptReject:
		return "reject"
	}
	return "unknown"
}

// domainSet is an exact-match set plus "*."-style wildcard suffixes.
type domainSet struct {
	exact    map[string]bool
	patterns []string
}

func newDomainSet() *domainSet {
	return &domainSet{exact: make(map[string]bool)}
}

func (s *domainSet) add(domain string) {
	domain = strings.ToLower(domain)
	if strings.HasPrefix(domain, "*.") {
		s.patterns = append(s.patterns, domain[2:])
		return
	}
	s.exact[domain] = true
}

func (s *domainSet) match(host string) bool {
	if s.exact[host] {
		return true
	}
	for _, pattern := range s.patterns {
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

// InterceptList decides per destination whether to intercept, pass
// through, or reject. Reject wins over bypass, bypass over intercept;
// unlisted hosts get the default action.
type InterceptList struct {
	mu        sync.RWMutex
	def       InterceptAction
	intercept *domainSet
	bypass    *domainSet
	reject    *domainSet
}

// NewInterceptList creates a list whose unlisted hosts get def.
func NewInterceptList(def InterceptAction) *InterceptList {
	return &InterceptList{
		def:       def,
		intercept: newDomainSet(),
		bypass:    newDomainSet(),
		reject:    newDomainSet(),
	}
}

// AddIntercept marks domains for TLS interception. Supports wildcards:
// "*.example.com" matches all subdomains.
func (l *InterceptList) AddIntercept(domains ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range domains {
		l.intercept.add(d)
	}
}

// AddBypass marks domains to relay without decryption (pinned apps,
// banking).
func (l *InterceptList) AddBypass(domains ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range domains {
		l.bypass.add(d)
	}
}

// AddReject marks domains to refuse outright.
func (l *InterceptList) AddReject(domains ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range domains {
		l.reject.add(d)
	}
}

// Decide returns the action for a destination host.
func (l *InterceptList) Decide(host string) InterceptAction {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch {
	case l.reject.match(host):
		return InterceptReject
	case l.bypass.match(host):
		return InterceptPassthrough
	case l.intercept.match(host):
		return InterceptMITM
	}
	return l.def
}

// bufferedConn glues the entry sniffer's buffered reader back onto the
// raw connection so no peeked bytes are lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// closeWriter is the half-close capability of TCP and TLS conns.
type closeWriter interface {
	CloseWrite() error
}

// Firewall is the traffic front-end: it accepts client connections,
// decides per destination whether to intercept, runs the TLS legs, and
// pumps chunks through the tracker's processing pipeline.
type Firewall struct {
	// Addr is the address to listen on (e.g. ":9090").
	Addr string

	// Mode selects enforcement (direct) or observation (mirror).
	Mode TrafficMode

	// CertManager issues impersonation leaves for intercepted hosts.
	CertManager *CertManager

	// Rotator, when set, takes over leaf issuance so the CA can be
	// swapped at runtime.
	Rotator *CertRotator

	// Tracker owns connection admission and the worker pool.
	Tracker *Tracker

	// Classifier produces verdicts for each scan window.
	Classifier *Classifier

	// Pipeline evaluates processors over each chunk.
	Pipeline *Pipeline

	// Intercepts decides MITM vs passthrough vs reject per host.
	Intercepts *InterceptList

	// Reporter receives threat records (optional).
	Reporter *ThreatReporter

	// BlockPage renders the response served on blocked HTTP traffic
	// (optional, uses default if nil).
	BlockPage *BlockPage

	// FlowLog writes one structured entry per closed connection
	// (optional).
	FlowLog *FlowLogger

	// RateLimiter throttles new connections per client (optional).
	RateLimiter *RateLimiter

	// Upstream relays server legs through a parent proxy (optional).
	Upstream *UpstreamProxy

	// Logger for firewall events.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// RootCAs verifies upstream certificates. Nil uses the system pool.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables upstream certificate verification.
	// The certificate analyzer still sees and grades the chain.
	InsecureSkipVerify bool

	// ChunkSize bounds one read from either leg. Zero means
	// DefaultChunkSize.
	ChunkSize int

	// Lookback bounds the per-direction reassembly window. Zero means
	// DefaultLookback.
	Lookback int

	// DialTimeout bounds upstream connects. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration

	// HandshakeTimeout bounds TLS handshakes on both legs. A timed-out
	// handshake tears the connection down; it is never retried. Zero
	// means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	started  time.Time
}

// NewFirewall creates a firewall front-end with the given cert manager.
func NewFirewall(addr string, cm *CertManager) *Firewall {
	return &Firewall{
		Addr:        addr,
		Mode:        ModeDirect,
		CertManager: cm,
		Intercepts:  NewInterceptList(InterceptMITM),
		Logger:      slog.Default(),
	}
}

func (fw *Firewall) chunkSize() int {
	if fw.ChunkSize > 0 {
		return fw.ChunkSize
	}
	return DefaultChunkSize
}

func (fw *Firewall) lookback() int {
	if fw.Lookback > 0 {
		return fw.Lookback
	}
	return DefaultLookback
}

func (fw *Firewall) dialTimeout() time.Duration {
	if fw.DialTimeout > 0 {
		return fw.DialTimeout
	}
	return DefaultDialTimeout
}

func (fw *Firewall) handshakeTimeout() time.Duration {
	if fw.HandshakeTimeout > 0 {
		return fw.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// Uptime reports how long the firewall has been serving.
func (fw *Firewall) Uptime() time.Duration {
	if fw.started.IsZero() {
		return 0
	}
	return time.Since(fw.started)
}

// ListenAndServe starts the tracker (when not already running) and the
// accept loop. Blocks until Shutdown.
func (fw *Firewall) ListenAndServe() error {
	listener, err := net.Listen("tcp", fw.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return fw.Serve(listener)
}

// Serve runs the accept loop on an existing listener. Like
// http.Server.Serve it takes ownership: the listener is closed when
// Serve returns. Blocks until Shutdown.
func (fw *Firewall) Serve(listener net.Listener) error {
	defer func() { _ = listener.Close() }()

	if fw.Tracker == nil {
		return errors.New("firewall: Tracker not set")
	}
	if fw.Tracker.Process == nil {
		fw.Tracker.Process = fw.evaluateChunk
	}
	if !fw.Tracker.started.Load() {
		if err := fw.Tracker.Start(); err != nil {
			return err
		}
	}

	fw.listener = listener
	fw.done = make(chan struct{})
	fw.started = time.Now()

	fw.Logger.Info("firewall listening", "addr", listener.Addr().String(), "mode", string(fw.Mode))
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-fw.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()
			fw.handleConn(raw)
		}()
	}
}

// Shutdown stops accepting, waits for in-flight connections up to ctx,
// then tears down the tracker.
func (fw *Firewall) Shutdown(ctx context.Context) error {
	fw.once.Do(func() {
		if fw.done != nil {
			close(fw.done)
		}
	})
	if fw.listener != nil {
		_ = fw.listener.Close()
	}

	finished := make(chan struct{})
	go func() {
		fw.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if fw.Tracker != nil {
		fw.Tracker.Close()
	}
	return nil
}

// handleConn sniffs the entry protocol and dispatches. Three entries are
// recognized: raw TLS (transparent redirect), HTTP CONNECT (explicit
// proxy), and plain HTTP.
func (fw *Firewall) handleConn(raw net.Conn) {
	defer func() { _ = raw.Close() }()

	if fw.RateLimiter != nil && !fw.RateLimiter.Allow(raw.RemoteAddr().String()) {
		fw.Logger.Debug("rate limited", "client", raw.RemoteAddr().String())
		return
	}

	br := bufio.NewReaderSize(raw, maxClientHello)
	first, err := br.Peek(1)
	if err != nil {
		return
	}

	switch {
	case first[0] == recordTypeHandshake:
		// Transparent TLS: destination comes from the original
		// socket address, host from SNI.
		host, port := fw.transparentDst(raw)
		fw.serveTLS(raw, br, host, port)

	case first[0] >= 'A' && first[0] <= 'Z':
		fw.serveHTTPEntry(raw, br)

	default:
		fw.Logger.Debug("unrecognized entry", "client", raw.RemoteAddr().String())
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("unknown")
		}
	}
}

// transparentDst extracts the original destination for transparently
// redirected flows: the socket's local address.
func (fw *Firewall) transparentDst(raw net.Conn) (string, int) {
	host, portStr, err := net.SplitHostPort(raw.LocalAddr().String())
	if err != nil {
		return "", 443
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// serveHTTPEntry handles explicit-proxy entries: CONNECT tunnels and
// absolute-form plain HTTP.
func (fw *Firewall) serveHTTPEntry(raw net.Conn, br *bufio.Reader) {
	line, err := peekLine(br)
	if err != nil {
		return
	}

	if strings.HasPrefix(line, http.MethodConnect+" ") {
		fw.serveConnect(raw, br)
		return
	}

	// Plain HTTP: target from the absolute-form request URI, falling
	// back to the Host header for transparent flows.
	host, port := httpTarget(br, line)
	if host == "" {
		fw.Logger.Debug("plain http entry without target", "client", raw.RemoteAddr().String())
		return
	}
	fw.servePlain(raw, br, host, port)
}

// serveConnect consumes the CONNECT request and hands the tunnel to the
// TLS or plain entry, depending on the first tunneled byte.
func (fw *Firewall) serveConnect(raw net.Conn, br *bufio.Reader) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	host, port := splitHostPort(req.Host, 443)
	fw.Logger.Debug("CONNECT", "host", host, "port", port)

	if fw.Intercepts != nil && fw.Intercepts.Decide(host) == InterceptReject {
		fw.Logger.Info("connection rejected", "host", host, "client", raw.RemoteAddr().String())
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("rejected")
		}
		_, _ = raw.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		return
	}

	if _, err := raw.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	first, err := br.Peek(1)
	if err != nil {
		return
	}
	if first[0] == recordTypeHandshake {
		fw.serveTLS(raw, br, host, port)
		return
	}
	fw.servePlain(raw, br, host, port)
}

// serveTLS runs the intercept decision and either splices the encrypted
// stream or performs the dual-leg MITM.
func (fw *Firewall) serveTLS(raw net.Conn, br *bufio.Reader, dstHost string, dstPort int) {
	hello, err := PeekClientHello(br)
	if err != nil {
		fw.Logger.Debug("client hello", "error", err, "client", raw.RemoteAddr().String())
		return
	}
	host := hello.ServerName
	if host == "" {
		host = dstHost
	}
	if host == "" {
		fw.Logger.Debug("no SNI and no destination", "client", raw.RemoteAddr().String())
		return
	}

	action := InterceptMITM
	if fw.Intercepts != nil {
		action = fw.Intercepts.Decide(host)
	}
	switch action {
	case InterceptReject:
		fw.Logger.Info("connection rejected", "host", host, "client", raw.RemoteAddr().String())
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("rejected")
		}
		return
	case InterceptPassthrough:
		fw.splice(raw, br, host, dstPort)
		return
	}

	key := KeyFromAddrs(raw.RemoteAddr(), host, dstPort)
	conn, err := fw.Tracker.Admit(key, fw.Mode)
	if err != nil {
		fw.Logger.Warn("admission refused", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("admission_refused")
		}
		return
	}
	conn.setServerName(host)
	conn.setState(StateHandshaking)

	if fw.Metrics != nil {
		fw.Metrics.RecordIntercept("mitm")
	}
	fw.mitm(conn, raw, br, host, dstPort)
}

// mitm terminates TLS on the client leg with an impersonation leaf,
// opens the server leg, and relays decrypted chunks through the
// pipeline.
func (fw *Firewall) mitm(conn *Conn, raw net.Conn, br *bufio.Reader, host string, port int) {
	issue := fw.CertManager.Issue
	if fw.Rotator != nil {
		issue = fw.Rotator.Issue
	}
	clientTLS := tls.Server(&bufferedConn{Conn: raw, r: br}, &tls.Config{
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := chi.ServerName
			if h == "" {
				h = host
			}
			return issue(h)
		},
	})
	defer func() { _ = clientTLS.Close() }()

	hsCtx, cancel := context.WithTimeout(context.Background(), fw.handshakeTimeout())
	defer cancel()
	if err := clientTLS.HandshakeContext(hsCtx); err != nil {
		fw.Logger.Error("client handshake", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordHandshakeError("client")
		}
		fw.Tracker.Release(conn, "client handshake failed")
		return
	}

	serverTLS, state, err := fw.dialServer(hsCtx, host, port, raw.RemoteAddr())
	if err != nil {
		fw.Logger.Error("server leg", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordUpstreamError(host)
		}
		fw.Tracker.Release(conn, "upstream failed")
		return
	}
	defer func() { _ = serverTLS.Close() }()

	meta := ChunkMeta{
		ServerName:  host,
		TLSVersion:  state.Version,
		CipherSuite: state.CipherSuite,
		Mirrored:    fw.Mode == ModeMirror,
	}
	for _, cert := range state.PeerCertificates {
		meta.PeerCertificates = append(meta.PeerCertificates, NewCertInfo(cert))
	}

	conn.setState(StateEstablished)
	fw.relay(conn, clientTLS, serverTLS, meta)
}

// dialUpstream opens the raw server leg, through the parent proxy when
// one is configured.
func (fw *Firewall) dialUpstream(ctx context.Context, addr string, clientAddr net.Addr) (net.Conn, error) {
	if fw.Upstream != nil {
		return fw.Upstream.Dial(ctx, "tcp", addr, clientAddr)
	}
	d := &net.Dialer{Timeout: fw.dialTimeout()}
	return d.DialContext(ctx, "tcp", addr)
}

// dialServer opens and handshakes the upstream TLS leg. ctx bounds the
// handshake; the TCP connect gets the tighter dial timeout.
func (fw *Firewall) dialServer(ctx context.Context, host string, port int, clientAddr net.Addr) (*tls.Conn, tls.ConnectionState, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, fw.dialTimeout())
	rawConn, err := fw.dialUpstream(dialCtx, addr, clientAddr)
	cancel()
	if err != nil {
		return nil, tls.ConnectionState{}, fmt.Errorf("dial %s: %w", addr, err)
	}

	serverTLS := tls.Client(rawConn, &tls.Config{
		ServerName:         host,
		RootCAs:            fw.RootCAs,
		InsecureSkipVerify: fw.InsecureSkipVerify,
	})
	if err := serverTLS.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		if fw.Metrics != nil {
			fw.Metrics.RecordHandshakeError("server")
		}
		return nil, tls.ConnectionState{}, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return serverTLS, serverTLS.ConnectionState(), nil
}

// servePlain relays an unencrypted flow with inspection.
func (fw *Firewall) servePlain(raw net.Conn, br *bufio.Reader, host string, port int) {
	if fw.Intercepts != nil && fw.Intercepts.Decide(host) == InterceptReject {
		fw.Logger.Info("connection rejected", "host", host, "client", raw.RemoteAddr().String())
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("rejected")
		}
		return
	}

	key := KeyFromAddrs(raw.RemoteAddr(), host, port)
	conn, err := fw.Tracker.Admit(key, fw.Mode)
	if err != nil {
		fw.Logger.Warn("admission refused", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("admission_refused")
		}
		return
	}
	conn.setServerName(host)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialCtx, cancel := context.WithTimeout(context.Background(), fw.dialTimeout())
	defer cancel()

	server, err := fw.dialUpstream(dialCtx, addr, raw.RemoteAddr())
	if err != nil {
		fw.Logger.Error("upstream dial", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordUpstreamError(host)
		}
		fw.Tracker.Release(conn, "upstream failed")
		return
	}
	defer func() { _ = server.Close() }()

	if fw.Metrics != nil {
		fw.Metrics.RecordIntercept("plain")
	}
	conn.setState(StateEstablished)
	fw.relay(conn, &bufferedConn{Conn: raw, r: br}, server, ChunkMeta{
		ServerName: host,
		Mirrored:   fw.Mode == ModeMirror,
	})
}

// splice relays an encrypted flow without decryption. Tracked and
// counted, never inspected.
func (fw *Firewall) splice(raw net.Conn, br *bufio.Reader, host string, port int) {
	key := KeyFromAddrs(raw.RemoteAddr(), host, port)
	conn, err := fw.Tracker.Admit(key, fw.Mode)
	if err != nil {
		fw.Logger.Warn("admission refused", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordIntercept("admission_refused")
		}
		return
	}
	conn.setServerName(host)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialCtx, cancel := context.WithTimeout(context.Background(), fw.dialTimeout())
	defer cancel()

	server, err := fw.dialUpstream(dialCtx, addr, raw.RemoteAddr())
	if err != nil {
		fw.Logger.Error("upstream dial", "host", host, "error", err)
		if fw.Metrics != nil {
			fw.Metrics.RecordUpstreamError(host)
		}
		fw.Tracker.Release(conn, "upstream failed")
		return
	}
	defer func() { _ = server.Close() }()

	if fw.Metrics != nil {
		fw.Metrics.RecordIntercept("passthrough")
	}
	conn.setState(StateEstablished)

	client := &bufferedConn{Conn: raw, r: br}
	done := make(chan struct{}, 2)
	copyCount := func(dst, src net.Conn, dir Direction) {
		n, _ := io.Copy(dst, src)
		conn.addBytes(dir, int(n))
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyCount(server, client, ClientToServer)
	go copyCount(client, server, ServerToClient)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-conn.Done():
			_ = client.Close()
			_ = server.Close()
		}
	}
	fw.finish(conn, "eof")
}

// relay pumps both directions of an established flow through the
// pipeline, enforcing decisions in direct mode.
func (fw *Firewall) relay(conn *Conn, client, server net.Conn, meta ChunkMeta) {
	// Unblock leg reads when the sweeper or a block tears the
	// connection down.
	go func() {
		<-conn.Done()
		_ = client.Close()
		_ = server.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fw.pump(conn, client, server, ClientToServer, meta)
	}()
	go func() {
		defer wg.Done()
		fw.pump(conn, server, client, ServerToClient, meta)
	}()
	wg.Wait()

	fw.finish(conn, "eof")
}

// pump is one direction's read-classify-forward loop.
func (fw *Firewall) pump(conn *Conn, src, dst net.Conn, dir Direction, meta ChunkMeta) {
	buf := make([]byte, fw.chunkSize())
	mirror := fw.Mode == ModeMirror

	for {
		if conn.Blocked() {
			return
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			chunk := conn.NewChunk(dir, data, meta)
			if err := fw.Tracker.Submit(context.Background(), conn, chunk); err != nil {
				return
			}

			if mirror {
				// Mirror mode forwards immediately; the decision is
				// recorded asynchronously and never enforced.
				if _, err := dst.Write(data); err != nil {
					return
				}
				conn.addBytes(dir, n)
			} else {
				select {
				case dec := <-chunk.Result():
					if dec.Action == ActionBlock {
						fw.serveBlocked(conn, clientLeg(dir, src, dst), chunk, dec)
						fw.finish(conn, "blocked")
						return
					}
					if _, err := dst.Write(chunk.Data); err != nil {
						return
					}
					conn.addBytes(dir, len(chunk.Data))
				case <-conn.Done():
					return
				}
			}
		}
		if readErr != nil {
			if cw, ok := dst.(closeWriter); ok && errors.Is(readErr, io.EOF) {
				_ = cw.CloseWrite()
			}
			return
		}
	}
}

// clientLeg picks the client side out of a direction's src/dst pair.
func clientLeg(dir Direction, src, dst net.Conn) net.Conn {
	if dir == ClientToServer {
		return src
	}
	return dst
}

// serveBlocked serves the block response on the client leg. HTTP flows
// get the block page; anything else is just cut.
func (fw *Firewall) serveBlocked(conn *Conn, clientLeg net.Conn, chunk *Chunk, dec Decision) {
	fw.Logger.Info("connection blocked",
		"conn", conn.Key.String(),
		"server_name", conn.ServerName(),
		"reason", dec.Reason,
		"risk", dec.Risk.String())

	if chunk.Meta.Protocol != "http" {
		return
	}
	page := fw.BlockPage
	if page == nil {
		page = NewBlockPage()
	}
	_, _ = clientLeg.Write(page.HTTPResponse(BlockPageData{
		Host:   conn.ServerName(),
		Reason: dec.Reason,
		Risk:   dec.Risk.String(),
	}))
}

// finish releases the connection and writes the flow log entry once.
func (fw *Firewall) finish(conn *Conn, reason string) {
	var already bool
	select {
	case <-conn.Done():
		already = true
	default:
		conn.setState(StateClosing)
	}
	fw.Tracker.Release(conn, reason)
	if fw.FlowLog != nil && !already {
		fw.FlowLog.Log(FlowEntryFromConn(conn))
	}
}

// evaluateChunk is the tracker's ProcessFunc: classify the scan window,
// run the pipeline, retain the look-back tail.
func (fw *Firewall) evaluateChunk(ctx context.Context, conn *Conn, chunk *Chunk) Decision {
	if conn.Blocked() {
		return Decision{Action: ActionBlock, Reason: conn.BlockReason()}
	}

	origLen := len(chunk.Data)
	window := conn.window(chunk.Dir, chunk.Data)

	if ct, ce := httpMeta(chunk.Data); ct != "" || ce != "" {
		chunk.Meta.ContentType = ct
		chunk.Meta.ContentEncoding = ce
	}

	scan := window
	if enc := parseContentEncoding(chunk.Meta.ContentEncoding); enc != "" {
		if _, body, ok := splitHTTPMessage(chunk.Data); ok {
			if decoded, err := DecodeBody(body, enc, 0); err == nil || errors.Is(err, ErrDecodedTooLarge) {
				scan = append(append([]byte(nil), window...), decoded...)
			}
		}
	}

	verdict := fw.Classifier.Classify(scan)
	chunk.Meta.Protocol = verdict.Protocol

	dec := fw.Pipeline.Evaluate(ctx, chunk, verdict)

	// Retain the modified tail: forwarded bytes, not the originals, are
	// what the next chunk continues from.
	retained := window
	if len(chunk.Data) != origLen || dec.Action == ActionModify {
		retained = append(window[:len(window)-origLen:len(window)-origLen], chunk.Data...)
	}
	conn.retain(chunk.Dir, retained, fw.lookback())

	return dec
}

var (
	httpContentTypeRe     = regexp.MustCompile(`(?im)^content-type:[ \t]*([^\r\n]+)`)
	httpContentEncodingRe = regexp.MustCompile(`(?im)^content-encoding:[ \t]*([^\r\n]+)`)
)

// httpMeta pulls Content-Type and Content-Encoding out of a chunk that
// carries an HTTP header block.
func httpMeta(data []byte) (contentType, contentEncoding string) {
	head, _, ok := splitHTTPMessage(data)
	if !ok {
		return "", ""
	}
	if m := httpContentTypeRe.FindSubmatch(head); m != nil {
		contentType = strings.TrimSpace(string(m[1]))
	}
	if m := httpContentEncodingRe.FindSubmatch(head); m != nil {
		contentEncoding = strings.TrimSpace(string(m[1]))
	}
	return contentType, contentEncoding
}

// splitHTTPMessage splits an HTTP message chunk at the header/body
// boundary.
func splitHTTPMessage(data []byte) (head, body []byte, ok bool) {
	if !httpRequestLine.Match(data) && !httpStatusLine.Match(data) {
		return nil, nil, false
	}
	i := strings.Index(string(data), "\r\n\r\n")
	if i < 0 {
		return data, nil, true
	}
	return data[:i], data[i+4:], true
}

// peekLine returns the first line without consuming it.
func peekLine(br *bufio.Reader) (string, error) {
	for n := 128; n <= maxClientHello; n *= 2 {
		buf, err := br.Peek(n)
		if i := strings.IndexByte(string(buf), '\n'); i >= 0 {
			return strings.TrimRight(string(buf[:i]), "\r"), nil
		}
		if err != nil {
			return "", fmt.Errorf("peek request line: %w", err)
		}
	}
	return "", errors.New("request line too long")
}

// httpTarget derives host and port for a plain HTTP entry: the
// absolute-form request URI, else the Host header from the peeked
// header block.
func httpTarget(br *bufio.Reader, requestLine string) (string, int) {
	fields := strings.Fields(requestLine)
	if len(fields) >= 2 {
		uri := fields[1]
		if strings.HasPrefix(uri, "http://") {
			rest := strings.TrimPrefix(uri, "http://")
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			return splitHostPort(rest, 80)
		}
	}

	// Transparent flow: find the Host header in the buffered block.
	buf, _ := br.Peek(maxClientHello)
	if m := httpHostRe.FindSubmatch(buf); m != nil {
		return splitHostPort(strings.TrimSpace(string(m[1])), 80)
	}
	return "", 0
}

var httpHostRe = regexp.MustCompile(`(?im)^host:[ \t]*([^\r\n]+)`)

// splitHostPort splits host:port, defaulting the port.
func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
