package cfw

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// TrafficMode selects how the firewall sits relative to the traffic.
//
// In direct mode the firewall is the forwarding path: bytes only reach the
// other side after the pipeline has decided they may. In mirror mode the
// firewall observes a copy of the traffic; bytes are always relayed and
// decisions are logged, never enforced.
type TrafficMode string

const (
	ModeDirect TrafficMode = "direct"
	ModeMirror TrafficMode = "mirror"
)

// ParseTrafficMode validates a mode string from configuration.
func ParseTrafficMode(s string) (TrafficMode, error) {
	switch TrafficMode(s) {
	case ModeDirect, ModeMirror:
		return TrafficMode(s), nil
	case "":
		return ModeDirect, nil
	}
	return "", fmt.Errorf("unknown traffic mode %q", s)
}

// Direction identifies which way a content chunk is flowing.
type Direction int

const (
	// ClientToServer is data read from the client leg.
	ClientToServer Direction = iota
	// ServerToClient is data read from the server leg.
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// ConnState is the lifecycle state of a tracked connection.
//
//	Opening → Handshaking → Established → Closing → Closed
//
// Connections that are not intercepted skip Handshaking and go straight to
// Established in pass-through mode.
type ConnState int32

const (
	StateOpening ConnState = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnKey identifies a flow by its 5-tuple.
type ConnKey struct {
	SrcIP   string
	SrcPort int
	DstIP   string
	DstPort int
	Proto   string
}

// KeyFromAddrs builds a ConnKey from the client's remote address and the
// destination the flow is headed to. Unparseable addresses keep their raw
// string form so the key is still usable for tracking.
func KeyFromAddrs(src net.Addr, dstHost string, dstPort int) ConnKey {
	key := ConnKey{DstIP: dstHost, DstPort: dstPort, Proto: "tcp"}
	if src != nil {
		if ap, err := netip.ParseAddrPort(src.String()); err == nil {
			key.SrcIP = ap.Addr().String()
			key.SrcPort = int(ap.Port())
		} else {
			key.SrcIP = src.String()
		}
	}
	return key
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s %s:%d->%s:%d", k.Proto, k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// Src returns the client endpoint as host:port.
func (k ConnKey) Src() string {
	return net.JoinHostPort(k.SrcIP, strconv.Itoa(k.SrcPort))
}

// Dst returns the destination endpoint as host:port.
func (k ConnKey) Dst() string {
	return net.JoinHostPort(k.DstIP, strconv.Itoa(k.DstPort))
}

// Chunk is an ordered, bounded slice of decrypted application bytes
// belonging to one connection and one direction. Seq increases
// monotonically per connection+direction.
type Chunk struct {
	Key  ConnKey
	Dir  Direction
	Seq  uint64
	Data []byte

	// Meta carries context the processors need but cannot derive from
	// the bytes alone.
	Meta ChunkMeta

	// done receives the pipeline's decision for this chunk. Buffered
	// with capacity 1 so the worker never blocks on delivery.
	done chan Decision
}

// ChunkMeta is the per-chunk context assembled by the front-end.
type ChunkMeta struct {
	// ServerName is the SNI the connection was intercepted under, if any.
	ServerName string

	// Protocol is the detected application protocol label ("http",
	// "tls", ...) once classification has seen the flow. Empty until
	// then.
	Protocol string

	// ContentType and ContentEncoding, when the flow is HTTP and the
	// relevant headers have been observed.
	ContentType     string
	ContentEncoding string

	// PeerCertificates is the server leg's presented chain for
	// intercepted connections. Used by the certificate analyzer.
	PeerCertificates []*CertInfo

	// TLSVersion and CipherSuite describe the negotiated server leg.
	TLSVersion  uint16
	CipherSuite uint16

	// Mirrored is true when the chunk is an observation-only copy whose
	// decision will be logged but not enforced.
	Mirrored bool
}

// Conn is one tracked connection. All fields that mutate after creation
// use atomics or are owned by the tracker's per-connection processing
// discipline; a Conn may be inspected concurrently from the admin API.
type Conn struct {
	Key  ConnKey
	Mode TrafficMode

	state atomic.Int32

	// serverName is set once, during HANDSHAKING, before the conn is
	// visible to workers.
	serverName atomic.Pointer[string]

	opened       time.Time
	lastActivity atomic.Int64 // unix nanos

	bytesIn   atomic.Int64 // client→server
	bytesOut  atomic.Int64 // server→client
	chunksIn  atomic.Int64
	chunksOut atomic.Int64

	seq [2]atomic.Uint64

	// blocked latches once the block strategy fires; no further bytes
	// of this connection are forwarded afterwards.
	blocked     atomic.Bool
	blockReason atomic.Pointer[string]

	// lookback holds the per-direction reassembly window consulted for
	// signatures spanning chunk boundaries. Owned by the processing
	// context; never touched concurrently.
	lookback [2][]byte

	mailbox   chan *Chunk
	scheduled atomic.Bool

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason atomic.Pointer[string]
}

func newConn(key ConnKey, mode TrafficMode, mailboxSize int) *Conn {
	c := &Conn{
		Key:     key,
		Mode:    mode,
		opened:  time.Now(),
		mailbox: make(chan *Chunk, mailboxSize),
		closed:  make(chan struct{}),
	}
	c.lastActivity.Store(c.opened.UnixNano())
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// ServerName returns the SNI this connection was intercepted under, or ""
// for pass-through flows.
func (c *Conn) ServerName() string {
	if p := c.serverName.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Conn) setServerName(name string) { c.serverName.Store(&name) }

// Touch records activity for the idle sweeper.
func (c *Conn) Touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// IdleFor reports how long the connection has gone without traffic.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// NextSeq hands out the next chunk sequence number for a direction.
func (c *Conn) NextSeq(dir Direction) uint64 { return c.seq[dir].Add(1) }

func (c *Conn) addBytes(dir Direction, n int) {
	if dir == ClientToServer {
		c.bytesIn.Add(int64(n))
		c.chunksIn.Add(1)
	} else {
		c.bytesOut.Add(int64(n))
		c.chunksOut.Add(1)
	}
}

// Blocked reports whether the block strategy has latched on this
// connection.
func (c *Conn) Blocked() bool { return c.blocked.Load() }

// MarkBlocked latches the block state. The first reason wins.
func (c *Conn) MarkBlocked(reason string) {
	if c.blocked.CompareAndSwap(false, true) {
		c.blockReason.Store(&reason)
	}
}

// BlockReason returns the reason recorded by MarkBlocked, if any.
func (c *Conn) BlockReason() string {
	if p := c.blockReason.Load(); p != nil {
		return *p
	}
	return ""
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// NewChunk wraps freshly read bytes for submission, stamping the next
// sequence number for the direction.
func (c *Conn) NewChunk(dir Direction, data []byte, meta ChunkMeta) *Chunk {
	return &Chunk{
		Key:  c.Key,
		Dir:  dir,
		Seq:  c.NextSeq(dir),
		Data: data,
		Meta: meta,
		done: make(chan Decision, 1),
	}
}

// Result delivers the pipeline's decision for this chunk. Mirror-mode
// readers may ignore it; the send side never blocks.
func (ch *Chunk) Result() <-chan Decision { return ch.done }

// window returns the scan window for a direction: the retained look-back
// bytes followed by the new data. Must only be called from the
// connection's processing context.
func (c *Conn) window(dir Direction, data []byte) []byte {
	lb := c.lookback[dir]
	if len(lb) == 0 {
		return data
	}
	w := make([]byte, 0, len(lb)+len(data))
	w = append(w, lb...)
	return append(w, data...)
}

// retain keeps up to max bytes of the window tail for the next chunk.
func (c *Conn) retain(dir Direction, window []byte, max int) {
	if max <= 0 {
		c.lookback[dir] = nil
		return
	}
	if len(window) > max {
		window = window[len(window)-max:]
	}
	c.lookback[dir] = append(c.lookback[dir][:0], window...)
}

// ConnInfo is a point-in-time snapshot of a connection for the admin API.
type ConnInfo struct {
	Key         string    `json:"key"`
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	ServerName  string    `json:"server_name,omitempty"`
	Opened      time.Time `json:"opened"`
	IdleSeconds float64   `json:"idle_seconds"`
	BytesIn     int64     `json:"bytes_in"`
	BytesOut    int64     `json:"bytes_out"`
	ChunksIn    int64     `json:"chunks_in"`
	ChunksOut   int64     `json:"chunks_out"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
}

// Snapshot captures the connection's current counters.
func (c *Conn) Snapshot() ConnInfo {
	info := ConnInfo{
		Key:         c.Key.String(),
		Mode:        string(c.Mode),
		State:       c.State().String(),
		ServerName:  c.ServerName(),
		Opened:      c.opened,
		IdleSeconds: c.IdleFor(time.Now()).Seconds(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		ChunksIn:    c.chunksIn.Load(),
		ChunksOut:   c.chunksOut.Load(),
		Blocked:     c.Blocked(),
		BlockReason: c.BlockReason(),
	}
	if p := c.closeReason.Load(); p != nil {
		info.CloseReason = *p
	}
	return info
}
