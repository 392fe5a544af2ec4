package cfw

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseTrafficMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    TrafficMode
		wantErr bool
	}{
		{"direct", "direct", ModeDirect, false},
		{"mirror", "mirror", ModeMirror, false},
		{"empty defaults to direct", "", ModeDirect, false},
		{"unknown", "passive", "", true},
		{"case sensitive", "Direct", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTrafficMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTrafficMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTrafficMode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDirection_String(t *testing.T) {
	if ClientToServer.String() != "client_to_server" {
		t.Errorf("unexpected: %s", ClientToServer)
	}
	if ServerToClient.String() != "server_to_client" {
		t.Errorf("unexpected: %s", ServerToClient)
	}
}

func TestConnState_String(t *testing.T) {
	tests := []struct {
		state ConnState
		want  string
	}{
		{StateOpening, "opening"},
		{StateHandshaking, "handshaking"},
		{StateEstablished, "established"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{ConnState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestKeyFromAddrs(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 54321}
	key := KeyFromAddrs(src, "example.com", 443)

	if key.SrcIP != "10.1.2.3" {
		t.Errorf("SrcIP = %q", key.SrcIP)
	}
	if key.SrcPort != 54321 {
		t.Errorf("SrcPort = %d", key.SrcPort)
	}
	if key.DstIP != "example.com" || key.DstPort != 443 {
		t.Errorf("dst = %s:%d", key.DstIP, key.DstPort)
	}
	if key.Proto != "tcp" {
		t.Errorf("Proto = %q", key.Proto)
	}
}

func TestKeyFromAddrs_NilSource(t *testing.T) {
	key := KeyFromAddrs(nil, "example.com", 80)
	if key.SrcIP != "" || key.SrcPort != 0 {
		t.Errorf("expected empty source, got %s:%d", key.SrcIP, key.SrcPort)
	}
}

func TestKeyFromAddrs_IPv6(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 8080}
	key := KeyFromAddrs(src, "example.com", 443)
	if key.SrcIP != "2001:db8::1" {
		t.Errorf("SrcIP = %q", key.SrcIP)
	}
	if key.SrcPort != 8080 {
		t.Errorf("SrcPort = %d", key.SrcPort)
	}
}

func TestConnKey_Endpoints(t *testing.T) {
	key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1234, DstIP: "93.184.216.34", DstPort: 443, Proto: "tcp"}

	if key.Src() != "10.0.0.1:1234" {
		t.Errorf("Src() = %q", key.Src())
	}
	if key.Dst() != "93.184.216.34:443" {
		t.Errorf("Dst() = %q", key.Dst())
	}
	s := key.String()
	if !strings.Contains(s, "10.0.0.1:1234") || !strings.Contains(s, "93.184.216.34:443") {
		t.Errorf("String() = %q", s)
	}
	if !strings.HasPrefix(s, "tcp ") {
		t.Errorf("String() missing protocol prefix: %q", s)
	}
}

func TestConn_SequenceNumbers(t *testing.T) {
	c := newConn(ConnKey{SrcIP: "1.2.3.4"}, ModeDirect, 4)

	// Sequence numbers increase per direction independently.
	if seq := c.NextSeq(ClientToServer); seq != 1 {
		t.Errorf("first c2s seq = %d, want 1", seq)
	}
	if seq := c.NextSeq(ClientToServer); seq != 2 {
		t.Errorf("second c2s seq = %d, want 2", seq)
	}
	if seq := c.NextSeq(ServerToClient); seq != 1 {
		t.Errorf("first s2c seq = %d, want 1", seq)
	}
}

func TestConn_NewChunk(t *testing.T) {
	c := newConn(ConnKey{SrcIP: "1.2.3.4", DstIP: "example.com", DstPort: 443}, ModeDirect, 4)

	chunk := c.NewChunk(ClientToServer, []byte("hello"), ChunkMeta{ServerName: "example.com"})
	if chunk.Seq != 1 {
		t.Errorf("Seq = %d, want 1", chunk.Seq)
	}
	if chunk.Dir != ClientToServer {
		t.Errorf("Dir = %v", chunk.Dir)
	}
	if string(chunk.Data) != "hello" {
		t.Errorf("Data = %q", chunk.Data)
	}
	if chunk.Meta.ServerName != "example.com" {
		t.Errorf("ServerName = %q", chunk.Meta.ServerName)
	}

	next := c.NewChunk(ClientToServer, []byte("world"), ChunkMeta{})
	if next.Seq != 2 {
		t.Errorf("second Seq = %d, want 2", next.Seq)
	}
}

func TestConn_WindowAndRetain(t *testing.T) {
	c := newConn(ConnKey{}, ModeDirect, 4)

	// No retained bytes: the window is the data itself.
	w := c.window(ClientToServer, []byte("abcdef"))
	if string(w) != "abcdef" {
		t.Errorf("window = %q", w)
	}

	// Retain the tail and check the next window prepends it.
	c.retain(ClientToServer, w, 4)
	w = c.window(ClientToServer, []byte("XY"))
	if string(w) != "cdefXY" {
		t.Errorf("window after retain = %q, want %q", w, "cdefXY")
	}

	// Window shorter than max keeps the whole thing.
	c.retain(ClientToServer, []byte("ab"), 100)
	w = c.window(ClientToServer, []byte("Z"))
	if string(w) != "abZ" {
		t.Errorf("window = %q, want %q", w, "abZ")
	}

	// Zero max clears the look-back.
	c.retain(ClientToServer, []byte("junk"), 0)
	w = c.window(ClientToServer, []byte("fresh"))
	if string(w) != "fresh" {
		t.Errorf("window after clearing = %q", w)
	}
}

func TestConn_RetainPerDirection(t *testing.T) {
	c := newConn(ConnKey{}, ModeDirect, 4)

	c.retain(ClientToServer, []byte("request"), 100)
	c.retain(ServerToClient, []byte("response"), 100)

	if w := c.window(ClientToServer, []byte("!")); string(w) != "request!" {
		t.Errorf("c2s window = %q", w)
	}
	if w := c.window(ServerToClient, []byte("!")); string(w) != "response!" {
		t.Errorf("s2c window = %q", w)
	}
}

func TestConn_BlockLatch(t *testing.T) {
	c := newConn(ConnKey{}, ModeDirect, 4)

	if c.Blocked() {
		t.Fatal("new connection should not be blocked")
	}

	c.MarkBlocked("first reason")
	if !c.Blocked() {
		t.Fatal("expected blocked after MarkBlocked")
	}
	if c.BlockReason() != "first reason" {
		t.Errorf("BlockReason = %q", c.BlockReason())
	}

	// First reason wins.
	c.MarkBlocked("second reason")
	if c.BlockReason() != "first reason" {
		t.Errorf("BlockReason after second mark = %q", c.BlockReason())
	}
}

func TestConn_StateAndServerName(t *testing.T) {
	c := newConn(ConnKey{}, ModeDirect, 4)

	if c.State() != StateOpening {
		t.Errorf("initial state = %v", c.State())
	}
	c.setState(StateHandshaking)
	if c.State() != StateHandshaking {
		t.Errorf("state = %v", c.State())
	}

	if c.ServerName() != "" {
		t.Errorf("initial ServerName = %q", c.ServerName())
	}
	c.setServerName("api.example.com")
	if c.ServerName() != "api.example.com" {
		t.Errorf("ServerName = %q", c.ServerName())
	}
}

func TestConn_IdleFor(t *testing.T) {
	c := newConn(ConnKey{}, ModeDirect, 4)

	now := time.Now().Add(10 * time.Second)
	if idle := c.IdleFor(now); idle < 9*time.Second {
		t.Errorf("IdleFor = %v, want ~10s", idle)
	}

	c.Touch()
	if idle := c.IdleFor(time.Now()); idle > time.Second {
		t.Errorf("IdleFor after Touch = %v", idle)
	}
}

func TestConn_Snapshot(t *testing.T) {
	key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1234, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
	c := newConn(key, ModeMirror, 4)
	c.setState(StateEstablished)
	c.setServerName("example.com")
	c.addBytes(ClientToServer, 100)
	c.addBytes(ClientToServer, 50)
	c.addBytes(ServerToClient, 2000)
	c.MarkBlocked("policy")

	info := c.Snapshot()
	if info.Mode != "mirror" {
		t.Errorf("Mode = %q", info.Mode)
	}
	if info.State != "established" {
		t.Errorf("State = %q", info.State)
	}
	if info.ServerName != "example.com" {
		t.Errorf("ServerName = %q", info.ServerName)
	}
	if info.BytesIn != 150 || info.ChunksIn != 2 {
		t.Errorf("in counters = %d bytes / %d chunks", info.BytesIn, info.ChunksIn)
	}
	if info.BytesOut != 2000 || info.ChunksOut != 1 {
		t.Errorf("out counters = %d bytes / %d chunks", info.BytesOut, info.ChunksOut)
	}
	if !info.Blocked || info.BlockReason != "policy" {
		t.Errorf("blocked = %v reason = %q", info.Blocked, info.BlockReason)
	}
	if !strings.Contains(info.Key, "10.0.0.1:1234") {
		t.Errorf("Key = %q", info.Key)
	}
}
