package cfw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testTracker(t *testing.T, process ProcessFunc) *Tracker {
	t.Helper()
	tr := &Tracker{
		MaxConnections: 8,
		Workers:        2,
		MailboxSize:    8,
		IdleTimeout:    time.Minute,
		Process:        process,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("tracker start: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func allowAll(_ context.Context, _ *Conn, _ *Chunk) Decision {
	return Decision{}
}

func TestTracker_StartRequiresProcess(t *testing.T) {
	tr := &Tracker{}
	if err := tr.Start(); err == nil {
		t.Fatal("expected error starting tracker without Process")
	}
}

func TestTracker_StartTwice(t *testing.T) {
	tr := testTracker(t, allowAll)
	if err := tr.Start(); err == nil {
		t.Fatal("expected error on second Start")
	}
}

func TestTracker_AdmitAndRelease(t *testing.T) {
	tr := testTracker(t, allowAll)

	key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1000, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
	conn, err := tr.Admit(key, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}

	got, ok := tr.Get(key)
	if !ok || got != conn {
		t.Error("Get did not return the admitted connection")
	}

	tr.Release(conn, "test done")
	if tr.Len() != 0 {
		t.Errorf("Len after release = %d, want 0", tr.Len())
	}
	if conn.State() != StateClosed {
		t.Errorf("state after release = %v", conn.State())
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done channel not closed after release")
	}

	// Release is idempotent.
	tr.Release(conn, "again")
	if info := conn.Snapshot(); info.CloseReason != "test done" {
		t.Errorf("close reason = %q, want first reason to win", info.CloseReason)
	}
}

func TestTracker_AdmissionRejectsAtCapacity(t *testing.T) {
	tr := testTracker(t, allowAll)

	conns := make([]*Conn, 0, 8)
	for i := 0; i < 8; i++ {
		key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1000 + i, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
		conn, err := tr.Admit(key, ModeDirect)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	// The C+1th connection is rejected, not queued.
	_, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 9999, DstIP: "example.com", DstPort: 443, Proto: "tcp"}, ModeDirect)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	st := tr.Stats()
	if st.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", st.Rejected)
	}
	if st.Admitted != 8 {
		t.Errorf("Admitted = %d, want 8", st.Admitted)
	}

	// Releasing one frees a slot.
	tr.Release(conns[0], "make room")
	if _, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 9999, DstIP: "example.com", DstPort: 443, Proto: "tcp"}, ModeDirect); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestTracker_AdmitReusedTuple(t *testing.T) {
	tr := testTracker(t, allowAll)

	key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1000, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
	old, err := tr.Admit(key, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	repl, err := tr.Admit(key, ModeDirect)
	if err != nil {
		t.Fatalf("admit reused tuple: %v", err)
	}
	if repl == old {
		t.Fatal("expected a fresh connection for the reused tuple")
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Error("old connection not closed after tuple reuse")
	}
}

func TestTracker_AdmitAfterClose(t *testing.T) {
	tr := testTracker(t, allowAll)
	tr.Close()

	_, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1"}, ModeDirect)
	if !errors.Is(err, ErrTrackerClosed) {
		t.Fatalf("expected ErrTrackerClosed, got %v", err)
	}
}

func TestTracker_ProcessDeliversDecision(t *testing.T) {
	tr := testTracker(t, func(_ context.Context, _ *Conn, chunk *Chunk) Decision {
		return Decision{Action: ActionBlock, Reason: "seq " + fmt.Sprint(chunk.Seq)}
	})

	conn, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 1}, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	chunk := conn.NewChunk(ClientToServer, []byte("payload"), ChunkMeta{})
	if err := tr.Submit(context.Background(), conn, chunk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case dec := <-chunk.Result():
		if dec.Action != ActionBlock {
			t.Errorf("action = %v, want block", dec.Action)
		}
		if dec.Reason != "seq 1" {
			t.Errorf("reason = %q", dec.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no decision delivered")
	}

	if !conn.Blocked() {
		t.Error("block decision should latch on the connection")
	}
	if st := tr.Stats(); st.Blocked != 1 {
		t.Errorf("Stats.Blocked = %d, want 1", st.Blocked)
	}
}

func TestTracker_PerConnectionOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[ConnKey][]uint64)

	tr := testTracker(t, func(_ context.Context, _ *Conn, chunk *Chunk) Decision {
		mu.Lock()
		seen[chunk.Key] = append(seen[chunk.Key], chunk.Seq)
		mu.Unlock()
		return Decision{}
	})

	const conns = 4
	const chunksPerConn = 25

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1000 + i, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
		conn, err := tr.Admit(key, ModeDirect)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			for j := 0; j < chunksPerConn; j++ {
				chunk := c.NewChunk(ClientToServer, []byte("data"), ChunkMeta{})
				if err := tr.Submit(context.Background(), c, chunk); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}(conn)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for tr.Stats().Processed < conns*chunksPerConn {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d chunks, want %d", tr.Stats().Processed, conns*chunksPerConn)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != conns {
		t.Fatalf("saw %d connections, want %d", len(seen), conns)
	}
	for key, seqs := range seen {
		if len(seqs) != chunksPerConn {
			t.Errorf("%s: processed %d chunks, want %d", key, len(seqs), chunksPerConn)
		}
		for i, seq := range seqs {
			if seq != uint64(i+1) {
				t.Errorf("%s: chunk %d has seq %d, order not preserved", key, i, seq)
				break
			}
		}
	}

	if st := tr.Stats(); st.Processed != conns*chunksPerConn {
		t.Errorf("Stats.Processed = %d, want %d", st.Processed, conns*chunksPerConn)
	}
}

func TestTracker_SubmitAfterConnClosed(t *testing.T) {
	tr := testTracker(t, allowAll)

	conn, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 1}, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	tr.Release(conn, "gone")

	// Fill the mailbox so Submit takes the blocking path and observes the
	// closed connection.
	for i := 0; i < cap(conn.mailbox); i++ {
		conn.mailbox <- &Chunk{}
	}
	err = tr.Submit(context.Background(), conn, conn.NewChunk(ClientToServer, []byte("x"), ChunkMeta{}))
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}

func TestTracker_SweepIdle(t *testing.T) {
	tr := testTracker(t, allowAll)

	fresh, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 1}, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	stale, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 2}, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	_ = stale

	// Pretend time has passed for everyone, then refresh one connection.
	future := time.Now().Add(2 * time.Minute)
	fresh.lastActivity.Store(future.UnixNano())

	evicted := tr.sweepIdle(future)
	if evicted != 1 {
		t.Fatalf("evicted %d connections, want 1", evicted)
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
	if _, ok := tr.Get(fresh.Key); !ok {
		t.Error("fresh connection was swept")
	}
	if st := tr.Stats(); st.SweptIdle != 1 {
		t.Errorf("Stats.SweptIdle = %d, want 1", st.SweptIdle)
	}
}

func TestTracker_Running(t *testing.T) {
	tr := &Tracker{Process: allowAll, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if tr.Running() {
		t.Error("unstarted tracker reports running")
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !tr.Running() {
		t.Error("started tracker not running")
	}
	tr.Close()
	if tr.Running() {
		t.Error("closed tracker reports running")
	}
}

func TestTracker_Connections(t *testing.T) {
	tr := testTracker(t, allowAll)

	for i := 0; i < 3; i++ {
		key := ConnKey{SrcIP: "10.0.0.1", SrcPort: 1000 + i, DstIP: "example.com", DstPort: 443, Proto: "tcp"}
		if _, err := tr.Admit(key, ModeDirect); err != nil {
			t.Fatalf("admit: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	infos := tr.Connections()
	if len(infos) != 3 {
		t.Fatalf("got %d connections, want 3", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i].Opened.Before(infos[i-1].Opened) {
			t.Error("connections not sorted oldest first")
		}
	}
}

func TestTracker_CloseTearsDownConns(t *testing.T) {
	tr := testTracker(t, allowAll)

	conn, err := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 1}, ModeDirect)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	tr.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not torn down on tracker close")
	}
	if info := conn.Snapshot(); info.CloseReason != "shutdown" {
		t.Errorf("close reason = %q", info.CloseReason)
	}
}

func TestTracker_StatsByState(t *testing.T) {
	tr := testTracker(t, allowAll)

	a, _ := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 1}, ModeDirect)
	b, _ := tr.Admit(ConnKey{SrcIP: "10.0.0.1", SrcPort: 2}, ModeDirect)
	a.setState(StateEstablished)
	b.setState(StateEstablished)

	st := tr.Stats()
	if st.Active != 2 {
		t.Errorf("Active = %d, want 2", st.Active)
	}
	if st.ByState["established"] != 2 {
		t.Errorf("ByState = %v", st.ByState)
	}
	if st.Workers != 2 {
		t.Errorf("Workers = %d, want 2", st.Workers)
	}
}
