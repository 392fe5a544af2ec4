package cfw

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxConnections bounds concurrently tracked connections.
	DefaultMaxConnections = 1024

	// DefaultMailboxSize bounds queued chunks per connection. A full
	// mailbox blocks the reader, pushing backpressure onto the socket.
	DefaultMailboxSize = 32

	// DefaultIdleTimeout is how long a silent connection survives before
	// the sweeper tears it down.
	DefaultIdleTimeout = 5 * time.Minute

	// trackerSweepInterval is how often the idle sweeper runs.
	trackerSweepInterval = 30 * time.Second
)

var (
	// ErrQueueFull rejects a connection at admission when the tracker is
	// at capacity.
	ErrQueueFull = errors.New("connection limit reached")

	// ErrTrackerClosed rejects work after shutdown began.
	ErrTrackerClosed = errors.New("tracker closed")

	// ErrConnClosed rejects chunks for a torn-down connection.
	ErrConnClosed = errors.New("connection closed")
)

// ProcessFunc evaluates one chunk in the connection's serialized
// processing context and returns the decision to enforce.
type ProcessFunc func(ctx context.Context, conn *Conn, chunk *Chunk) Decision

// TrackerStats is a counter snapshot for the management API.
type TrackerStats struct {
	Active    int              `json:"active"`
	Admitted  int64            `json:"admitted"`
	Rejected  int64            `json:"rejected"`
	Processed int64            `json:"processed_chunks"`
	Blocked   int64            `json:"blocked_conns"`
	SweptIdle int64            `json:"swept_idle"`
	Workers   int              `json:"workers"`
	ByState   map[string]int   `json:"by_state"`
	PerWorker []WorkerSnapshot `json:"per_worker,omitempty"`
}

// WorkerSnapshot is one worker's lifetime counters.
type WorkerSnapshot struct {
	Processed int64         `json:"processed"`
	Busy      time.Duration `json:"busy"`
}

type workerStats struct {
	processed atomic.Int64
	busyNanos atomic.Int64
}

// Tracker owns the connection table and the worker pool that serializes
// chunk processing per connection.
//
// Admission is the only place connections are rejected: at capacity,
// Admit fails fast with ErrQueueFull and the caller refuses the socket.
// Admitted connections get a bounded mailbox; a full mailbox blocks the
// submitting reader, which is the intended backpressure.
//
// Workers pull connections, not chunks, off the run queue. A connection
// occupies at most one run-queue slot (the scheduled flag), so two
// workers never process the same connection at once and chunk order per
// connection is preserved.
type Tracker struct {
	// MaxConnections caps the table. Zero means DefaultMaxConnections.
	MaxConnections int

	// Workers sizes the pool. Zero means GOMAXPROCS.
	Workers int

	// MailboxSize bounds per-connection queued chunks. Zero means
	// DefaultMailboxSize.
	MailboxSize int

	// IdleTimeout evicts silent connections. Zero means
	// DefaultIdleTimeout; negative disables the sweeper.
	IdleTimeout time.Duration

	// Process evaluates chunks. Must be set before Start.
	Process ProcessFunc

	Logger  *slog.Logger
	Metrics *Metrics

	mu    sync.RWMutex
	conns map[ConnKey]*Conn

	runq    chan *Conn
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	started atomic.Bool

	admitted  atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	blocked   atomic.Int64
	swept     atomic.Int64

	workers []*workerStats
}

func (t *Tracker) maxConns() int {
	if t.MaxConnections > 0 {
		return t.MaxConnections
	}
	return DefaultMaxConnections
}

func (t *Tracker) workerCount() int {
	if t.Workers > 0 {
		return t.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (t *Tracker) mailboxSize() int {
	if t.MailboxSize > 0 {
		return t.MailboxSize
	}
	return DefaultMailboxSize
}

func (t *Tracker) idleTimeout() time.Duration {
	if t.IdleTimeout != 0 {
		return t.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Start spins up the worker pool and idle sweeper.
func (t *Tracker) Start() error {
	if t.Process == nil {
		return errors.New("tracker: Process not set")
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("tracker: already started")
	}

	t.conns = make(map[ConnKey]*Conn, t.maxConns())
	t.runq = make(chan *Conn, t.maxConns())
	t.done = make(chan struct{})
	t.ctx, t.cancel = context.WithCancel(context.Background())

	n := t.workerCount()
	t.workers = make([]*workerStats, n)
	for i := 0; i < n; i++ {
		t.workers[i] = &workerStats{}
		t.wg.Add(1)
		go t.worker(i)
	}

	if t.idleTimeout() > 0 {
		t.wg.Add(1)
		go t.sweeper()
	}

	t.log().Info("tracker started",
		"workers", n,
		"max_connections", t.maxConns(),
		"mailbox_size", t.mailboxSize())
	return nil
}

// Close stops workers and tears down every tracked connection.
func (t *Tracker) Close() {
	t.once.Do(func() {
		close(t.done)
		t.cancel()
	})
	t.wg.Wait()

	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[ConnKey]*Conn)
	t.mu.Unlock()

	for _, c := range conns {
		t.closeConn(c, "shutdown")
	}
}

// Admit registers a new connection. At capacity it fails fast with
// ErrQueueFull; the caller is expected to refuse the socket rather than
// queue it.
func (t *Tracker) Admit(key ConnKey, mode TrafficMode) (*Conn, error) {
	select {
	case <-t.done:
		return nil, ErrTrackerClosed
	default:
	}

	t.mu.Lock()
	if len(t.conns) >= t.maxConns() {
		t.mu.Unlock()
		t.rejected.Add(1)
		if t.Metrics != nil {
			t.Metrics.RecordConnRejected()
		}
		return nil, ErrQueueFull
	}
	if old, ok := t.conns[key]; ok {
		// A reused 5-tuple means the old flow is gone but not yet
		// released. Replace it.
		delete(t.conns, key)
		defer t.closeConn(old, "tuple reused")
	}
	conn := newConn(key, mode, t.mailboxSize())
	conn.setState(StateOpening)
	t.conns[key] = conn
	active := len(t.conns)
	t.mu.Unlock()

	t.admitted.Add(1)
	if t.Metrics != nil {
		t.Metrics.RecordConnAdmitted()
		t.Metrics.SetActiveConns(active)
	}
	return conn, nil
}

// Submit queues a chunk for the connection's processing context. Blocks
// when the mailbox is full; returns once the chunk is queued or the
// connection, tracker, or ctx is done.
func (t *Tracker) Submit(ctx context.Context, conn *Conn, chunk *Chunk) error {
	select {
	case conn.mailbox <- chunk:
	default:
		// Mailbox full: wait, but never past teardown.
		select {
		case conn.mailbox <- chunk:
		case <-conn.closed:
			return ErrConnClosed
		case <-t.done:
			return ErrTrackerClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	conn.Touch()
	t.schedule(conn)
	return nil
}

// schedule puts the connection on the run queue unless a worker already
// owns it.
func (t *Tracker) schedule(conn *Conn) {
	if !conn.scheduled.CompareAndSwap(false, true) {
		return
	}
	select {
	case t.runq <- conn:
	case <-t.done:
		conn.scheduled.Store(false)
	}
}

func (t *Tracker) worker(id int) {
	defer t.wg.Done()
	st := t.workers[id]
	for {
		select {
		case conn := <-t.runq:
			t.drain(st, conn)
		case <-t.done:
			return
		}
	}
}

// drain processes every queued chunk for one connection, then releases
// ownership. A chunk that lands between the final recv and the
// unschedule is reclaimed via the scheduled flag so it is not stranded.
func (t *Tracker) drain(st *workerStats, conn *Conn) {
	for {
		select {
		case chunk := <-conn.mailbox:
			t.processChunk(st, conn, chunk)
			continue
		default:
		}

		conn.scheduled.Store(false)
		if len(conn.mailbox) == 0 {
			return
		}
		if !conn.scheduled.CompareAndSwap(false, true) {
			// A producer rescheduled the connection; that run-queue
			// entry now owns it.
			return
		}
	}
}

func (t *Tracker) processChunk(st *workerStats, conn *Conn, chunk *Chunk) {
	start := time.Now()
	dec := t.Process(t.ctx, conn, chunk)
	elapsed := time.Since(start)

	st.processed.Add(1)
	st.busyNanos.Add(int64(elapsed))
	t.processed.Add(1)

	if dec.Action == ActionBlock {
		if !conn.Blocked() {
			t.blocked.Add(1)
		}
		conn.MarkBlocked(dec.Reason)
	}
	if t.Metrics != nil {
		t.Metrics.RecordChunk(chunk.Dir.String(), len(chunk.Data))
		t.Metrics.RecordDecision(dec.Action.String())
		t.Metrics.RecordProcessingDuration(elapsed)
	}

	// Reply never blocks: the reader may have abandoned the chunk
	// (mirror mode, teardown).
	select {
	case chunk.done <- dec:
	default:
	}
}

// Release removes a connection from the table and marks it closed.
// Idempotent.
func (t *Tracker) Release(conn *Conn, reason string) {
	t.mu.Lock()
	if cur, ok := t.conns[conn.Key]; ok && cur == conn {
		delete(t.conns, conn.Key)
	}
	active := len(t.conns)
	t.mu.Unlock()

	t.closeConn(conn, reason)
	if t.Metrics != nil {
		t.Metrics.SetActiveConns(active)
	}
}

func (t *Tracker) closeConn(conn *Conn, reason string) {
	conn.closeOnce.Do(func() {
		conn.setState(StateClosed)
		conn.closeReason.Store(&reason)
		close(conn.closed)
		if t.Metrics != nil {
			t.Metrics.RecordConnClosed(reason)
		}
	})
}

// Get looks up a tracked connection.
func (t *Tracker) Get(key ConnKey) (*Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[key]
	return c, ok
}

// Len reports the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

func (t *Tracker) sweeper() {
	defer t.wg.Done()
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweepIdle(time.Now())
		case <-t.done:
			return
		}
	}
}

// sweepIdle tears down connections idle past the timeout and returns how
// many it evicted.
func (t *Tracker) sweepIdle(now time.Time) int {
	timeout := t.idleTimeout()

	t.mu.Lock()
	var idle []*Conn
	for key, conn := range t.conns {
		if conn.IdleFor(now) > timeout {
			delete(t.conns, key)
			idle = append(idle, conn)
		}
	}
	active := len(t.conns)
	t.mu.Unlock()

	for _, conn := range idle {
		t.closeConn(conn, "idle timeout")
		t.swept.Add(1)
		t.log().Debug("idle connection swept",
			"conn", conn.Key.String(),
			"idle", conn.IdleFor(now).Round(time.Second))
	}
	if len(idle) > 0 && t.Metrics != nil {
		t.Metrics.SetActiveConns(active)
	}
	return len(idle)
}

// Running reports whether the tracker has been started and not closed.
func (t *Tracker) Running() bool {
	if !t.started.Load() {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Connections snapshots the table for the management API, oldest first.
func (t *Tracker) Connections() []ConnInfo {
	t.mu.RLock()
	out := make([]ConnInfo, 0, len(t.conns))
	for _, conn := range t.conns {
		out = append(out, conn.Snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Opened.Before(out[j].Opened) })
	return out
}

// Stats aggregates tracker and per-worker counters.
func (t *Tracker) Stats() TrackerStats {
	st := TrackerStats{
		Admitted:  t.admitted.Load(),
		Rejected:  t.rejected.Load(),
		Processed: t.processed.Load(),
		Blocked:   t.blocked.Load(),
		SweptIdle: t.swept.Load(),
		Workers:   len(t.workers),
		ByState:   make(map[string]int),
	}

	t.mu.RLock()
	st.Active = len(t.conns)
	for _, conn := range t.conns {
		st.ByState[conn.State().String()]++
	}
	t.mu.RUnlock()

	for _, w := range t.workers {
		st.PerWorker = append(st.PerWorker, WorkerSnapshot{
			Processed: w.processed.Load(),
			Busy:      time.Duration(w.busyNanos.Load()),
		})
	}
	return st
}

func (t *Tracker) log() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
