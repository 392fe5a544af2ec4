package cfw

import (
	"context"
	"log/slog"
	"time"
)

// FlowLogger writes one structured entry per closed connection. It uses
// slog.LogAttrs for low-allocation logging on the teardown path.
type FlowLogger struct {
	logger *slog.Logger
}

// FlowEntry contains all fields for a single flow record.
type FlowEntry struct {
	// Timestamp when the connection was opened.
	Timestamp time.Time

	// Conn is the 5-tuple key.
	Conn string

	// ServerName is the SNI or derived destination host.
	ServerName string

	// Mode is "direct" or "mirror".
	Mode string

	// Duration from open to close.
	Duration time.Duration

	// BytesIn is the client-to-server byte count.
	BytesIn int64

	// BytesOut is the server-to-client byte count.
	BytesOut int64

	// ChunksIn and ChunksOut count processed chunks per direction.
	ChunksIn  int64
	ChunksOut int64

	// Blocked is true if enforcement cut the connection.
	Blocked bool

	// BlockReason is why the connection was cut (if Blocked is true).
	BlockReason string

	// CloseReason is the tracker's release reason.
	CloseReason string
}

// NewFlowLogger creates a FlowLogger that writes to the given
// slog.Logger. For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewFlowLogger(logger *slog.Logger) *FlowLogger {
	return &FlowLogger{logger: logger}
}

// FlowEntryFromConn builds a flow record from a connection snapshot.
func FlowEntryFromConn(c *Conn) FlowEntry {
	info := c.Snapshot()
	return FlowEntry{
		Timestamp:   info.Opened,
		Conn:        info.Key,
		ServerName:  info.ServerName,
		Mode:        info.Mode,
		Duration:    time.Since(info.Opened),
		BytesIn:     info.BytesIn,
		BytesOut:    info.BytesOut,
		ChunksIn:    info.ChunksIn,
		ChunksOut:   info.ChunksOut,
		Blocked:     info.Blocked,
		BlockReason: info.BlockReason,
		CloseReason: info.CloseReason,
	}
}

// Log writes a flow entry using slog.LogAttrs to minimize allocations.
func (fl *FlowLogger) Log(e FlowEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("opened", e.Timestamp),
		slog.String("conn", e.Conn),
		slog.String("server_name", e.ServerName),
		slog.String("mode", e.Mode),
		slog.Duration("duration", e.Duration),
		slog.Int64("bytes_in", e.BytesIn),
		slog.Int64("bytes_out", e.BytesOut),
		slog.Int64("chunks_in", e.ChunksIn),
		slog.Int64("chunks_out", e.ChunksOut),
	)

	if e.Blocked {
		attrs = append(attrs,
			slog.Bool("blocked", true),
			slog.String("block_reason", e.BlockReason),
		)
	}

	if e.CloseReason != "" {
		attrs = append(attrs, slog.String("close_reason", e.CloseReason))
	}

	fl.logger.LogAttrs(context.Background(), slog.LevelInfo, "flow", attrs...)
}
