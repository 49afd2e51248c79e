package audit

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantrail/identity/pkg/logx"
)

// Config tunes the writer. Zero values get sane defaults.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	// SyncTimeout bounds how long a critical append may hold the request.
	SyncTimeout time.Duration
	// SpillPath is the local queue used when storage is unreachable.
	SpillPath string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BufferSize <= 0 {
		out.BufferSize = 1024
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = time.Second
	}
	if out.SyncTimeout <= 0 {
		out.SyncTimeout = 50 * time.Millisecond
	}
	if out.SpillPath == "" {
		out.SpillPath = "audit.spill"
	}
	return out
}

// Log is the audit writer. Critical events go to storage synchronously under
// a hard deadline; the rest ride a buffered channel flushed in batches.
// Either path falls back to the local spill file rather than losing the
// event or stalling the request.
type Log struct {
	store EventStore
	cfg   Config

	buf  chan Event
	done chan struct{}
	wg   sync.WaitGroup

	spillMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func NewLog(store EventStore, cfg Config) *Log {
	l := &Log{
		store: store,
		cfg:   cfg.withDefaults(),
		done:  make(chan struct{}),
	}
	l.buf = make(chan Event, l.cfg.BufferSize)
	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Append records the event. It never returns a storage error to the caller:
// an unreachable store means the event went to the spill queue instead.
func (l *Log) Append(ctx context.Context, event Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrRegistry.New(CodeClosed)
	}
	l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if Critical(event.Type) {
		syncCtx, cancel := context.WithTimeout(ctx, l.cfg.SyncTimeout)
		defer cancel()
		if err := l.store.Append(syncCtx, event); err != nil {
			logx.WithError(err).WithField("type", event.Type).
				Error("audit store unreachable; spilling critical event")
			l.spill([]Event{event})
		}
		return nil
	}

	select {
	case l.buf <- event:
	default:
		// Full buffer means the flusher is behind the store; spill instead
		// of blocking the request.
		l.spill([]Event{event})
	}
	return nil
}

// Query reads back events through the store.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// ExportJSON streams matching events as JSON lines, one event per line.
func (l *Log) ExportJSON(ctx context.Context, w io.Writer, filter Filter) error {
	events, err := l.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return ErrRegistry.NewWithCause(CodeQueryFailed, err)
		}
	}
	return nil
}

// ExportCSV streams matching events as CSV with a header row.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, filter Filter) error {
	events, err := l.store.Query(ctx, filter)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "type", "timestamp", "subject", "actor", "resource", "ip", "ua_hash", "risk_score"}); err != nil {
		return ErrRegistry.NewWithCause(CodeQueryFailed, err)
	}
	for _, e := range events {
		rec := []string{
			e.ID, e.Type, e.Timestamp.UTC().Format(time.RFC3339),
			e.Subject, e.Actor, e.Resource, e.IP, e.UserAgentHash,
			strconv.Itoa(e.RiskScore),
		}
		if err := cw.Write(rec); err != nil {
			return ErrRegistry.NewWithCause(CodeQueryFailed, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return ErrRegistry.NewWithCause(CodeQueryFailed, err)
	}
	return nil
}

// EvictBefore drops partitions older than cutoff.
func (l *Log) EvictBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return l.store.DropPartitionsBefore(ctx, cutoff)
}

// Close flushes the buffer and stops the writer.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.done:
			l.flush()
			return
		}
	}
}

func (l *Log) flush() {
	n := len(l.buf)
	if n == 0 {
		return
	}
	batch := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-l.buf:
			batch = append(batch, e)
		default:
		}
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.AppendBatch(ctx, batch); err != nil {
		logx.WithError(err).WithField("events", len(batch)).
			Error("audit batch flush failed; spilling")
		l.spill(batch)
	}
}

// spill appends the events to the local queue as JSON lines.
func (l *Log) spill(events []Event) {
	l.spillMu.Lock()
	defer l.spillMu.Unlock()

	f, err := os.OpenFile(l.cfg.SpillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logx.WithError(err).Error("audit spill file unavailable; events lost")
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			logx.WithError(err).Error("audit spill write failed")
			return
		}
	}
}

// DrainSpill replays spilled events into the store and truncates the queue
// on success. Driven by the background sweeper once storage recovers.
func (l *Log) DrainSpill(ctx context.Context) (int, error) {
	l.spillMu.Lock()
	defer l.spillMu.Unlock()

	f, err := os.Open(l.cfg.SpillPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ErrRegistry.NewWithCause(CodeAppendFailed, err)
	}

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logx.WithError(err).Warn("skipping corrupt spill line")
			continue
		}
		events = append(events, e)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return 0, ErrRegistry.NewWithCause(CodeAppendFailed, err)
	}
	if len(events) == 0 {
		return 0, os.Remove(l.cfg.SpillPath)
	}

	if err := l.store.AppendBatch(ctx, events); err != nil {
		return 0, ErrRegistry.NewWithCause(CodeAppendFailed, err)
	}
	if err := os.Remove(l.cfg.SpillPath); err != nil {
		return len(events), ErrRegistry.NewWithCause(CodeAppendFailed, err)
	}
	return len(events), nil
}
