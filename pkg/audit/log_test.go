package audit_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quantrail/identity/pkg/audit"
)

type memEventStore struct {
	mu     sync.Mutex
	events []audit.Event
	broken bool
}

func (m *memEventStore) setBroken(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken = b
}

func (m *memEventStore) Append(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return errors.New("store down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memEventStore) AppendBatch(_ context.Context, es []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken {
		return errors.New("store down")
	}
	m.events = append(m.events, es...)
	return nil
}

func (m *memEventStore) Query(_ context.Context, filter audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if filter.Subject != "" && e.Subject != filter.Subject {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memEventStore) DropPartitionsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	dropped := 0
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return dropped, nil
}

func (m *memEventStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestLog(t *testing.T, store *memEventStore) *audit.Log {
	t.Helper()
	l := audit.NewLog(store, audit.Config{
		BufferSize:    64,
		FlushInterval: 20 * time.Millisecond,
		SpillPath:     filepath.Join(t.TempDir(), "audit.spill"),
	})
	t.Cleanup(l.Close)
	return l
}

func TestCriticalAppendsSynchronously(t *testing.T) {
	store := &memEventStore{}
	l := newTestLog(t, store)

	if err := l.Append(context.Background(), audit.Event{
		Type: "login.failed", Subject: "", IP: "10.0.0.1",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// No flush interval has elapsed; a critical event is already durable.
	if store.count() != 1 {
		t.Fatalf("critical event not synchronous: %d stored", store.count())
	}
}

func TestBufferedAppendFlushes(t *testing.T) {
	store := &memEventStore{}
	l := newTestLog(t, store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, audit.Event{Type: "user.updated", Subject: "user:u-1"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() != 5 {
		t.Fatalf("flushed %d of 5", store.count())
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	store := &memEventStore{}
	l := audit.NewLog(store, audit.Config{
		FlushInterval: time.Hour, // only Close can flush
		SpillPath:     filepath.Join(t.TempDir(), "audit.spill"),
	})

	l.Append(context.Background(), audit.Event{Type: "user.updated", Subject: "user:u-1"})
	l.Close()
	if store.count() != 1 {
		t.Fatalf("close lost the buffered event: %d stored", store.count())
	}
}

func TestOutageSpillsAndDrains(t *testing.T) {
	store := &memEventStore{}
	spill := filepath.Join(t.TempDir(), "audit.spill")
	l := audit.NewLog(store, audit.Config{
		FlushInterval: time.Hour,
		SpillPath:     spill,
	})
	defer l.Close()
	ctx := context.Background()

	store.setBroken(true)
	// A critical event during the outage must not error and must not vanish.
	if err := l.Append(ctx, audit.Event{Type: "refresh.reuse_detected", Subject: "user:u-1"}); err != nil {
		t.Fatalf("append during outage: %v", err)
	}
	if store.count() != 0 {
		t.Fatal("broken store accepted an event")
	}

	store.setBroken(false)
	n, err := l.DrainSpill(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 || store.count() != 1 {
		t.Fatalf("drained %d, stored %d", n, store.count())
	}
	// Second drain is a no-op.
	if n, err := l.DrainSpill(ctx); err != nil || n != 0 {
		t.Fatalf("second drain: n=%d err=%v", n, err)
	}
}

func TestExportFormats(t *testing.T) {
	store := &memEventStore{}
	l := newTestLog(t, store)
	ctx := context.Background()

	l.Append(ctx, audit.Event{Type: "login.success", Subject: "user:u-1", IP: "10.0.0.1"})
	l.Append(ctx, audit.Event{Type: "login.failed", IP: "10.0.0.2"})

	var jsonBuf bytes.Buffer
	if err := l.ExportJSON(ctx, &jsonBuf, audit.Filter{Subject: "user:u-1"}); err != nil {
		t.Fatalf("export json: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(jsonBuf.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"login.success"`) {
		t.Fatalf("json export = %q", jsonBuf.String())
	}

	var csvBuf bytes.Buffer
	if err := l.ExportCSV(ctx, &csvBuf, audit.Filter{}); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	rows := strings.Split(strings.TrimSpace(csvBuf.String()), "\n")
	if len(rows) != 3 { // header + 2 events
		t.Fatalf("csv export has %d rows", len(rows))
	}
	if !strings.HasPrefix(rows[0], "id,type,timestamp") {
		t.Fatalf("csv header = %q", rows[0])
	}
}

func TestCriticalClassification(t *testing.T) {
	critical := []string{
		"login.success", "login.failed", "refresh.reuse_detected", "mfa.failed",
		"password.changed", "role.assigned", "role.revoked", "permission.updated",
		"trading_account.linked", "user.deactivated",
	}
	for _, typ := range critical {
		if !audit.Critical(typ) {
			t.Errorf("%s should be critical", typ)
		}
	}
	for _, typ := range []string{"user.updated", "logout", "token.refreshed", "session.revoked"} {
		if audit.Critical(typ) {
			t.Errorf("%s should be buffered", typ)
		}
	}
}

func TestAppendAfterClose(t *testing.T) {
	l := audit.NewLog(&memEventStore{}, audit.Config{
		SpillPath: filepath.Join(t.TempDir(), "audit.spill"),
	})
	l.Close()
	if err := l.Append(context.Background(), audit.Event{Type: "user.updated"}); err == nil {
		t.Fatal("append after close succeeded")
	}
}
