package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tealquilamos/wabot/internal/clock"
	"github.com/tealquilamos/wabot/internal/store"
)

type write struct {
	userID     string
	tokenCount int64
	threadID   string
}

type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]*store.Conversation
	writes   []write
	getErr   error
	writeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*store.Conversation)}
}

func (f *fakeStore) Get(_ context.Context, userID string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpdateActivity(_ context.Context, userID string, tokenCount int64, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, write{userID, tokenCount, threadID})
	f.rows[userID] = &store.Conversation{UserID: userID, TokenCount: tokenCount, ThreadID: threadID}
	return nil
}

func (f *fakeStore) SetDisplayName(_ context.Context, userID, name string) error { return nil }

func (f *fakeStore) Connected() bool { return true }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) writeLog() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func newTestCoalescer(st *fakeStore) (*Coalescer, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	return NewCoalescer(context.Background(), st, clk, 2*time.Minute, 250000), clk
}

func TestBurstCollapsesToOneWrite(t *testing.T) {
	st := newFakeStore()
	st.rows["u1"] = &store.Conversation{UserID: "u1", TokenCount: 1000}
	c, clk := newTestCoalescer(st)

	c.Record("u1", 300, "thread-a")
	clk.Advance(30 * time.Second)
	c.Record("u1", 200, "")
	clk.Advance(30 * time.Second)
	c.Record("u1", 100, "thread-b")

	if got := st.writeLog(); len(got) != 0 {
		t.Fatalf("wrote before the window closed: %+v", got)
	}

	// The window is fixed at 2 minutes from the FIRST record; the later
	// records must not have pushed it out.
	clk.Advance(time.Minute)
	writes := st.writeLog()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if writes[0].tokenCount != 1600 {
		t.Errorf("wrote total %d, want baseline 1000 + 600", writes[0].tokenCount)
	}
	if writes[0].threadID != "thread-b" {
		t.Errorf("threadID = %q, want the latest non-empty handle", writes[0].threadID)
	}
	if c.Pending() != 0 {
		t.Errorf("window still open after firing")
	}
}

func TestWindowsAreIndependentPerUser(t *testing.T) {
	st := newFakeStore()
	c, clk := newTestCoalescer(st)

	c.Record("u1", 100, "")
	clk.Advance(time.Minute)
	c.Record("u2", 50, "")

	clk.Advance(time.Minute)
	if writes := st.writeLog(); len(writes) != 1 || writes[0].userID != "u1" {
		t.Fatalf("first window wrong: %+v", writes)
	}
	clk.Advance(time.Minute)
	writes := st.writeLog()
	if len(writes) != 2 || writes[1].userID != "u2" {
		t.Fatalf("second window wrong: %+v", writes)
	}
}

func TestCancelDropsWindow(t *testing.T) {
	st := newFakeStore()
	c, clk := newTestCoalescer(st)

	c.Record("u1", 500, "")
	if !c.Cancel("u1") {
		t.Fatalf("Cancel found no window")
	}
	if c.Cancel("u1") {
		t.Errorf("second Cancel reported an open window")
	}

	clk.Advance(5 * time.Minute)
	if got := st.writeLog(); len(got) != 0 {
		t.Errorf("cancelled window still wrote: %+v", got)
	}
}

func TestFlushAllWritesEverything(t *testing.T) {
	st := newFakeStore()
	c, clk := newTestCoalescer(st)

	c.Record("u1", 100, "")
	c.Record("u2", 200, "")
	c.FlushAll()

	writes := st.writeLog()
	if len(writes) != 2 {
		t.Fatalf("FlushAll produced %d writes, want 2", len(writes))
	}
	if c.Pending() != 0 {
		t.Errorf("windows still open after FlushAll")
	}

	// Timers were stopped; nothing fires twice.
	clk.Advance(5 * time.Minute)
	if len(st.writeLog()) != 2 {
		t.Errorf("stopped window fired again")
	}
}

func TestBaselineReadFailureWritesDelta(t *testing.T) {
	st := newFakeStore()
	c, clk := newTestCoalescer(st)
	st.getErr = errors.New("db down")

	c.Record("u1", 250, "")
	clk.Advance(2 * time.Minute)

	writes := st.writeLog()
	if len(writes) != 1 || writes[0].tokenCount != 250 {
		t.Fatalf("expected delta-only write of 250, got %+v", writes)
	}
}

func TestNewWindowAfterFire(t *testing.T) {
	st := newFakeStore()
	c, clk := newTestCoalescer(st)

	c.Record("u1", 100, "")
	clk.Advance(2 * time.Minute)
	c.Record("u1", 50, "")
	clk.Advance(2 * time.Minute)

	writes := st.writeLog()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
	if writes[1].tokenCount != 150 {
		t.Errorf("second write = %d, want first total 100 + 50", writes[1].tokenCount)
	}
}
