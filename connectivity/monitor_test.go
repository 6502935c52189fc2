package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type failingStore struct {
	MemoryStateStore
	fail bool
}

func (s *failingStore) SaveSyncState(ctx context.Context, state SyncState) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStateStore.SaveSyncState(ctx, state)
}

func TestDisconnectRaisesPendingAndSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStateStore{}

	m, err := NewMonitor(ctx, store)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	m.Observe(ctx, true)
	if m.HasPendingSync() {
		t.Fatalf("pending should be false while online")
	}
	if err := m.Observe(ctx, false); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !m.HasPendingSync() {
		t.Fatalf("pending should be raised on disconnect")
	}

	// cold start
	restarted, err := NewMonitor(ctx, store)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !restarted.HasPendingSync() {
		t.Fatalf("pending flag lost across restart")
	}
	if restarted.Connected() {
		t.Fatalf("reachability should be unknown after restart")
	}
}

func TestStartingOfflineRaisesPending(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMonitor(ctx, &MemoryStateStore{})
	m.Observe(ctx, false)
	if !m.HasPendingSync() {
		t.Fatalf("first offline observation should raise pending")
	}
}

func TestReconnectDoesNotClearPending(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMonitor(ctx, &MemoryStateStore{})
	m.Observe(ctx, true)
	m.Observe(ctx, false)
	m.Observe(ctx, true)
	if !m.HasPendingSync() {
		t.Fatalf("only MarkSynced may clear pending")
	}

	at := time.Now()
	if err := m.MarkSynced(ctx, at); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if m.HasPendingSync() {
		t.Fatalf("pending should be cleared")
	}
	if last := m.LastSyncedAt(); last == nil || !last.Equal(at) {
		t.Fatalf("last synced not recorded: %v", last)
	}
}

func TestMarkSyncedKeepsPendingWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	m, _ := NewMonitor(ctx, store)
	m.Observe(ctx, false)

	store.fail = true
	if err := m.MarkSynced(ctx, time.Now()); err == nil {
		t.Fatalf("expected persistence error")
	}
	if !m.HasPendingSync() {
		t.Fatalf("pending cleared although not durable")
	}
}

func TestSubscribersSeeTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMonitor(ctx, &MemoryStateStore{})
	sub := m.Subscribe()

	for _, v := range []bool{true, true, false, false, true} {
		m.Observe(ctx, v)
	}

	var got []bool
	for len(sub) > 0 {
		got = append(got, (<-sub).Connected)
	}
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestWatchConsumesStream(t *testing.T) {
	ctx := context.Background()
	m, _ := NewMonitor(ctx, &MemoryStateStore{})
	signals := make(chan bool, 3)
	signals <- true
	signals <- false
	close(signals)

	if err := m.Watch(ctx, signals); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if m.Connected() || !m.HasPendingSync() {
		t.Fatalf("unexpected state after watch: connected=%v pending=%v", m.Connected(), m.HasPendingSync())
	}
}

func TestProberEmitsChangesOnly(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &Prober{URL: srv.URL, Client: srv.Client(), Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan bool)
	go p.Run(ctx, out)

	expect := func(want bool) {
		t.Helper()
		select {
		case got := <-out:
			if got != want {
				t.Fatalf("got %v want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	expect(true)
	healthy.Store(false)
	expect(false)
	healthy.Store(true)
	expect(true)
}
