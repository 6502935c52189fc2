package connectivity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// SyncState is the persisted part of the monitor. PendingSync is the
// "last offline" flag: it survives restarts so that a cold start after an
// offline session still shows pending work.
type SyncState struct {
	PendingSync  bool       `json:"last_offline_flag"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// StateStore persists SyncState.
type StateStore interface {
	LoadSyncState(ctx context.Context) (SyncState, error)
	SaveSyncState(ctx context.Context, state SyncState) error
}

// Transition is a change in reachability.
type Transition struct {
	Connected bool
	At        time.Time
}

// Monitor turns a reachability stream into connection transitions and keeps
// the pending-sync flag.
type Monitor struct {
	store StateStore
	now   func() time.Time

	mu        sync.RWMutex
	observed  bool
	connected bool
	state     SyncState
	subs      []chan Transition
}

// NewMonitor restores the persisted state. Reachability is unknown until the
// first Observe.
func NewMonitor(ctx context.Context, store StateStore) (*Monitor, error) {
	state, err := store.LoadSyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &Monitor{store: store, now: time.Now, state: state}, nil
}

// Observe feeds one reachability sample. Repeated values are ignored. Going
// offline (or starting offline) raises the pending-sync flag before
// subscribers hear about it.
func (m *Monitor) Observe(ctx context.Context, connected bool) error {
	m.mu.Lock()
	if m.observed && m.connected == connected {
		m.mu.Unlock()
		return nil
	}
	m.observed = true
	m.connected = connected

	var persistErr error
	if !connected && !m.state.PendingSync {
		m.state.PendingSync = true
		persistErr = m.store.SaveSyncState(ctx, m.state)
	}
	tr := Transition{Connected: connected, At: m.now()}
	subs := append([]chan Transition(nil), m.subs...)
	m.mu.Unlock()

	if connected {
		log.Printf("📶 Connectivity restored")
	} else {
		log.Printf("📴 Connectivity lost, reports will be queued")
	}

	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
			log.Printf("⚠️  Dropping connectivity transition for a slow subscriber")
		}
	}

	if persistErr != nil {
		return fmt.Errorf("failed to persist offline flag: %w", persistErr)
	}
	return nil
}

// Watch consumes signals until the channel closes or ctx is done.
func (m *Monitor) Watch(ctx context.Context, signals <-chan bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case connected, ok := <-signals:
			if !ok {
				return nil
			}
			if err := m.Observe(ctx, connected); err != nil {
				log.Printf("❌ %v", err)
			}
		}
	}
}

// Subscribe returns a channel of future transitions.
func (m *Monitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Connected reports the last observed reachability (false before any sample).
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observed && m.connected
}

// HasPendingSync reports whether queued work may be older than the last sync.
func (m *Monitor) HasPendingSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.PendingSync
}

// LastSyncedAt is the time of the last complete drain, if any.
func (m *Monitor) LastSyncedAt() *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.LastSyncedAt == nil {
		return nil
	}
	t := *m.state.LastSyncedAt
	return &t
}

// MarkPending raises the pending-sync flag, e.g. when a report is queued while offline.
func (m *Monitor) MarkPending(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.PendingSync {
		return nil
	}
	m.state.PendingSync = true
	if err := m.store.SaveSyncState(ctx, m.state); err != nil {
		return fmt.Errorf("failed to persist pending flag: %w", err)
	}
	return nil
}

// MarkSynced clears the pending flag after a full drain. The flag is only
// cleared in memory once the new state is durable.
func (m *Monitor) MarkSynced(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := SyncState{PendingSync: false, LastSyncedAt: &at}
	if err := m.store.SaveSyncState(ctx, next); err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	m.state = next
	return nil
}

// MemoryStateStore keeps SyncState in memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	state SyncState
}

func (s *MemoryStateStore) LoadSyncState(context.Context) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemoryStateStore) SaveSyncState(_ context.Context, state SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}
