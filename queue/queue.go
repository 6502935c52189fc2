// Package queue is the durable FIFO of checkpoint reports awaiting delivery.
//
// The session appends, the sync coordinator reads the head and marks entries
// delivered. Report contents are never edited in place.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"patrolkeeper/models"
)

var (
	// ErrEmpty is returned by PeekOldestUndelivered when nothing is pending.
	ErrEmpty = errors.New("no undelivered reports")
	// ErrDuplicateReport is returned when a report id is enqueued twice.
	ErrDuplicateReport = errors.New("report already queued")
	// ErrEntryNotFound is returned for operations on unknown report ids.
	ErrEntryNotFound = errors.New("queue entry not found")
)

// Store is the persistence contract of the queue. Implementations must keep
// entries in insertion order, reject duplicate report ids, and make each
// method atomic.
type Store interface {
	Append(ctx context.Context, report models.CheckpointReport) (models.SyncQueueEntry, error)
	OldestUndelivered(ctx context.Context) (models.SyncQueueEntry, error)
	RecordAttempt(ctx context.Context, reportID string, at time.Time) (int, error)
	// MarkDelivered flips delivered once; marking a delivered entry again is a no-op.
	MarkDelivered(ctx context.Context, reportID string, at time.Time) error
	Pending(ctx context.Context) ([]models.SyncQueueEntry, error)
	PruneDelivered(ctx context.Context, before time.Time) (int, error)
}

// Queue wraps a Store and signals listeners when new work arrives.
type Queue struct {
	store Store
	now   func() time.Time

	mu        sync.Mutex
	listeners []chan struct{}
}

// New creates a queue on top of store.
func New(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Enqueue durably appends a report. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, report models.CheckpointReport) (models.SyncQueueEntry, error) {
	if report.ReportID == "" {
		return models.SyncQueueEntry{}, errors.New("report id is required")
	}
	entry, err := q.store.Append(ctx, report)
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("failed to enqueue report %s: %w", report.ReportID, err)
	}
	q.signal()
	return entry, nil
}

// PeekOldestUndelivered returns the head of the queue without removing it.
func (q *Queue) PeekOldestUndelivered(ctx context.Context) (models.SyncQueueEntry, error) {
	return q.store.OldestUndelivered(ctx)
}

// RecordAttempt bumps the attempt counter of an entry and returns the new value.
func (q *Queue) RecordAttempt(ctx context.Context, reportID string) (int, error) {
	return q.store.RecordAttempt(ctx, reportID, q.now())
}

// MarkDelivered records the server acknowledgement of a report.
func (q *Queue) MarkDelivered(ctx context.Context, reportID string) error {
	return q.store.MarkDelivered(ctx, reportID, q.now())
}

// ListPending returns undelivered entries in FIFO order. Read-only.
func (q *Queue) ListPending(ctx context.Context) ([]models.SyncQueueEntry, error) {
	return q.store.Pending(ctx)
}

// PendingCount is len(ListPending) for badge display.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	pending, err := q.store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Prune removes delivered entries acknowledged more than retention ago.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.PruneDelivered(ctx, q.now().Add(-retention))
}

// Notify returns a channel that receives a value after each Enqueue.
// Signals coalesce: a slow reader sees at most one pending value.
func (q *Queue) Notify() <-chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.listeners = append(q.listeners, ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
