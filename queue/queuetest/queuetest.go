// Package queuetest holds the behaviour every queue.Store implementation must share.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"patrolkeeper/models"
	"patrolkeeper/queue"
)

// NewReport builds a report for checkpoint on route "secteur-b".
func NewReport(checkpointID int) models.CheckpointReport {
	return models.CheckpointReport{
		ReportID:     uuid.NewString(),
		RouteID:      "secteur-b",
		CheckpointID: checkpointID,
		Text:         fmt.Sprintf("checkpoint %d ok", checkpointID),
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

// RunStoreContract exercises a fresh store returned by newStore.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) queue.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("fifo order", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 1; i <= 5; i++ {
			r := NewReport(i)
			ids = append(ids, r.ReportID)
			if _, err := s.Append(ctx, r); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		pending, err := s.Pending(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) != len(ids) {
			t.Fatalf("expected %d pending, got %d", len(ids), len(pending))
		}
		for i, e := range pending {
			if e.Report.ReportID != ids[i] {
				t.Fatalf("entry %d out of order: %s != %s", i, e.Report.ReportID, ids[i])
			}
			if i > 0 && e.Seq <= pending[i-1].Seq {
				t.Fatalf("sequence not increasing at %d", i)
			}
		}

		for _, id := range ids {
			head, err := s.OldestUndelivered(ctx)
			if err != nil {
				t.Fatalf("oldest: %v", err)
			}
			if head.Report.ReportID != id {
				t.Fatalf("head %s, want %s", head.Report.ReportID, id)
			}
			if err := s.MarkDelivered(ctx, id, time.Now()); err != nil {
				t.Fatalf("mark delivered: %v", err)
			}
		}
		if _, err := s.OldestUndelivered(ctx); !errors.Is(err, queue.ErrEmpty) {
			t.Fatalf("expected ErrEmpty, got %v", err)
		}
	})

	t.Run("report round trip", func(t *testing.T) {
		s := newStore(t)
		photo := "file:///photos/1.jpg"
		r := NewReport(2)
		r.PhotoRef = &photo
		r.Urgent = true
		r.Position = &models.Position{Latitude: 48.85, Longitude: 2.35}
		if _, err := s.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
		head, err := s.OldestUndelivered(ctx)
		if err != nil {
			t.Fatalf("oldest: %v", err)
		}
		got := head.Report
		if got.Text != r.Text || !got.Urgent || got.PhotoRef == nil || *got.PhotoRef != photo {
			t.Fatalf("report fields lost: %+v", got)
		}
		if got.Position == nil || got.Position.Latitude != 48.85 {
			t.Fatalf("position lost: %+v", got.Position)
		}
		if !got.CreatedAt.Equal(r.CreatedAt) {
			t.Fatalf("created_at changed: %v != %v", got.CreatedAt, r.CreatedAt)
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		s := newStore(t)
		r := NewReport(1)
		if _, err := s.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := s.Append(ctx, r); !errors.Is(err, queue.ErrDuplicateReport) {
			t.Fatalf("expected ErrDuplicateReport, got %v", err)
		}
	})

	t.Run("attempts increase", func(t *testing.T) {
		s := newStore(t)
		r := NewReport(1)
		s.Append(ctx, r)
		for want := 1; want <= 3; want++ {
			got, err := s.RecordAttempt(ctx, r.ReportID, time.Now())
			if err != nil {
				t.Fatalf("record attempt: %v", err)
			}
			if got != want {
				t.Fatalf("attempts %d, want %d", got, want)
			}
		}
		head, _ := s.OldestUndelivered(ctx)
		if head.Attempts != 3 || head.LastAttemptAt == nil {
			t.Fatalf("attempt bookkeeping not persisted: %+v", head)
		}
		if _, err := s.RecordAttempt(ctx, "missing", time.Now()); !errors.Is(err, queue.ErrEntryNotFound) {
			t.Fatalf("expected ErrEntryNotFound, got %v", err)
		}
	})

	t.Run("mark delivered idempotent", func(t *testing.T) {
		s := newStore(t)
		r := NewReport(1)
		s.Append(ctx, r)
		if err := s.MarkDelivered(ctx, r.ReportID, time.Now()); err != nil {
			t.Fatalf("first mark: %v", err)
		}
		if err := s.MarkDelivered(ctx, r.ReportID, time.Now()); err != nil {
			t.Fatalf("second mark: %v", err)
		}
		if err := s.MarkDelivered(ctx, "missing", time.Now()); !errors.Is(err, queue.ErrEntryNotFound) {
			t.Fatalf("expected ErrEntryNotFound, got %v", err)
		}
		pending, _ := s.Pending(ctx)
		if len(pending) != 0 {
			t.Fatalf("delivered entry still pending")
		}
	})

	t.Run("prune delivered only", func(t *testing.T) {
		s := newStore(t)
		delivered := NewReport(1)
		waiting := NewReport(2)
		s.Append(ctx, delivered)
		s.Append(ctx, waiting)
		s.MarkDelivered(ctx, delivered.ReportID, time.Now().Add(-time.Hour))

		n, err := s.PruneDelivered(ctx, time.Now())
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 pruned, got %d", n)
		}
		head, err := s.OldestUndelivered(ctx)
		if err != nil || head.Report.ReportID != waiting.ReportID {
			t.Fatalf("undelivered entry lost by prune: %v", err)
		}
	})
}
