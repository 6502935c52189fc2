package queue

import (
	"context"
	"sync"
	"time"

	"patrolkeeper/models"
)

// MemoryStore is a non-durable Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries []models.SyncQueueEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, report models.CheckpointReport) (models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Report.ReportID == report.ReportID {
			return models.SyncQueueEntry{}, ErrDuplicateReport
		}
	}
	s.seq++
	entry := models.SyncQueueEntry{Seq: s.seq, Report: report}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *MemoryStore) OldestUndelivered(context.Context) (models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.Delivered {
			return e, nil
		}
	}
	return models.SyncQueueEntry{}, ErrEmpty
}

func (s *MemoryStore) RecordAttempt(_ context.Context, reportID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(reportID)
	if i < 0 {
		return 0, ErrEntryNotFound
	}
	if s.entries[i].Delivered {
		return s.entries[i].Attempts, nil
	}
	s.entries[i].Attempts++
	s.entries[i].LastAttemptAt = &at
	return s.entries[i].Attempts, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, reportID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(reportID)
	if i < 0 {
		return ErrEntryNotFound
	}
	if s.entries[i].Delivered {
		return nil
	}
	s.entries[i].Delivered = true
	s.entries[i].DeliveredAt = &at
	return nil
}

func (s *MemoryStore) Pending(context.Context) ([]models.SyncQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncQueueEntry
	for _, e := range s.entries {
		if !e.Delivered {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneDelivered(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.Delivered && e.DeliveredAt != nil && e.DeliveredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (s *MemoryStore) find(reportID string) int {
	for i, e := range s.entries {
		if e.Report.ReportID == reportID {
			return i
		}
	}
	return -1
}
