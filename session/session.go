// Package session is the patrol-round state machine.
//
//	NotStarted --Start--> InProgress --last valid scan--> Completed
//	InProgress --Reset / Start(other route)--> NotStarted
//
// Exactly one scan may be processed at a time; overlapping scans fail with
// models.ErrBusy. Every Start or Reset opens a new generation, and work begun
// under an older generation (a slow position fix, a scan racing a route
// switch) is discarded instead of being applied.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"patrolkeeper/checkpoint"
	"patrolkeeper/geo"
	"patrolkeeper/models"
)

// ErrStaleScan is returned when a scan finishes after the round it belonged
// to was reset, switched or suspended.
var ErrStaleScan = fmt.Errorf("%w: scan belongs to an abandoned round", models.ErrInvalidState)

// Reporter receives the reports produced by the session. queue.Queue satisfies it.
type Reporter interface {
	Enqueue(ctx context.Context, report models.CheckpointReport) (models.SyncQueueEntry, error)
}

// Options configures a Session.
type Options struct {
	GuardID string
	// Locator is optional; without it reports carry no position.
	Locator         geo.Locator
	PositionTimeout time.Duration
	SpeedKmh        float64
	Now             func() time.Time
}

// Scan is one scan event from the QR layer plus the optional report the
// guard attached to it.
type Scan struct {
	Payload  string
	Text     string
	PhotoRef *string
	Urgent   bool
}

// ScanResult describes an accepted scan.
type ScanResult struct {
	Checkpoint  models.Checkpoint
	Report      models.CheckpointReport
	Status      models.SessionStatus
	ActiveIndex int
	Progress    float64
	// Degraded is set when the position could not be attached to the report.
	Degraded bool
}

// Snapshot is a read-only view of the session for presentation.
type Snapshot struct {
	Route        models.PatrolRoute
	Status       models.SessionStatus
	ActiveIndex  int
	VisitedCount int
	Progress     float64
	StartedAt    *time.Time
}

// Session holds the single live patrol round of a device.
type Session struct {
	reporter Reporter
	opts     Options

	scanning atomic.Bool

	mu          sync.Mutex
	route       models.PatrolRoute
	status      models.SessionStatus
	activeIndex int
	startedAt   *time.Time
	generation  uint64
	cancel      context.CancelFunc
}

// New creates a NotStarted session.
func New(reporter Reporter, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PositionTimeout <= 0 {
		opts.PositionTimeout = 10 * time.Second
	}
	if opts.SpeedKmh <= 0 {
		opts.SpeedKmh = geo.WalkingSpeedKmh
	}
	return &Session{
		reporter:    reporter,
		opts:        opts,
		status:      models.StatusNotStarted,
		activeIndex: -1,
	}
}

// Start begins a round on route. Starting the route that is already in
// progress is a no-op; starting a different one abandons the current round
// first. Reports already queued are never touched.
func (s *Session) Start(route models.PatrolRoute) error {
	if len(route.Checkpoints) == 0 {
		return fmt.Errorf("%w: route %s has no checkpoints", models.ErrInvalidState, route.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == models.StatusInProgress {
		if s.route.ID == route.ID {
			return nil
		}
		log.Printf("⚠️  Abandoning round on %s to start %s", s.route.ID, route.ID)
		s.resetLocked()
	}

	now := s.opts.Now()
	s.route = route.Clone()
	s.status = models.StatusInProgress
	s.activeIndex = 0
	s.startedAt = &now
	s.generation++
	log.Printf("🚶 Round started on %s (%d checkpoints)", route.ID, len(route.Checkpoints))
	return nil
}

// Reset abandons the round and returns to NotStarted.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.cancelInFlightLocked()
	for i := range s.route.Checkpoints {
		s.route.Checkpoints[i].Visited = false
	}
	s.status = models.StatusNotStarted
	s.activeIndex = -1
	s.startedAt = nil
	s.generation++
}

// Suspend cancels in-flight scan work (the patrol screen went to the
// background) without changing the round.
func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelInFlightLocked()
	s.generation++
}

func (s *Session) cancelInFlightLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// ValidateScan checks a scan against the active checkpoint. On a match the
// checkpoint is marked visited, one report is queued, and the round advances
// or completes. A mismatch returns a *checkpoint.MismatchError and changes
// nothing.
func (s *Session) ValidateScan(ctx context.Context, scan Scan) (ScanResult, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return ScanResult{}, models.ErrBusy
	}
	defer s.scanning.Store(false)

	s.mu.Lock()
	if s.status != models.StatusInProgress {
		status := s.status
		s.mu.Unlock()
		return ScanResult{}, fmt.Errorf("%w: cannot scan while %s", models.ErrInvalidState, status)
	}
	expected := s.route.Checkpoints[s.activeIndex]
	generation := s.generation
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := checkpoint.Validate(expected.ID, scan.Payload); err != nil {
		return ScanResult{}, err
	}

	pos, degraded, err := s.position(scanCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ScanResult{}, ctx.Err()
		}
		return ScanResult{}, ErrStaleScan
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return ScanResult{}, ErrStaleScan
	}
	s.cancel = nil

	report := s.newReport(expected.ID, scan.Text, scan.PhotoRef, scan.Urgent, pos)
	if _, err := s.reporter.Enqueue(ctx, report); err != nil {
		return ScanResult{}, fmt.Errorf("failed to queue report for checkpoint %d: %w", expected.ID, err)
	}

	s.route.Checkpoints[s.activeIndex].Visited = true
	if s.activeIndex == len(s.route.Checkpoints)-1 {
		s.status = models.StatusCompleted
		log.Printf("✅ Round completed on %s", s.route.ID)
	} else {
		s.activeIndex++
	}

	return ScanResult{
		Checkpoint:  s.route.Checkpoints[s.route.CheckpointIndex(expected.ID)],
		Report:      report,
		Status:      s.status,
		ActiveIndex: s.activeIndex,
		Progress:    s.progressLocked(),
		Degraded:    degraded,
	}, nil
}

// SubmitReport queues an explicit report for a checkpoint of the current
// route. It does not change the round.
func (s *Session) SubmitReport(ctx context.Context, checkpointID int, text string, photoRef *string, urgent bool) (models.CheckpointReport, error) {
	s.mu.Lock()
	if s.status == models.StatusNotStarted {
		s.mu.Unlock()
		return models.CheckpointReport{}, fmt.Errorf("%w: no round in progress", models.ErrInvalidState)
	}
	if s.route.CheckpointIndex(checkpointID) < 0 {
		s.mu.Unlock()
		return models.CheckpointReport{}, fmt.Errorf("%w: checkpoint %d is not on route %s", models.ErrInvalidState, checkpointID, s.route.ID)
	}
	generation := s.generation
	s.mu.Unlock()

	pos, _, err := s.position(ctx)
	if err != nil {
		return models.CheckpointReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return models.CheckpointReport{}, ErrStaleScan
	}
	report := s.newReport(checkpointID, text, photoRef, urgent, pos)
	if _, err := s.reporter.Enqueue(ctx, report); err != nil {
		return models.CheckpointReport{}, fmt.Errorf("failed to queue report: %w", err)
	}
	return report, nil
}

// position fetches a fix for a report. Permission and timeout failures put
// the round in degraded mode; only cancellation is returned as an error.
func (s *Session) position(ctx context.Context) (*models.Position, bool, error) {
	if s.opts.Locator == nil {
		return nil, false, nil
	}
	pos, err := geo.PositionWithin(ctx, s.opts.Locator, s.opts.PositionTimeout)
	if err == nil {
		return &pos, false, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil, false, err
	}
	if errors.Is(err, models.ErrPermissionDenied) {
		log.Printf("⚠️  Location unavailable, continuing without position: %v", err)
	} else {
		log.Printf("⚠️  Position fix failed: %v", err)
	}
	return nil, true, nil
}

func (s *Session) newReport(checkpointID int, text string, photoRef *string, urgent bool, pos *models.Position) models.CheckpointReport {
	var photo *string
	if photoRef != nil {
		p := *photoRef
		photo = &p
	}
	return models.CheckpointReport{
		ReportID:     uuid.NewString(),
		RouteID:      s.route.ID,
		CheckpointID: checkpointID,
		GuardID:      s.opts.GuardID,
		Text:         text,
		PhotoRef:     photo,
		Position:     pos,
		Urgent:       urgent,
		CreatedAt:    s.opts.Now().UTC(),
	}
}

// ProgressFraction is visited/total, in [0, 1]. It is 0 when no route is loaded.
func (s *Session) ProgressFraction() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() float64 {
	if len(s.route.Checkpoints) == 0 {
		return 0
	}
	return float64(s.visitedLocked()) / float64(len(s.route.Checkpoints))
}

func (s *Session) visitedLocked() int {
	n := 0
	for _, cp := range s.route.Checkpoints {
		if cp.Visited {
			n++
		}
	}
	return n
}

// Status returns the round status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ActiveIndex returns the index of the checkpoint to scan next, -1 when NotStarted.
func (s *Session) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIndex
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Route:        s.route,
		Status:       s.status,
		ActiveIndex:  s.activeIndex,
		VisitedCount: s.visitedLocked(),
		Progress:     s.progressLocked(),
	}
	snap.Route.Checkpoints = append([]models.Checkpoint(nil), s.route.Checkpoints...)
	snap.Route.Geometry = append([]models.Position(nil), s.route.Geometry...)
	if s.startedAt != nil {
		t := *s.startedAt
		snap.StartedAt = &t
	}
	return snap
}

// Approach is the distance and expected arrival at the active checkpoint.
type Approach struct {
	Checkpoint models.Checkpoint
	Meters     float64
	ETA        time.Time
}

// DistanceToActive measures from pos to the checkpoint that must be scanned next.
func (s *Session) DistanceToActive(pos models.Position) (Approach, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.StatusInProgress {
		return Approach{}, fmt.Errorf("%w: no active checkpoint", models.ErrInvalidState)
	}
	cp := s.route.Checkpoints[s.activeIndex]
	return Approach{
		Checkpoint: cp,
		Meters:     geo.HaversineMeters(pos, cp.Position()),
		ETA:        geo.ETA(pos, cp.Position(), s.opts.SpeedKmh, s.opts.Now()),
	}, nil
}
