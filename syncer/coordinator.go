package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"patrolkeeper/connectivity"
	"patrolkeeper/models"
	"patrolkeeper/queue"
)

// Sink is the remote side of report delivery. SubmitReport must be
// idempotent on ReportID because retries resubmit the same report.
type Sink interface {
	SubmitReport(ctx context.Context, report models.CheckpointReport) (accepted bool, err error)
}

// DeliveryError is a failed delivery of one report.
type DeliveryError struct {
	ReportID string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of report %s failed after %d attempts: %v", e.ReportID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{models.ErrDeliveryFailure, e.Err}
}

// Rejected is true when the server answered and refused the report, as
// opposed to being unreachable. Retrying does not help until the server's
// data changes.
func (e *DeliveryError) Rejected() bool {
	return errors.Is(e.Err, errRejected)
}

// errRejected is recorded when the sink answered but did not accept the report.
var errRejected = errors.New("report not accepted by server")

// State of the coordinator.
type State string

const (
	StateIdle     State = "IDLE"
	StateDraining State = "DRAINING"
)

// Options tunes retries.
type Options struct {
	// MaxAttempts is the retry budget per entry within one drain.
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	// Retention of delivered entries before they are pruned; zero prunes immediately.
	Retention time.Duration
}

// DefaultOptions mirrors the agent configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    5,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 15 * time.Second,
		Retention:      24 * time.Hour,
	}
}

// Result summarizes one drain.
type Result struct {
	Delivered int
	// Complete is true when the queue was empty at the end of the drain.
	Complete bool
	// Failure is set when the drain stopped on an entry that exhausted its retries.
	Failure *DeliveryError
	// Coalesced is set when the request was folded into a drain already
	// running; the other fields are then empty.
	Coalesced bool
}

// Coordinator drains the report queue in FIFO order.
type Coordinator struct {
	queue   *queue.Queue
	sink    Sink
	monitor *connectivity.Monitor
	opts    Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	trigger     chan struct{}
	transitions <-chan connectivity.Transition

	mu      sync.Mutex
	state   State
	rerun   bool
	last    Result
	lastErr error
}

// NewCoordinator wires the queue, the sink and the connectivity monitor.
func NewCoordinator(q *queue.Queue, sink Sink, monitor *connectivity.Monitor, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	c := &Coordinator{
		queue:   q,
		sink:    sink,
		monitor: monitor,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepContext,
		trigger: make(chan struct{}, 1),
		state:   StateIdle,
	}
	// subscribe now so transitions observed before Run starts are buffered
	if monitor != nil {
		c.transitions = monitor.Subscribe()
	}
	return c
}

// State returns Idle or Draining.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResult returns the outcome of the most recent drain.
func (c *Coordinator) LastResult() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.lastErr
}

// Trigger requests a drain from Run (manual "sync now").
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Backoff is the capped exponential delay before retry n (n >= 1).
func (c *Coordinator) Backoff(n int) time.Duration {
	d := c.opts.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	if d > c.opts.MaxBackoff {
		return c.opts.MaxBackoff
	}
	return d
}

// Drain delivers queued reports oldest first. A failing entry is retried
// with backoff; when its budget runs out the drain stops on it, leaving it
// and everything behind it queued. A drain requested while another runs is
// folded into the running one.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state == StateDraining {
		c.rerun = true
		c.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	c.state = StateDraining
	c.mu.Unlock()

	var total Result
	var err error
	for {
		var res Result
		res, err = c.drainOnce(ctx)
		total.Delivered += res.Delivered
		total.Complete = res.Complete
		total.Failure = res.Failure
		if (err != nil || res.Failure != nil) && c.monitor != nil {
			// reports are still queued; keep the flag up across restarts
			if perr := c.monitor.MarkPending(context.WithoutCancel(ctx)); perr != nil {
				log.Printf("❌ %v", perr)
			}
		}

		c.mu.Lock()
		again := c.rerun && err == nil && res.Failure == nil
		c.rerun = false
		if !again {
			c.state = StateIdle
			c.last, c.lastErr = total, err
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
	}
	return total, err
}

func (c *Coordinator) drainOnce(ctx context.Context) (Result, error) {
	var res Result
	hadPending := c.monitor != nil && c.monitor.HasPendingSync()

	for {
		entry, err := c.queue.PeekOldestUndelivered(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read queue head: %w", err)
		}

		if derr := c.deliver(ctx, entry); derr != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			var de *DeliveryError
			if errors.As(derr, &de) {
				res.Failure = de
				log.Printf("❌ Sync incomplete: %v", de)
				return res, nil
			}
			return res, derr
		}
		res.Delivered++
	}

	res.Complete = true
	if res.Delivered > 0 || hadPending {
		if c.monitor != nil {
			if err := c.monitor.MarkSynced(ctx, c.now()); err != nil {
				return res, err
			}
		}
		if n, err := c.queue.Prune(ctx, c.opts.Retention); err != nil {
			log.Printf("⚠️  Failed to prune delivered reports: %v", err)
		} else if n > 0 {
			log.Printf("🧹 Pruned %d delivered reports", n)
		}
		log.Printf("📤 Sync complete: %d reports delivered", res.Delivered)
	}
	return res, nil
}

// deliver retries one entry until it is acknowledged or the budget is spent.
func (c *Coordinator) deliver(ctx context.Context, entry models.SyncQueueEntry) error {
	id := entry.Report.ReportID
	attempts := entry.Attempts
	var lastErr error

	for try := 1; try <= c.opts.MaxAttempts; try++ {
		accepted, err := c.submit(ctx, entry.Report)
		if err == nil && accepted {
			if err := c.queue.MarkDelivered(ctx, id); err != nil {
				return fmt.Errorf("failed to mark report %s delivered: %w", id, err)
			}
			return nil
		}
		if err == nil {
			err = errRejected
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		n, rerr := c.queue.RecordAttempt(ctx, id)
		if rerr != nil {
			return fmt.Errorf("failed to record attempt for %s: %w", id, rerr)
		}
		attempts = n
		log.Printf("⚠️  Report %s attempt %d failed: %v", id, attempts, err)

		if try == c.opts.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.Backoff(try)); err != nil {
			return err
		}
	}
	return &DeliveryError{ReportID: id, Attempts: attempts, Err: lastErr}
}

// submit bounds one attempt by AttemptTimeout.
func (c *Coordinator) submit(ctx context.Context, report models.CheckpointReport) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	return c.sink.SubmitReport(attemptCtx, report)
}

// Run drains on manual triggers, on reconnection while a sync is pending,
// and on new reports while connected. Reports left from a previous run
// count as pending. It returns when ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	enqueued := c.queue.Notify()
	c.resume(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger:
			c.runDrain(ctx, "manual trigger")
		case tr := <-c.transitions:
			if tr.Connected && c.monitor.HasPendingSync() {
				c.runDrain(ctx, "connectivity restored")
			}
		case <-enqueued:
			if c.monitor == nil || c.monitor.Connected() {
				c.runDrain(ctx, "new report")
			} else if err := c.monitor.MarkPending(ctx); err != nil {
				log.Printf("❌ %v", err)
			}
		}
	}
}

// resume raises the pending flag when the queue is not empty and drains
// right away if the device is already online.
func (c *Coordinator) resume(ctx context.Context) {
	n, err := c.queue.PendingCount(ctx)
	if err != nil {
		log.Printf("❌ Failed to count queued reports: %v", err)
		return
	}
	if n == 0 {
		return
	}
	if c.monitor == nil {
		c.runDrain(ctx, "queued reports")
		return
	}
	if err := c.monitor.MarkPending(ctx); err != nil {
		log.Printf("❌ %v", err)
	}
	if c.monitor.Connected() {
		c.runDrain(ctx, "queued reports")
	}
}

func (c *Coordinator) runDrain(ctx context.Context, reason string) {
	log.Printf("🔄 Draining report queue (%s)", reason)
	if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
		log.Printf("❌ Drain failed: %v", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
