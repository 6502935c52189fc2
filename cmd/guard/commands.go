package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"patrolkeeper/checkpoint"
	"patrolkeeper/connectivity"
	"patrolkeeper/models"
	"patrolkeeper/queue"
	"patrolkeeper/routes"
	"patrolkeeper/session"
	"patrolkeeper/syncer"
)

const helpText = `commands:
  routes                       list patrol routes
  start <route-id>             start a round
  scan <payload> [note]        scan a checkpoint QR code
  report <checkpoint> <text>   queue a report
  urgent <checkpoint> <text>   queue an urgent report
  status                       round and sync status
  pending                      reports waiting for delivery
  sync                         deliver queued reports now
  reset                        abandon the round
  quit`

// agent executes operator commands against the engine.
type agent struct {
	catalog *routes.Catalog
	session *session.Session
	queue   *queue.Queue
	monitor *connectivity.Monitor
	coord   *syncer.Coordinator
	out     io.Writer
}

// exec runs one command line. quit is true when the operator asked to leave.
func (a *agent) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(a.out, helpText)
	case "routes":
		a.listRoutes()
	case "start":
		if len(args) != 1 {
			return false, errors.New("usage: start <route-id>")
		}
		return false, a.start(args[0])
	case "scan":
		if len(args) == 0 {
			return false, errors.New("usage: scan <payload> [note]")
		}
		return false, a.scan(ctx, args[0], strings.Join(args[1:], " "))
	case "report", "urgent":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: %s <checkpoint> <text>", cmd)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("invalid checkpoint id %q", args[0])
		}
		return false, a.report(ctx, id, strings.Join(args[1:], " "), cmd == "urgent")
	case "status":
		return false, a.status(ctx)
	case "pending":
		return false, a.pending(ctx)
	case "sync":
		a.sync()
	case "reset":
		a.session.Reset()
		fmt.Fprintln(a.out, "round abandoned")
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (a *agent) listRoutes() {
	for _, r := range a.catalog.List() {
		fmt.Fprintf(a.out, "%-20s %-28s %2d checkpoints  %5.0f m\n", r.ID, r.Name, len(r.Checkpoints), routes.LengthMeters(r))
	}
}

func (a *agent) start(routeID string) error {
	route, err := a.catalog.Get(routeID)
	if err != nil {
		return err
	}
	if err := a.session.Start(route); err != nil {
		return err
	}
	first := route.Checkpoints[0]
	fmt.Fprintf(a.out, "round started on %s, go to #%d %s\n", route.Name, first.ID, first.Title)
	return nil
}

func (a *agent) scan(ctx context.Context, payload, note string) error {
	res, err := a.session.ValidateScan(ctx, session.Scan{Payload: payload, Text: note})
	var mismatch *checkpoint.MismatchError
	if errors.As(err, &mismatch) {
		fmt.Fprintf(a.out, "wrong checkpoint: expected %s\n", mismatch.ExpectedPayload)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "✓ #%d %s (%.0f%%)\n", res.Checkpoint.ID, res.Checkpoint.Title, res.Progress*100)
	if res.Degraded {
		fmt.Fprintln(a.out, "  position unavailable, report saved without it")
	}
	if res.Status == models.StatusCompleted {
		fmt.Fprintln(a.out, "round completed")
		return nil
	}
	next := a.session.Snapshot()
	cp := next.Route.Checkpoints[next.ActiveIndex]
	fmt.Fprintf(a.out, "  next: #%d %s\n", cp.ID, cp.Title)
	return nil
}

func (a *agent) report(ctx context.Context, checkpointID int, text string, urgent bool) error {
	report, err := a.session.SubmitReport(ctx, checkpointID, text, nil, urgent)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "report %s queued\n", report.ReportID)
	return nil
}

func (a *agent) status(ctx context.Context) error {
	snap := a.session.Snapshot()
	fmt.Fprintf(a.out, "round:   %s", snap.Status)
	if snap.Status != models.StatusNotStarted {
		fmt.Fprintf(a.out, " on %s, %d/%d (%.0f%%)", snap.Route.ID, snap.VisitedCount, len(snap.Route.Checkpoints), snap.Progress*100)
	}
	fmt.Fprintln(a.out)
	if snap.Status == models.StatusInProgress {
		cp := snap.Route.Checkpoints[snap.ActiveIndex]
		fmt.Fprintf(a.out, "next:    #%d %s\n", cp.ID, cp.Title)
	}

	n, err := a.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	online := "offline"
	if a.monitor.Connected() {
		online = "online"
	}
	fmt.Fprintf(a.out, "network: %s, %d pending, sync needed: %t\n", online, n, a.monitor.HasPendingSync())
	if last := a.monitor.LastSyncedAt(); last != nil {
		fmt.Fprintf(a.out, "synced:  %s\n", last.Local().Format(time.DateTime))
	}
	if res, err := a.coord.LastResult(); err == nil && res.Failure != nil {
		if res.Failure.Rejected() {
			fmt.Fprintf(a.out, "last sync stopped, report refused by the server (retrying will not help until the routes match): %v\n", res.Failure)
		} else {
			fmt.Fprintf(a.out, "last sync stopped: %v\n", res.Failure)
		}
	}
	return nil
}

func (a *agent) pending(ctx context.Context) error {
	entries, err := a.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "nothing to deliver")
		return nil
	}
	for _, e := range entries {
		flag := " "
		if e.Report.Urgent {
			flag = "!"
		}
		fmt.Fprintf(a.out, "%s %s  %s #%d  attempts=%d  %q\n", flag, e.Report.ReportID, e.Report.RouteID, e.Report.CheckpointID, e.Attempts, e.Report.Text)
	}
	return nil
}

func (a *agent) sync() {
	if !a.monitor.Connected() {
		fmt.Fprintln(a.out, "offline, reports will be sent when the network returns")
		return
	}
	a.coord.Trigger()
	fmt.Fprintln(a.out, "sync requested")
}
