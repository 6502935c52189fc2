// Command guard is the device agent: it runs a patrol round from the
// terminal, queues reports locally and delivers them to the ingest API
// whenever the network allows.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"patrolkeeper/config"
	"patrolkeeper/connectivity"
	"patrolkeeper/geo"
	"patrolkeeper/models"
	"patrolkeeper/queue"
	"patrolkeeper/routes"
	"patrolkeeper/session"
	"patrolkeeper/store"
	"patrolkeeper/syncer"
)

var errQuit = errors.New("quit")

func main() {
	position := flag.String("position", "", "fixed device position as lat,lng")
	noLocation := flag.Bool("no-location", false, "simulate denied location permission")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.ValidateAgent(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	locator, err := parseLocator(*position, *noLocation)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, locator); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		log.Fatalf("❌ %v", err)
	}
	log.Println("👋 Agent stopped")
}

func run(ctx context.Context, cfg *config.Config, locator geo.Locator) error {
	db, err := store.Open(ctx, cfg.Agent.QueuePath)
	if err != nil {
		return err
	}
	defer db.Close()

	client := &http.Client{Timeout: cfg.Agent.AttemptTimeout}

	catalog, err := loadCatalog(ctx, cfg, client)
	if err != nil {
		return err
	}
	log.Printf("🗺️  %d patrol routes loaded", catalog.Len())

	monitor, err := connectivity.NewMonitor(ctx, db)
	if err != nil {
		return err
	}
	q := queue.New(db)
	if n, err := q.PendingCount(ctx); err == nil && n > 0 {
		log.Printf("📦 %d reports waiting from a previous run", n)
	}

	coord := syncer.NewCoordinator(q, syncer.NewHTTPSink(cfg.Agent.ServerURL, cfg.Agent.DeviceToken, client), monitor, syncer.Options{
		MaxAttempts:    cfg.Agent.MaxAttempts,
		BaseBackoff:    cfg.Agent.BaseBackoff,
		MaxBackoff:     cfg.Agent.MaxBackoff,
		AttemptTimeout: cfg.Agent.AttemptTimeout,
		Retention:      cfg.Agent.Retention,
	})

	sess := session.New(q, session.Options{
		GuardID:  cfg.Agent.GuardID,
		Locator:  locator,
		SpeedKmh: geo.WalkingSpeedKmh,
	})

	prober := &connectivity.Prober{
		URL:      strings.TrimRight(cfg.Agent.ServerURL, "/") + "/health",
		Client:   client,
		Interval: cfg.Agent.ProbeInterval,
	}

	a := &agent{catalog: catalog, session: sess, queue: q, monitor: monitor, coord: coord, out: os.Stdout}

	g, ctx := errgroup.WithContext(ctx)
	signals := make(chan bool)
	g.Go(func() error { return prober.Run(ctx, signals) })
	g.Go(func() error { return monitor.Watch(ctx, signals) })
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		err := repl(ctx, a)
		sess.Suspend()
		return err
	})
	return g.Wait()
}

func loadCatalog(ctx context.Context, cfg *config.Config, client *http.Client) (*routes.Catalog, error) {
	if cfg.Agent.RoutesFile != "" {
		return routes.LoadFile(cfg.Agent.RoutesFile)
	}
	catalog, err := routes.Fetch(ctx, client, cfg.Agent.ServerURL, cfg.Agent.DeviceToken)
	if err != nil {
		return nil, fmt.Errorf("failed to download routes (set AGENT_ROUTES_FILE to work offline): %w", err)
	}
	return catalog, nil
}

func repl(ctx context.Context, a *agent) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(a.out, `patrol agent ready, type "help"`)
	for {
		fmt.Fprint(a.out, "> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			quit, err := a.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(a.out, "error: %v\n", err)
			}
			if quit {
				return errQuit
			}
		}
	}
}

func parseLocator(position string, denied bool) (geo.Locator, error) {
	if denied {
		return geo.DeniedLocator{}, nil
	}
	if position == "" {
		return nil, nil
	}
	parts := strings.Split(position, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid position %q, expected lat,lng", position)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %w", err)
	}
	return geo.StaticLocator{Position: models.Position{Latitude: lat, Longitude: lng}}, nil
}
