package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"patrolkeeper/models"
)

const (
	ReportsChannel = "patrol:reports"
	UrgentChannel  = "patrol:reports:urgent"

	ledgerKeyPrefix = "patrol:report:"
)

// ConnectRedis returns nil when no address is configured.
func ConnectRedis(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// ReportLedger caches the IDs of reports already stored so that retries
// are acknowledged without a store round trip, and fans new reports out to
// subscribers (supervisor dashboards). An ID is only recorded once the
// store holds the report, so a hit always means the report is durable.
type ReportLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReportLedger keeps report IDs for ttl.
func NewReportLedger(client *redis.Client, ttl time.Duration) *ReportLedger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ReportLedger{client: client, ttl: ttl}
}

// Seen reports whether reportID was recorded as stored.
func (l *ReportLedger) Seen(ctx context.Context, reportID string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKeyPrefix+reportID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up report %s: %w", reportID, err)
	}
	return n > 0, nil
}

// Remember records reportID after the store confirmed it.
func (l *ReportLedger) Remember(ctx context.Context, reportID string) error {
	if err := l.client.Set(ctx, ledgerKeyPrefix+reportID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record report %s: %w", reportID, err)
	}
	return nil
}

// Publish announces a newly ingested report. Urgent reports go to a
// second channel as well.
func (l *ReportLedger) Publish(ctx context.Context, report *models.CheckpointReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := l.client.Publish(ctx, ReportsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	if report.Urgent {
		if err := l.client.Publish(ctx, UrgentChannel, payload).Err(); err != nil {
			return fmt.Errorf("failed to publish urgent report: %w", err)
		}
	}
	return nil
}
