package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"patrolkeeper/models"
)

func TestReportLedgerSeenAndRemember(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ledger := NewReportLedger(client, time.Hour)
	ctx := context.Background()

	seen, err := ledger.Seen(ctx, "r-1")
	if err != nil || seen {
		t.Fatalf("unknown report: seen=%v err=%v", seen, err)
	}
	if err := ledger.Remember(ctx, "r-1"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	seen, err = ledger.Seen(ctx, "r-1")
	if err != nil || !seen {
		t.Fatalf("remembered report should be seen: %v %v", seen, err)
	}

	s.FastForward(2 * time.Hour)
	if seen, _ := ledger.Seen(ctx, "r-1"); seen {
		t.Fatalf("entry should expire")
	}
}

func TestReportLedgerPublish(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, ReportsChannel, UrgentChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ledger := NewReportLedger(client, 0)
	report := &models.CheckpointReport{ReportID: "r-2", RouteID: "route-b", CheckpointID: 3, Urgent: true}
	if err := ledger.Publish(ctx, report); err != nil {
		t.Fatalf("publish: %v", err)
	}

	channels := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Channel():
			var got models.CheckpointReport
			if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil || got.ReportID != "r-2" {
				t.Fatalf("unexpected payload %q", msg.Payload)
			}
			channels[msg.Channel] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	if !channels[ReportsChannel] || !channels[UrgentChannel] {
		t.Fatalf("urgent report should reach both channels: %v", channels)
	}
}

func TestReportLedgerUnavailable(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	s.Close()
	defer client.Close()

	ledger := NewReportLedger(client, time.Hour)
	if _, err := ledger.Seen(context.Background(), "r-3"); err == nil {
		t.Fatalf("expected error with redis down")
	}
	if err := ledger.Remember(context.Background(), "r-3"); err == nil {
		t.Fatalf("expected error with redis down")
	}
}

func TestConnectRedisDisabled(t *testing.T) {
	if ConnectRedis("", "") != nil {
		t.Fatalf("empty address should disable redis")
	}
}
