package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"patrolkeeper/models"
)

func TestHaversineKm(t *testing.T) {
	// Paris (48.8566, 2.3522) to Lyon (45.7640, 4.8357) ~ 390-395 km
	d := HaversineKm(48.8566, 2.3522, 45.7640, 4.8357)
	if d < 385 || d > 400 {
		t.Fatalf("unexpected distance: %v", d)
	}
	if HaversineKm(1, 1, 1, 1) != 0 {
		t.Fatalf("distance to self should be zero")
	}
}

func TestPathLengthMeters(t *testing.T) {
	a := models.Position{Latitude: 0, Longitude: 0}
	b := models.Position{Latitude: 0, Longitude: 0.01}
	c := models.Position{Latitude: 0, Longitude: 0.02}

	total := PathLengthMeters([]models.Position{a, b, c})
	direct := HaversineMeters(a, c)
	if diff := total - direct; diff > 0.01 || diff < -0.01 {
		t.Fatalf("collinear path length %v should equal direct distance %v", total, direct)
	}
	if PathLengthMeters([]models.Position{a}) != 0 {
		t.Fatalf("single point path should have zero length")
	}
}

func TestDurationAtSpeed(t *testing.T) {
	tests := []struct {
		name   string
		meters float64
		speed  float64
		want   time.Duration
	}{
		{"five km walking", 5000, 5, time.Hour},
		{"half km walking", 500, 5, 6 * time.Minute},
		{"zero speed", 1000, 0, 0},
		{"negative distance", -10, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DurationAtSpeed(tt.meters, tt.speed)
			if diff := got - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestETA(t *testing.T) {
	now := time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)
	from := models.Position{Latitude: 0, Longitude: 0}
	to := models.Position{Latitude: 0, Longitude: 0.01}

	eta := ETA(from, to, WalkingSpeedKmh, now)
	if !eta.After(now) {
		t.Fatalf("eta %v should be after now", eta)
	}
	if eta.Sub(now) > 15*time.Minute {
		t.Fatalf("eta for ~1.1km walk too large: %v", eta.Sub(now))
	}
}

func TestPositionWithinTimeout(t *testing.T) {
	slow := LocatorFunc(func(ctx context.Context) (models.Position, error) {
		<-ctx.Done()
		return models.Position{}, ctx.Err()
	})

	_, err := PositionWithin(context.Background(), slow, 10*time.Millisecond)
	if !errors.Is(err, ErrPositionTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPositionWithinParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PositionWithin(ctx, StaticLocator{}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDeniedLocator(t *testing.T) {
	_, err := PositionWithin(context.Background(), DeniedLocator{}, time.Second)
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}
