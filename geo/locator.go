package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patrolkeeper/models"
)

// ErrPositionTimeout is returned when a position fix does not arrive in time.
var ErrPositionTimeout = errors.New("position request timed out")

// Locator supplies the device's current position. Implementations may fail
// with models.ErrPermissionDenied or ErrPositionTimeout.
type Locator interface {
	CurrentPosition(ctx context.Context) (models.Position, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context) (models.Position, error)

func (f LocatorFunc) CurrentPosition(ctx context.Context) (models.Position, error) {
	return f(ctx)
}

// StaticLocator always reports the same position.
type StaticLocator struct {
	Position models.Position
}

func (l StaticLocator) CurrentPosition(ctx context.Context) (models.Position, error) {
	if err := ctx.Err(); err != nil {
		return models.Position{}, err
	}
	return l.Position, nil
}

// DeniedLocator is used when the user refused location access.
type DeniedLocator struct{}

func (DeniedLocator) CurrentPosition(context.Context) (models.Position, error) {
	return models.Position{}, fmt.Errorf("geolocation: %w", models.ErrPermissionDenied)
}

// PositionWithin asks the locator for a fix bounded by timeout. A deadline
// hit inside the locator is reported as ErrPositionTimeout; cancellation of
// the parent context is passed through unchanged.
func PositionWithin(ctx context.Context, l Locator, timeout time.Duration) (models.Position, error) {
	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pos, err := l.CurrentPosition(fixCtx)
	if err != nil {
		if ctx.Err() != nil {
			return models.Position{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Position{}, ErrPositionTimeout
		}
		return models.Position{}, err
	}
	return pos, nil
}
