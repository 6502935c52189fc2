package models

import "errors"

// Error kinds shared across the engine. Callers match them with errors.Is;
// packages wrap them with more specific types (checkpoint.MismatchError,
// syncer.DeliveryError).
var (
	ErrValidationMismatch = errors.New("scanned code does not match the expected checkpoint")
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrBusy               = errors.New("another scan is being processed")
	ErrDeliveryFailure    = errors.New("report delivery failed")
	ErrPermissionDenied   = errors.New("permission denied")
)
