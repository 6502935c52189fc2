// Package checkpoint implements the proof-of-presence rule for patrol
// checkpoints.
//
// A checkpoint with id N is labelled with the QR payload "SEC-N". A scanned
// payload matches checkpoint N iff, after trimming surrounding whitespace, it
// is exactly that string. There is no substring or fuzzy fallback: "SEC-12"
// does not match checkpoint 1 and "sec-1" does not match either.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"patrolkeeper/models"
)

// Prefix tags every checkpoint payload.
const Prefix = "SEC-"

// Encode returns the payload printed on the QR label of checkpoint id.
func Encode(id int) string {
	return Prefix + strconv.Itoa(id)
}

// Decode extracts the checkpoint id from a well-formed payload.
func Decode(payload string) (int, bool) {
	s := strings.TrimSpace(payload)
	if !strings.HasPrefix(s, Prefix) {
		return 0, false
	}
	digits := s[len(Prefix):]
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	// Reject "SEC-01" style payloads so that Encode(Decode(p)) == p.
	if Encode(id) != s {
		return 0, false
	}
	return id, true
}

// Matches reports whether payload is the proof of presence for checkpoint expectedID.
func Matches(expectedID int, payload string) bool {
	return strings.TrimSpace(payload) == Encode(expectedID)
}

// MismatchError describes a scan that did not match the expected checkpoint.
type MismatchError struct {
	ExpectedID      int
	ExpectedPayload string
	Received        string
	// ReceivedID is set when Received is a well-formed payload for another checkpoint.
	ReceivedID *int
}

func (e *MismatchError) Error() string {
	if e.ReceivedID != nil {
		return fmt.Sprintf("invalid code: expected %q (checkpoint %d), scanned checkpoint %d",
			e.ExpectedPayload, e.ExpectedID, *e.ReceivedID)
	}
	return fmt.Sprintf("invalid code: expected %q (checkpoint %d), got %q",
		e.ExpectedPayload, e.ExpectedID, e.Received)
}

func (e *MismatchError) Unwrap() error {
	return models.ErrValidationMismatch
}

// Validate returns nil when payload matches expectedID and a *MismatchError otherwise.
func Validate(expectedID int, payload string) error {
	if Matches(expectedID, payload) {
		return nil
	}
	mismatch := &MismatchError{
		ExpectedID:      expectedID,
		ExpectedPayload: Encode(expectedID),
		Received:        payload,
	}
	if id, ok := Decode(payload); ok {
		mismatch.ReceivedID = &id
	}
	return mismatch
}
