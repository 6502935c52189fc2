// models.go
// Defines the core data structures shared by the patrol engine (device side) and the ingest API.

package models

import (
	"time"
)

// Position is a WGS84 coordinate pair.
type Position struct {
	Latitude  float64 `firestore:"latitude" json:"latitude"`
	Longitude float64 `firestore:"longitude" json:"longitude"`
}

// Checkpoint is a physical waypoint that requires a scan as proof of presence.
// Visited is only ever flipped by the patrol session.
type Checkpoint struct {
	ID          int     `firestore:"id" json:"id"` // unique within a route
	Latitude    float64 `firestore:"latitude" json:"latitude"`
	Longitude   float64 `firestore:"longitude" json:"longitude"`
	Title       string  `firestore:"title" json:"title"`
	Description string  `firestore:"description" json:"description"`
	Visited     bool    `firestore:"-" json:"visited"`
}

// Position returns the checkpoint's coordinates.
func (c Checkpoint) Position() Position {
	return Position{Latitude: c.Latitude, Longitude: c.Longitude}
}

// PatrolRoute is an ordered list of checkpoints: Checkpoints[0] is the start,
// the last element is the end.
type PatrolRoute struct {
	ID          string       `firestore:"id" json:"id"`
	Name        string       `firestore:"name" json:"name"`
	Description string       `firestore:"description" json:"description"`
	Geometry    []Position   `firestore:"geometry" json:"geometry"`
	Checkpoints []Checkpoint `firestore:"checkpoints" json:"checkpoints"`
}

// Clone returns a deep copy of the route with every Visited flag cleared.
func (r PatrolRoute) Clone() PatrolRoute {
	out := r
	out.Geometry = append([]Position(nil), r.Geometry...)
	out.Checkpoints = make([]Checkpoint, len(r.Checkpoints))
	for i, cp := range r.Checkpoints {
		cp.Visited = false
		out.Checkpoints[i] = cp
	}
	return out
}

// CheckpointIndex returns the position of the checkpoint with the given id, or -1.
func (r PatrolRoute) CheckpointIndex(id int) int {
	for i, cp := range r.Checkpoints {
		if cp.ID == id {
			return i
		}
	}
	return -1
}

// SessionStatus is the round status of a patrol session.
type SessionStatus string

const (
	StatusNotStarted SessionStatus = "NOT_STARTED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
)

// CheckpointReport is a guard-authored note tied to a checkpoint visit.
// It is immutable once created; only its delivery status changes.
type CheckpointReport struct {
	ReportID     string    `firestore:"report_id" json:"report_id"` // client-generated UUID
	RouteID      string    `firestore:"route_id" json:"route_id"`
	CheckpointID int       `firestore:"checkpoint_id" json:"checkpoint_id"`
	GuardID      string    `firestore:"guard_id" json:"guard_id,omitempty"`
	Text         string    `firestore:"text" json:"text"`
	PhotoRef     *string   `firestore:"photo_ref" json:"photo_ref"`
	Position     *Position `firestore:"position,omitempty" json:"position,omitempty"`
	Urgent       bool      `firestore:"urgent" json:"urgent"`
	CreatedAt    time.Time `firestore:"created_at" json:"created_at"` // client timestamp

	// Set by the ingest API
	ReceivedAt time.Time `firestore:"received_at" json:"received_at,omitempty"`
}

// SyncQueueEntry wraps a report with its delivery bookkeeping.
type SyncQueueEntry struct {
	Seq           int64            `json:"seq"` // insertion order
	Report        CheckpointReport `json:"report"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt *time.Time       `json:"last_attempt_at"`
	Delivered     bool             `json:"delivered"`
	DeliveredAt   *time.Time       `json:"delivered_at,omitempty"`
}

// SubmitReportResponse is the ingest API answer to a report submission.
type SubmitReportResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ReportID  string `json:"report_id"`
	Error     string `json:"error,omitempty"`
}

// ReportFilter narrows report listings on the ingest API.
type ReportFilter struct {
	RouteID string
	GuardID string
}

// AuditLog represents an audit log entry.
type AuditLog struct {
	LogID     string `firestore:"log_id" json:"log_id"`
	Timestamp string `firestore:"timestamp" json:"timestamp"`
	DeviceID  string `firestore:"device_id" json:"device_id"`
	Action    string `firestore:"action" json:"action"`
	Details   string `firestore:"details" json:"details"`
}
