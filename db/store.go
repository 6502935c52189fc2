package db

import (
	"context"
	"errors"
	"sort"

	"patrolkeeper/models"
)

// ErrNotFound is returned when a route does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence used by the ingest API. FirestoreDB and
// PostgresDB implement it.
type Store interface {
	// SaveReport stores a report once. created is false when a report with
	// the same ReportID already exists; the stored copy is left untouched.
	SaveReport(ctx context.Context, report *models.CheckpointReport) (created bool, err error)
	ListReports(ctx context.Context, filter models.ReportFilter) ([]models.CheckpointReport, error)

	SaveRoute(ctx context.Context, route *models.PatrolRoute) error
	GetRoute(ctx context.Context, routeID string) (*models.PatrolRoute, error)
	ListRoutes(ctx context.Context) ([]models.PatrolRoute, error)

	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	Close() error
}

var (
	_ Store = (*FirestoreDB)(nil)
	_ Store = (*PostgresDB)(nil)
)

// sortReports orders reports by client timestamp, oldest first.
func sortReports(reports []models.CheckpointReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].ReportID < reports[j].ReportID
		}
		return reports[i].CreatedAt.Before(reports[j].CreatedAt)
	})
}
