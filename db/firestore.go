package db

import (
	"context"
	"fmt"
	"log"
	"sort"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"patrolkeeper/models"
)

const (
	reportsCollection = "reports"
	routesCollection  = "routes"
	auditCollection   = "audit_logs"
)

// FirestoreDB wraps the Firestore client
type FirestoreDB struct {
	client *firestore.Client
}

// NewFirestoreDB initializes a new Firestore client
func NewFirestoreDB(ctx context.Context, projectID, credentialsPath string) (*FirestoreDB, error) {
	opt := option.WithCredentialsFile(credentialsPath)

	config := &firebase.Config{ProjectID: projectID}
	app, err := firebase.NewApp(ctx, config, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firestore client: %w", err)
	}

	log.Printf("✅ Connected to Firestore project: %s", projectID)

	return &FirestoreDB{client: client}, nil
}

// Close closes the Firestore client
func (db *FirestoreDB) Close() error {
	return db.client.Close()
}

// --- Report Operations ---

// SaveReport creates the report document keyed by report_id inside a
// transaction, so a resubmitted report never overwrites the first copy.
func (db *FirestoreDB) SaveReport(ctx context.Context, report *models.CheckpointReport) (bool, error) {
	ref := db.client.Collection(reportsCollection).Doc(report.ReportID)
	created := false

	err := db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		snap, err := tx.Get(ref)
		if snap != nil && snap.Exists() {
			return nil
		}
		// a missing document comes back as NotFound with a non-existing snapshot
		if err != nil && snap == nil {
			return err
		}
		created = true
		return tx.Create(ref, report)
	})
	if err != nil {
		return false, fmt.Errorf("failed to save report: %w", err)
	}
	return created, nil
}

// ListReports retrieves reports matching the filter, oldest first.
func (db *FirestoreDB) ListReports(ctx context.Context, filter models.ReportFilter) ([]models.CheckpointReport, error) {
	query := db.client.Collection(reportsCollection).Query
	if filter.RouteID != "" {
		query = query.Where("route_id", "==", filter.RouteID)
	}
	if filter.GuardID != "" {
		query = query.Where("guard_id", "==", filter.GuardID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var reports []models.CheckpointReport
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate reports: %w", err)
		}

		var report models.CheckpointReport
		if err := doc.DataTo(&report); err != nil {
			log.Printf("Warning: failed to parse report %s: %v", doc.Ref.ID, err)
			continue
		}
		reports = append(reports, report)
	}

	sortReports(reports)
	return reports, nil
}

// --- Route Operations ---

// SaveRoute creates or replaces a route
func (db *FirestoreDB) SaveRoute(ctx context.Context, route *models.PatrolRoute) error {
	_, err := db.client.Collection(routesCollection).Doc(route.ID).Set(ctx, route)
	if err != nil {
		return fmt.Errorf("failed to save route: %w", err)
	}
	return nil
}

// GetRoute retrieves a route by ID
func (db *FirestoreDB) GetRoute(ctx context.Context, routeID string) (*models.PatrolRoute, error) {
	doc, err := db.client.Collection(routesCollection).Doc(routeID).Get(ctx)
	if doc != nil && !doc.Exists() {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}

	var route models.PatrolRoute
	if err := doc.DataTo(&route); err != nil {
		return nil, fmt.Errorf("failed to parse route: %w", err)
	}

	return &route, nil
}

// ListRoutes retrieves all routes sorted by ID
func (db *FirestoreDB) ListRoutes(ctx context.Context) ([]models.PatrolRoute, error) {
	iter := db.client.Collection(routesCollection).Documents(ctx)
	defer iter.Stop()

	var routes []models.PatrolRoute
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate routes: %w", err)
		}

		var route models.PatrolRoute
		if err := doc.DataTo(&route); err != nil {
			log.Printf("Warning: failed to parse route %s: %v", doc.Ref.ID, err)
			continue
		}
		routes = append(routes, route)
	}

	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

// --- Audit Operations ---

// CreateAuditLog appends an audit log entry
func (db *FirestoreDB) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	_, err := db.client.Collection(auditCollection).Doc(entry.LogID).Set(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}
