package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"patrolkeeper/models"
)

// Querier represents the minimal database operations used by PostgresDB.
// Both *pgxpool.Pool and pgxmock pools satisfy this interface.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS patrol_routes (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS checkpoint_reports (
	report_id     UUID PRIMARY KEY,
	route_id      TEXT NOT NULL,
	checkpoint_id INTEGER NOT NULL,
	guard_id      TEXT NOT NULL DEFAULT '',
	text          TEXT NOT NULL DEFAULT '',
	photo_ref     TEXT,
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	urgent        BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL,
	received_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoint_reports_route_idx ON checkpoint_reports (route_id, created_at);
CREATE TABLE IF NOT EXISTS audit_logs (
	log_id    TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	device_id TEXT NOT NULL,
	action    TEXT NOT NULL,
	details   TEXT NOT NULL
);`

// PostgresDB stores reports and routes in PostgreSQL.
type PostgresDB struct {
	db    Querier
	close func()
}

// ConnectPostgres opens a pool, checks it and applies the schema.
func ConnectPostgres(ctx context.Context, url string) (*PostgresDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to postgres: %w", err)
	}

	pg := &PostgresDB{db: pool, close: pool.Close}
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Printf("✅ Connected to PostgreSQL")
	return pg, nil
}

// NewPostgresDB wraps an existing connection.
func NewPostgresDB(q Querier) *PostgresDB {
	return &PostgresDB{db: q}
}

// Migrate creates the tables if they are missing.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (p *PostgresDB) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// --- Report Operations ---

// SaveReport inserts the report unless its report_id is already stored.
func (p *PostgresDB) SaveReport(ctx context.Context, report *models.CheckpointReport) (bool, error) {
	var lat, lng *float64
	if report.Position != nil {
		lat, lng = &report.Position.Latitude, &report.Position.Longitude
	}

	tag, err := p.db.Exec(ctx, `
		INSERT INTO checkpoint_reports
			(report_id, route_id, checkpoint_id, guard_id, text, photo_ref, latitude, longitude, urgent, created_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (report_id) DO NOTHING
	`, report.ReportID, report.RouteID, report.CheckpointID, report.GuardID, report.Text,
		report.PhotoRef, lat, lng, report.Urgent, report.CreatedAt, report.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save report: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReports retrieves reports matching the filter, oldest first.
func (p *PostgresDB) ListReports(ctx context.Context, filter models.ReportFilter) ([]models.CheckpointReport, error) {
	var where []string
	var args []any
	if filter.RouteID != "" {
		args = append(args, filter.RouteID)
		where = append(where, fmt.Sprintf("route_id=$%d", len(args)))
	}
	if filter.GuardID != "" {
		args = append(args, filter.GuardID)
		where = append(where, fmt.Sprintf("guard_id=$%d", len(args)))
	}

	sql := `
		SELECT report_id::text, route_id, checkpoint_id, guard_id, text, COALESCE(photo_ref,''),
			latitude IS NOT NULL, COALESCE(latitude,0), COALESCE(longitude,0), urgent, created_at, received_at
		FROM checkpoint_reports`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at, report_id"

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.CheckpointReport
	for rows.Next() {
		var (
			r        models.CheckpointReport
			photo    string
			hasPos   bool
			lat, lng float64
		)
		if err := rows.Scan(&r.ReportID, &r.RouteID, &r.CheckpointID, &r.GuardID, &r.Text, &photo,
			&hasPos, &lat, &lng, &r.Urgent, &r.CreatedAt, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if photo != "" {
			r.PhotoRef = &photo
		}
		if hasPos {
			r.Position = &models.Position{Latitude: lat, Longitude: lng}
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return reports, nil
}

// --- Route Operations ---

// SaveRoute creates or replaces a route
func (p *PostgresDB) SaveRoute(ctx context.Context, route *models.PatrolRoute) error {
	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to encode route: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO patrol_routes (id, name, payload, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, payload=EXCLUDED.payload, updated_at=now()
	`, route.ID, route.Name, payload)
	if err != nil {
		return fmt.Errorf("failed to save route: %w", err)
	}
	return nil
}

// GetRoute retrieves a route by ID
func (p *PostgresDB) GetRoute(ctx context.Context, routeID string) (*models.PatrolRoute, error) {
	var payload []byte
	err := p.db.QueryRow(ctx, `SELECT payload FROM patrol_routes WHERE id=$1`, routeID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}

	var route models.PatrolRoute
	if err := json.Unmarshal(payload, &route); err != nil {
		return nil, fmt.Errorf("failed to parse route: %w", err)
	}
	return &route, nil
}

// ListRoutes retrieves all routes sorted by ID
func (p *PostgresDB) ListRoutes(ctx context.Context) ([]models.PatrolRoute, error) {
	rows, err := p.db.Query(ctx, `SELECT id, payload FROM patrol_routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []models.PatrolRoute
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		var route models.PatrolRoute
		if err := json.Unmarshal(payload, &route); err != nil {
			log.Printf("Warning: failed to parse route %s: %v", id, err)
			continue
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate routes: %w", err)
	}
	return routes, nil
}

// --- Audit Operations ---

// CreateAuditLog appends an audit log entry
func (p *PostgresDB) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO audit_logs (log_id, timestamp, device_id, action, details)
		VALUES ($1,$2,$3,$4,$5)
	`, entry.LogID, entry.Timestamp, entry.DeviceID, entry.Action, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}
