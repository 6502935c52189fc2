package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"patrolkeeper/auth"
	"patrolkeeper/db"
	"patrolkeeper/middleware"
	"patrolkeeper/models"
)

type fakeStore struct {
	mu       sync.Mutex
	reports  map[string]models.CheckpointReport
	routes   map[string]models.PatrolRoute
	audits   []models.AuditLog
	saveErr  error
	saveHits int
	onSave   func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reports: map[string]models.CheckpointReport{},
		routes: map[string]models.PatrolRoute{
			"route-b": {
				ID:   "route-b",
				Name: "Secteur B",
				Checkpoints: []models.Checkpoint{
					{ID: 1, Title: "Entrée"},
					{ID: 2, Title: "Parking"},
					{ID: 3, Title: "Quai"},
				},
			},
		},
	}
}

func (s *fakeStore) SaveReport(_ context.Context, report *models.CheckpointReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveHits++
	if s.onSave != nil {
		s.onSave()
	}
	if s.saveErr != nil {
		return false, s.saveErr
	}
	if _, ok := s.reports[report.ReportID]; ok {
		return false, nil
	}
	s.reports[report.ReportID] = *report
	return true, nil
}

func (s *fakeStore) ListReports(_ context.Context, filter models.ReportFilter) ([]models.CheckpointReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CheckpointReport
	for _, r := range s.reports {
		if filter.RouteID != "" && r.RouteID != filter.RouteID {
			continue
		}
		if filter.GuardID != "" && r.GuardID != filter.GuardID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) SaveRoute(_ context.Context, route *models.PatrolRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.ID] = *route
	return nil
}

func (s *fakeStore) GetRoute(_ context.Context, routeID string) (*models.PatrolRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[routeID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &route, nil
}

func (s *fakeStore) ListRoutes(context.Context) ([]models.PatrolRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PatrolRoute
	for _, r := range s.routes {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) CreateAuditLog(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func deviceRequest(method, target string, body any, claims *auth.Claims) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if claims != nil {
		req = req.WithContext(middleware.WithDevice(req.Context(), claims))
	}
	return req
}

func newReport(checkpointID int) models.CheckpointReport {
	return models.CheckpointReport{
		ReportID:     uuid.NewString(),
		RouteID:      "route-b",
		CheckpointID: checkpointID,
		Text:         "RAS",
		CreatedAt:    time.Now().UTC(),
	}
}

var guardDevice = &auth.Claims{DeviceID: "device-1", GuardID: "guard-1", Role: auth.RoleDevice}

func TestSubmitReport(t *testing.T) {
	store := newFakeStore()
	h := NewReportHandler(store, nil)
	report := newReport(2)

	rec := httptest.NewRecorder()
	h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", report, guardDevice))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp models.SubmitReportResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Accepted || resp.Duplicate || resp.ReportID != report.ReportID {
		t.Fatalf("unexpected response: %+v", resp)
	}

	stored := store.reports[report.ReportID]
	if stored.GuardID != "guard-1" {
		t.Fatalf("guard id should default to the device guard, got %q", stored.GuardID)
	}
	if stored.ReceivedAt.IsZero() {
		t.Fatalf("received_at not stamped")
	}
	if len(store.audits) != 1 || store.audits[0].DeviceID != "device-1" {
		t.Fatalf("expected one audit entry: %+v", store.audits)
	}

	// resubmission is acknowledged without a second copy
	rec = httptest.NewRecorder()
	h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", report, guardDevice))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", rec.Code)
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp.Accepted || !resp.Duplicate {
		t.Fatalf("duplicate should be accepted: %+v", resp)
	}
	if len(store.reports) != 1 || len(store.audits) != 1 {
		t.Fatalf("duplicate must not be stored or audited twice")
	}
}

func TestSubmitReportValidation(t *testing.T) {
	h := NewReportHandler(newFakeStore(), nil)

	badID := newReport(1)
	badID.ReportID = "42"
	unknownRoute := newReport(1)
	unknownRoute.RouteID = "route-z"
	offRoute := newReport(9)
	otherGuard := newReport(1)
	otherGuard.GuardID = "guard-2"
	noTime := newReport(1)
	noTime.CreatedAt = time.Time{}

	tests := []struct {
		name   string
		body   any
		claims *auth.Claims
		status int
	}{
		{"no device", newReport(1), nil, http.StatusUnauthorized},
		{"invalid body", "not json", guardDevice, http.StatusBadRequest},
		{"non uuid id", badID, guardDevice, http.StatusBadRequest},
		{"missing created_at", noTime, guardDevice, http.StatusBadRequest},
		{"unknown route", unknownRoute, guardDevice, http.StatusUnprocessableEntity},
		{"checkpoint off route", offRoute, guardDevice, http.StatusUnprocessableEntity},
		{"foreign guard", otherGuard, guardDevice, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", tt.body, tt.claims))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitReportIdempotencyKeyMismatch(t *testing.T) {
	h := NewReportHandler(newFakeStore(), nil)
	req := deviceRequest(http.MethodPost, "/api/reports", newReport(1), guardDevice)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	rec := httptest.NewRecorder()
	h.Submit(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitReportWithLedger(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := newFakeStore()
	h := NewReportHandler(store, db.NewReportLedger(client, time.Hour))
	report := newReport(3)
	report.Urgent = true

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", report, guardDevice))
		if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
			t.Fatalf("submit %d: %d", i, rec.Code)
		}
	}
	if store.saveHits != 1 {
		t.Fatalf("ledger should short-circuit the duplicate, store hit %d times", store.saveHits)
	}
}

func TestSubmitReportFailedSaveIsNotAcknowledgedLater(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := newFakeStore()
	h := NewReportHandler(store, db.NewReportLedger(client, time.Hour))
	report := newReport(1)

	// the device times out while the store is failing
	ctx, cancel := context.WithCancel(context.Background())
	store.saveErr = context.Canceled
	store.onSave = cancel
	req := deviceRequest(http.MethodPost, "/api/reports", report, guardDevice).WithContext(
		middleware.WithDevice(ctx, guardDevice))
	rec := httptest.NewRecorder()
	h.Submit(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	store.saveErr = nil
	store.onSave = nil
	rec = httptest.NewRecorder()
	h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", report, guardDevice))
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry after failure should be stored, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := store.reports[report.ReportID]; !ok {
		t.Fatalf("report acknowledged but not stored")
	}
}

func TestSubmitReportStoreDuplicateIsRemembered(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := newFakeStore()
	report := newReport(2)
	store.reports[report.ReportID] = report
	h := NewReportHandler(store, db.NewReportLedger(client, time.Hour))

	for i, want := range []int{http.StatusOK, http.StatusOK} {
		rec := httptest.NewRecorder()
		h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", report, guardDevice))
		if rec.Code != want {
			t.Fatalf("submit %d: expected %d, got %d", i, want, rec.Code)
		}
	}
	if store.saveHits != 1 {
		t.Fatalf("second duplicate should be answered from redis, store hit %d times", store.saveHits)
	}
}

func TestSubmitReportLedgerDown(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	s.Close()

	store := newFakeStore()
	h := NewReportHandler(store, db.NewReportLedger(client, time.Hour))
	rec := httptest.NewRecorder()
	h.Submit(rec, deviceRequest(http.MethodPost, "/api/reports", newReport(1), guardDevice))
	if rec.Code != http.StatusCreated {
		t.Fatalf("redis outage must not block ingest, got %d", rec.Code)
	}
}

func TestListAndExportReports(t *testing.T) {
	store := newFakeStore()
	h := NewReportHandler(store, nil)
	photo := "photos/1.jpg"

	first := newReport(1)
	first.GuardID = "guard-1"
	first.PhotoRef = &photo
	first.Position = &models.Position{Latitude: 48.8566, Longitude: 2.3522}
	second := newReport(2)
	second.GuardID = "guard-2"
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	second.Text = "porte, ouverte"
	store.reports[first.ReportID] = first
	store.reports[second.ReportID] = second

	supervisor := &auth.Claims{DeviceID: "console-1", Role: auth.RoleSupervisor}

	rec := httptest.NewRecorder()
	h.List(rec, deviceRequest(http.MethodGet, "/api/reports?guard_id=guard-2", nil, supervisor))
	var list ListReportsResponse
	json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 || list.Reports[0].ReportID != second.ReportID {
		t.Fatalf("unexpected filtered list: %+v", list)
	}

	rec = httptest.NewRecorder()
	h.Export(rec, deviceRequest(http.MethodGet, "/api/reports/export?route_id=route-b", nil, supervisor))
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("unexpected content type %q", ct)
	}
	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[1][0] != first.ReportID || rows[1][7] != "48.856600" || rows[1][9] != photo {
		t.Fatalf("unexpected first row: %v", rows[1])
	}
	if rows[2][10] != "porte, ouverte" {
		t.Fatalf("text with comma not preserved: %v", rows[2])
	}
}

func TestRoutes(t *testing.T) {
	store := newFakeStore()
	h := NewRouteHandler(store)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/routes", nil))
	var list []models.PatrolRoute
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("expected 1 route, got %d", len(list))
	}

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/routes/route-b", nil), map[string]string{"id": "route-b"})
	rec = httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/routes/nope", nil), map[string]string{"id": "nope"})
	rec = httptest.NewRecorder()
	h.Get(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	newRoute := models.PatrolRoute{
		ID:          "route-c",
		Name:        "Secteur C",
		Checkpoints: []models.Checkpoint{{ID: 1, Latitude: 48.85, Longitude: 2.35, Visited: true}, {ID: 2, Latitude: 48.86, Longitude: 2.35}},
	}
	rec = httptest.NewRecorder()
	h.Put(rec, deviceRequest(http.MethodPost, "/api/routes", newRoute, &auth.Claims{DeviceID: "console-1", Role: auth.RoleSupervisor}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.routes["route-c"].Checkpoints[0].Visited {
		t.Fatalf("visited flags must not be stored")
	}

	dup := newRoute
	dup.Checkpoints = []models.Checkpoint{{ID: 1}, {ID: 1}}
	rec = httptest.NewRecorder()
	h.Put(rec, deviceRequest(http.MethodPost, "/api/routes", dup, nil))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate checkpoint rejection, got %d %s", rec.Code, rec.Body.String())
	}
}
