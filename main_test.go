package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"

	"patrolkeeper/auth"
	"patrolkeeper/db"
	"patrolkeeper/middleware"
	"patrolkeeper/models"
)

func TestRouter(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	jwtManager := auth.NewJWTManager("secret", time.Hour)
	router := newRouter(db.NewPostgresDB(mock), nil, jwtManager, middleware.NewRateLimiter(100, time.Minute))

	deviceToken, _ := jwtManager.GenerateDeviceToken("device-1", "guard-1")
	supervisorToken, _ := jwtManager.GenerateSupervisorToken("console-1")

	route, _ := json.Marshal(models.PatrolRoute{ID: "route-b", Checkpoints: []models.Checkpoint{{ID: 1}}})
	mock.ExpectQuery(`SELECT id, payload FROM patrol_routes ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "payload"}).AddRow("route-b", route))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
		{"reports need a token", http.MethodPost, "/api/reports", "", http.StatusUnauthorized},
		{"devices read routes", http.MethodGet, "/api/routes", deviceToken, http.StatusOK},
		{"devices cannot list reports", http.MethodGet, "/api/reports", deviceToken, http.StatusForbidden},
		{"devices cannot export", http.MethodGet, "/api/reports/export", deviceToken, http.StatusForbidden},
		{"devices cannot edit routes", http.MethodPost, "/api/routes", deviceToken, http.StatusForbidden},
		{"supervisor bad body", http.MethodPost, "/api/routes", supervisorToken, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
