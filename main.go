// main.go
// PatrolKeeper Ingest API
// Receives checkpoint reports from guard devices and serves the patrol route catalog

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"patrolkeeper/auth"
	"patrolkeeper/config"
	"patrolkeeper/db"
	"patrolkeeper/handlers"
	"patrolkeeper/middleware"
)

const version = "1.0.0"

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	log.Printf("🚀 Starting PatrolKeeper API Server")
	log.Printf("📍 Environment: %s", cfg.Server.Environment)
	log.Printf("🔧 Port: %s", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize %s store: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	var ledger *db.ReportLedger
	if client := db.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password); client != nil {
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️  Redis unavailable at %s, report ledger disabled: %v", cfg.Redis.Addr, err)
		} else {
			ledger = db.NewReportLedger(client, 7*24*time.Hour)
			log.Printf("✅ Report ledger on redis %s", cfg.Redis.Addr)
		}
	}

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiration)
	log.Printf("🔐 JWT Manager initialized (expiration: %v)", cfg.JWT.TokenExpiration)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	rateLimiter.CleanupOldLimiters(ctx)
	log.Printf("🛡️  Rate limiter initialized (%d requests per %v)", cfg.RateLimit.Requests, cfg.RateLimit.Window)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      newRouter(store, ledger, jwtManager, rateLimiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("✅ Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped gracefully")
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		return db.ConnectPostgres(ctx, cfg.Postgres.URL)
	default:
		return db.NewFirestoreDB(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath)
	}
}

func newRouter(store db.Store, ledger *db.ReportLedger, jwtManager *auth.JWTManager, rateLimiter *middleware.RateLimiter) http.Handler {
	reportHandler := handlers.NewReportHandler(store, ledger)
	routeHandler := handlers.NewRouteHandler(store)

	r := mux.NewRouter()

	// Public routes
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	// Protected routes: authenticate first so the limiter can key by device
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(jwtManager))
	api.Use(rateLimiter.Middleware())

	api.HandleFunc("/reports", reportHandler.Submit).Methods(http.MethodPost)
	api.HandleFunc("/routes", routeHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}", routeHandler.Get).Methods(http.MethodGet)

	// Supervisor endpoints
	supervisorOnly := middleware.RequireRole(auth.RoleSupervisor)
	api.Handle("/reports", supervisorOnly(http.HandlerFunc(reportHandler.List))).Methods(http.MethodGet)
	api.Handle("/reports/export", supervisorOnly(http.HandlerFunc(reportHandler.Export))).Methods(http.MethodGet)
	api.Handle("/routes", supervisorOnly(http.HandlerFunc(routeHandler.Put))).Methods(http.MethodPost)

	return r
}

// Health check endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":%d,"version":"%s"}`, time.Now().Unix(), version)
}
