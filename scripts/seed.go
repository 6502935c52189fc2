package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"patrolkeeper/auth"
	"patrolkeeper/checkpoint"
	"patrolkeeper/config"
	"patrolkeeper/db"
	"patrolkeeper/models"
	"patrolkeeper/routes"
)

func main() {
	deviceID := flag.String("device", "device-001", "device id for the generated token")
	guardID := flag.String("guard", "guard-001", "guard operating the device")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()
	var store db.Store
	var err error
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		store, err = db.ConnectPostgres(ctx, cfg.Postgres.URL)
	default:
		store, err = db.NewFirestoreDB(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsPath)
	}
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	log.Println("🌱 Starting database seeding...")

	if err := seedRoutes(ctx, store); err != nil {
		log.Fatalf("Failed to seed routes: %v", err)
	}

	if err := printTokens(cfg, *deviceID, *guardID); err != nil {
		log.Fatalf("Failed to generate tokens: %v", err)
	}

	log.Println("✅ Database seeding completed successfully!")
}

func demoRoutes() []models.PatrolRoute {
	return []models.PatrolRoute{
		{
			ID:          "secteur-b",
			Name:        "Secteur B",
			Description: "Ronde de nuit, entrepôt et quais",
			Checkpoints: []models.Checkpoint{
				{ID: 1, Latitude: 48.8566, Longitude: 2.3522, Title: "Entrée principale", Description: "Vérifier la barrière"},
				{ID: 2, Latitude: 48.8570, Longitude: 2.3530, Title: "Parking", Description: "Compter les véhicules"},
				{ID: 3, Latitude: 48.8575, Longitude: 2.3540, Title: "Quai de chargement", Description: "Portes fermées"},
				{ID: 4, Latitude: 48.8569, Longitude: 2.3549, Title: "Local technique", Description: "Témoin alarme"},
			},
		},
		{
			ID:          "secteur-b-court",
			Name:        "Secteur B (court)",
			Description: "Ronde rapide",
			Checkpoints: []models.Checkpoint{
				{ID: 1, Latitude: 48.8566, Longitude: 2.3522, Title: "Entrée principale"},
				{ID: 3, Latitude: 48.8575, Longitude: 2.3540, Title: "Quai de chargement"},
			},
		},
	}
}

func seedRoutes(ctx context.Context, store db.Store) error {
	for _, route := range demoRoutes() {
		if err := routes.Validate(route); err != nil {
			return err
		}
		if err := store.SaveRoute(ctx, &route); err != nil {
			return fmt.Errorf("failed to create route %s: %w", route.ID, err)
		}
		log.Printf("  ✓ Created route: %s (%d checkpoints, %.0f m)", route.Name, len(route.Checkpoints), routes.LengthMeters(route))
		for _, cp := range route.Checkpoints {
			log.Printf("      QR %-8s %s", checkpoint.Encode(cp.ID), cp.Title)
		}
	}
	return nil
}

func printTokens(cfg *config.Config, deviceID, guardID string) error {
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpiration)

	deviceToken, err := jwtManager.GenerateDeviceToken(deviceID, guardID)
	if err != nil {
		return err
	}
	supervisorToken, err := jwtManager.GenerateSupervisorToken("console-" + deviceID)
	if err != nil {
		return err
	}

	fmt.Println("\n📋 Tokens:")
	fmt.Printf("AGENT_DEVICE_TOKEN=%s\n", deviceToken)
	fmt.Printf("AGENT_GUARD_ID=%s\n", guardID)
	fmt.Printf("SUPERVISOR_TOKEN=%s\n", supervisorToken)
	return nil
}
