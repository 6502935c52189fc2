package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"patrolkeeper/db"
	"patrolkeeper/middleware"
	"patrolkeeper/models"
	"patrolkeeper/routes"
)

type RouteHandler struct {
	db db.Store
}

func NewRouteHandler(store db.Store) *RouteHandler {
	return &RouteHandler{db: store}
}

// List returns every patrol route
func (h *RouteHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.db.ListRoutes(r.Context())
	if err != nil {
		log.Printf("❌ Failed to get routes: %v", err)
		writeError(w, "Failed to retrieve routes", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.PatrolRoute{}
	}

	writeJSON(w, http.StatusOK, list)
}

// Get returns one patrol route
func (h *RouteHandler) Get(w http.ResponseWriter, r *http.Request) {
	route, err := h.db.GetRoute(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, "Route not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("❌ Failed to get route: %v", err)
		writeError(w, "Failed to retrieve route", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, route)
}

// Put creates or replaces a patrol route
func (h *RouteHandler) Put(w http.ResponseWriter, r *http.Request) {
	var route models.PatrolRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := routes.Validate(route); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	for i := range route.Checkpoints {
		route.Checkpoints[i].Visited = false
	}

	if err := h.db.SaveRoute(r.Context(), &route); err != nil {
		log.Printf("❌ Failed to save route: %v", err)
		writeError(w, "Failed to save route", http.StatusInternalServerError)
		return
	}

	by := "unknown"
	if device, ok := middleware.GetDeviceFromContext(r.Context()); ok {
		by = device.DeviceID
	}
	log.Printf("✅ Route %s saved by %s (%d checkpoints, %.0f m)", route.ID, by, len(route.Checkpoints), routes.LengthMeters(route))

	writeJSON(w, http.StatusCreated, route)
}
