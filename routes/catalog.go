package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"patrolkeeper/geo"
	"patrolkeeper/models"
)

var (
	ErrRouteNotFound = errors.New("route not found")
	ErrInvalidRoute  = errors.New("invalid route")
)

// Catalog holds the patrol routes available on the device. It is read-only
// for the engine; every Get hands out a fresh copy.
type Catalog struct {
	mu     sync.RWMutex
	routes map[string]models.PatrolRoute
}

// NewCatalog validates and indexes routes.
func NewCatalog(routes ...models.PatrolRoute) (*Catalog, error) {
	c := &Catalog{routes: make(map[string]models.PatrolRoute, len(routes))}
	for _, r := range routes {
		if err := c.Put(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Validate checks the structural invariants of a route.
func Validate(r models.PatrolRoute) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRoute)
	}
	if len(r.Checkpoints) == 0 {
		return fmt.Errorf("%w: route %s has no checkpoints", ErrInvalidRoute, r.ID)
	}
	seen := make(map[int]bool, len(r.Checkpoints))
	for _, cp := range r.Checkpoints {
		if seen[cp.ID] {
			return fmt.Errorf("%w: route %s has duplicate checkpoint %d", ErrInvalidRoute, r.ID, cp.ID)
		}
		seen[cp.ID] = true
	}
	return nil
}

// Put adds or replaces a route.
func (c *Catalog) Put(r models.PatrolRoute) error {
	if err := Validate(r); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the route with all checkpoints unvisited.
func (c *Catalog) Get(id string) (models.PatrolRoute, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	if !ok {
		return models.PatrolRoute{}, fmt.Errorf("%w: %s", ErrRouteNotFound, id)
	}
	return r.Clone(), nil
}

// List returns copies of all routes ordered by id.
func (c *Catalog) List() []models.PatrolRoute {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.PatrolRoute, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of routes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// LengthMeters is the walking length of a route: its geometry when present,
// otherwise the straight legs between consecutive checkpoints.
func LengthMeters(r models.PatrolRoute) float64 {
	if len(r.Geometry) > 1 {
		return geo.PathLengthMeters(r.Geometry)
	}
	path := make([]models.Position, len(r.Checkpoints))
	for i, cp := range r.Checkpoints {
		path[i] = cp.Position()
	}
	return geo.PathLengthMeters(path)
}

// LoadFile reads a JSON array of routes.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	var list []models.PatrolRoute
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	return NewCatalog(list...)
}

// Fetch loads the catalog from the ingest API (GET /api/routes).
func Fetch(ctx context.Context, client *http.Client, baseURL, token string) (*Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/routes", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch routes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch routes: server returned %s", resp.Status)
	}

	var list []models.PatrolRoute
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode routes: %w", err)
	}
	return NewCatalog(list...)
}
