package models

import "testing"

func TestCloneClearsVisitedAndCopies(t *testing.T) {
	route := PatrolRoute{
		ID:       "secteur-b",
		Geometry: []Position{{Latitude: 1, Longitude: 2}},
		Checkpoints: []Checkpoint{
			{ID: 1, Visited: true},
			{ID: 2, Visited: false},
		},
	}

	clone := route.Clone()
	for _, cp := range clone.Checkpoints {
		if cp.Visited {
			t.Fatalf("checkpoint %d still visited after clone", cp.ID)
		}
	}

	clone.Checkpoints[1].Title = "changed"
	clone.Geometry[0].Latitude = 9
	if route.Checkpoints[1].Title != "" || route.Geometry[0].Latitude != 1 {
		t.Fatalf("clone shares backing arrays with original")
	}
	if !route.Checkpoints[0].Visited {
		t.Fatalf("original route mutated")
	}
}

func TestCheckpointIndex(t *testing.T) {
	route := PatrolRoute{Checkpoints: []Checkpoint{{ID: 10}, {ID: 20}, {ID: 30}}}
	if got := route.CheckpointIndex(20); got != 1 {
		t.Fatalf("expected index 1, got %d", got)
	}
	if got := route.CheckpointIndex(99); got != -1 {
		t.Fatalf("expected -1 for unknown id, got %d", got)
	}
}
