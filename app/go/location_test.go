package main

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLocationCache(t *testing.T) *LocationCache {
	t.Helper()
	db, err := openBadger(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("openBadger() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLocationCache(db)
}

func TestLocationCacheAccumulatesDistance(t *testing.T) {
	lc := newTestLocationCache(t)
	now := time.Now()

	if _, err := lc.Update("c1", Coordinate{0, 0}, now); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := lc.Update("c1", Coordinate{10, 0}, now.Add(time.Second)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := lc.Update("c1", Coordinate{10, 5}, now.Add(2*time.Second)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	dist, _, ok := lc.TotalDistance("c1")
	if !ok {
		t.Fatalf("TotalDistance() ok = false")
	}
	if dist != 15 {
		t.Errorf("TotalDistance() = %d, want 15", dist)
	}

	coord, ok := lc.Latest("c1")
	if !ok || coord != (Coordinate{10, 5}) {
		t.Errorf("Latest() = %+v, %v, want {10 5}, true", coord, ok)
	}
}

func TestLocationCacheMovementFiresOnArrival(t *testing.T) {
	lc := newTestLocationCache(t)
	now := time.Now()

	if _, err := lc.Update("c1", Coordinate{0, 0}, now); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := lc.SetMovement("c1", Coordinate{5, 5}, RideStatusPickup, "ride1"); err != nil {
		t.Fatalf("SetMovement() error = %v", err)
	}

	fired, err := lc.Update("c1", Coordinate{3, 3}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if fired != nil {
		t.Fatalf("Update() at non-target coord fired = %+v, want nil", fired)
	}

	fired, err = lc.Update("c1", Coordinate{5, 5}, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if fired == nil {
		t.Fatalf("Update() at movement target fired = nil, want a transition")
	}
	if fired.RideID != "ride1" || fired.NextStatus != RideStatusPickup {
		t.Errorf("fired = %+v, want {ride1 PICKUP}", fired)
	}

	// The target is cleared once fired; reporting the same coordinate
	// again must not fire a second time.
	fired, err = lc.Update("c1", Coordinate{5, 5}, now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if fired != nil {
		t.Errorf("Update() after target cleared fired = %+v, want nil", fired)
	}
}

func TestLocationCacheFirstReportStartsAtZeroDistance(t *testing.T) {
	lc := newTestLocationCache(t)
	if _, err := lc.Update("c1", Coordinate{42, 7}, time.Now()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	dist, _, ok := lc.TotalDistance("c1")
	if !ok || dist != 0 {
		t.Errorf("TotalDistance() after first report = %d, %v, want 0, true", dist, ok)
	}
}
