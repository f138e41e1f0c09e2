package main

import (
	"sync"
	"time"

	"github.com/dgraph-io/badger"
)

// LocationCache implements §4.E. Per-chair state lives in badger;
// correctness under concurrent coordinate reports for the SAME chair
// is provided by a per-chair in-process mutex (badger itself gives no
// per-key locking), mirroring the Rust original's per-entry RwLock.
type LocationCache struct {
	db *badger.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewLocationCache(db *badger.DB) *LocationCache {
	return &LocationCache{db: db, locks: make(map[string]*sync.Mutex)}
}

func (lc *LocationCache) lockFor(chairID string) *sync.Mutex {
	lc.locksMu.Lock()
	defer lc.locksMu.Unlock()
	m, ok := lc.locks[chairID]
	if !ok {
		m = &sync.Mutex{}
		lc.locks[chairID] = m
	}
	return m
}

// firedTransition is returned by Update when a movement target fired;
// the caller must act on it AFTER releasing any lock it holds, per the
// "state held across await points" discipline in §9.
type firedTransition struct {
	RideID     string
	NextStatus RideStatus
}

// Update records a new coordinate report for chairID, accumulating
// total distance and checking the movement target for arrival.
func (lc *LocationCache) Update(chairID string, coord Coordinate, at time.Time) (*firedTransition, error) {
	mu := lc.lockFor(chairID)
	mu.Lock()
	defer mu.Unlock()

	entry, found, err := getChairLocationEntry(lc.db, chairID)
	if err != nil {
		return nil, err
	}
	if found && entry.HasLocation {
		entry.TotalDistance += entry.LatestCoordinate.Distance(coord)
	} else {
		entry.TotalDistance = 0
	}
	entry.LatestCoordinate = coord
	entry.UpdatedAt = at
	entry.HasLocation = true

	var fired *firedTransition
	if entry.Movement != nil && entry.Movement.Coordinate == coord {
		fired = &firedTransition{RideID: entry.Movement.RideID, NextStatus: entry.Movement.NextStatus}
		entry.Movement = nil
	}

	if err := putChairLocationEntry(lc.db, chairID, entry); err != nil {
		return nil, err
	}
	return fired, nil
}

// SetMovement installs a pending movement target. Only one target may
// be pending at a time per chair (enforced by simply overwriting — the
// ride-status machine only ever calls this right after clearing the
// previous one via an arrival).
func (lc *LocationCache) SetMovement(chairID string, coord Coordinate, next RideStatus, rideID string) error {
	mu := lc.lockFor(chairID)
	mu.Lock()
	defer mu.Unlock()

	entry, _, err := getChairLocationEntry(lc.db, chairID)
	if err != nil {
		return err
	}
	entry.Movement = &movementTarget{Coordinate: coord, NextStatus: next, RideID: rideID}
	return putChairLocationEntry(lc.db, chairID, entry)
}

func (lc *LocationCache) ClearMovement(chairID string) error {
	mu := lc.lockFor(chairID)
	mu.Lock()
	defer mu.Unlock()

	entry, found, err := getChairLocationEntry(lc.db, chairID)
	if err != nil || !found {
		return err
	}
	entry.Movement = nil
	return putChairLocationEntry(lc.db, chairID, entry)
}

func (lc *LocationCache) Latest(chairID string) (Coordinate, bool) {
	entry, found, err := getChairLocationEntry(lc.db, chairID)
	if err != nil || !found || !entry.HasLocation {
		return Coordinate{}, false
	}
	return entry.LatestCoordinate, true
}

func (lc *LocationCache) TotalDistance(chairID string) (int, time.Time, bool) {
	entry, found, err := getChairLocationEntry(lc.db, chairID)
	if err != nil || !found {
		return 0, time.Time{}, false
	}
	return entry.TotalDistance, entry.UpdatedAt, true
}

// Reset points the cache at a fresh badger instance and drops the
// per-chair locks. It replays nothing itself: initialize follows it with
// replayLocations, which replays chair_locations (distance/latest coord)
// and then each ride's current status (movement targets).
func (lc *LocationCache) Reset(db *badger.DB) {
	lc.db = db
	lc.locksMu.Lock()
	lc.locks = make(map[string]*sync.Mutex)
	lc.locksMu.Unlock()
}
