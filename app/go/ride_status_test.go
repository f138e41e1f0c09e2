package main

import (
	"context"
	"database/sql/driver"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *commitBus) {
	t.Helper()
	db, mock := newMockDB(t)
	bus := newCommitBus()
	store := NewStore()

	badgerDB, err := openBadger(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatalf("openBadger() error = %v", err)
	}
	t.Cleanup(func() { badgerDB.Close() })
	location := NewLocationCache(badgerDB)
	notifications := NewNotificationHub()

	engine := NewEngine(db, store, location, notifications, bus)
	scheduler := NewMatchingScheduler(engine, time.Hour)
	engine.SetMatching(scheduler)

	return engine, mock, bus
}

func TestEngineCreateRideInsertsRideAndMatchingStatus(t *testing.T) {
	engine, mock, bus := newTestEngine(t)

	mock.ExpectExec("INSERT INTO rides").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ride_statuses").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ride := &Ride{
		ID: "ride1", UserID: "u1",
		PickupLatitude: 0, PickupLongitude: 0,
		DestinationLatitude: 10, DestinationLongitude: 10,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := engine.CreateRide(context.Background(), ride); err != nil {
		t.Fatalf("CreateRide() error = %v", err)
	}

	bus.broadcast()
	waitForExpectations(t, mock)

	status, ok := engine.LatestStatus(ride.ID)
	if !ok || status != RideStatusMatching {
		t.Errorf("LatestStatus() = %s, %v, want MATCHING, true", status, ok)
	}
	if _, ok := engine.store.rides.Get(ride.ID); !ok {
		t.Errorf("ride not present in store after CreateRide")
	}
}

func TestEngineAssignChairWritesChairIDOnce(t *testing.T) {
	engine, mock, bus := newTestEngine(t)

	mock.ExpectExec("INSERT INTO rides").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ride_statuses").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ride := &Ride{ID: "ride1", UserID: "u1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := engine.CreateRide(context.Background(), ride); err != nil {
		t.Fatalf("CreateRide() error = %v", err)
	}
	bus.broadcast()
	waitForExpectations(t, mock)

	chair := &Chair{ID: "c1", Model: "SitEase"}
	mock.ExpectExec("UPDATE rides SET chair_id").WithArgs("c1", sqlmockAnyTime{}, "ride1").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := engine.AssignChair(context.Background(), ride, chair); err != nil {
		t.Fatalf("AssignChair() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}

	if ride.ChairID == nil || *ride.ChairID != "c1" {
		t.Fatalf("ride.ChairID = %v, want c1", ride.ChairID)
	}

	if err := engine.AssignChair(context.Background(), ride, chair); statusOf(err) != http.StatusConflict {
		t.Fatalf("second AssignChair() error = %v, want conflict", err)
	}
}

func TestEngineAppendStatusEnrouteSetsMovementTarget(t *testing.T) {
	engine, mock, bus := newTestEngine(t)

	mock.ExpectExec("INSERT INTO rides").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ride_statuses").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ride := &Ride{
		ID: "ride1", UserID: "u1",
		PickupLatitude: 5, PickupLongitude: 5,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := engine.CreateRide(context.Background(), ride); err != nil {
		t.Fatalf("CreateRide() error = %v", err)
	}
	bus.broadcast()
	waitForExpectations(t, mock)

	chair := &Chair{ID: "c1", Model: "SitEase"}
	mock.ExpectExec("UPDATE rides SET chair_id").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := engine.AssignChair(context.Background(), ride, chair); err != nil {
		t.Fatalf("AssignChair() error = %v", err)
	}
	waitForExpectations(t, mock)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ride_statuses").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := engine.AppendStatus(context.Background(), ride, RideStatusEnroute); err != nil {
		t.Fatalf("AppendStatus(ENROUTE) error = %v", err)
	}
	bus.broadcast()
	waitForExpectations(t, mock)

	fired, err := engine.location.Update("c1", Coordinate{5, 5}, time.Now())
	if err != nil {
		t.Fatalf("location.Update() error = %v", err)
	}
	if fired == nil || fired.NextStatus != RideStatusPickup || fired.RideID != "ride1" {
		t.Fatalf("fired = %+v, want a PICKUP transition for ride1", fired)
	}
}

// sqlmockAnyTime satisfies sqlmock.Argument for columns whose exact
// value (time.Now() at call time) can't be predicted by the test.
type sqlmockAnyTime struct{}

func (sqlmockAnyTime) Match(v driver.Value) bool { return true }
