package main

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "mysql"), mock
}

// waitForExpectations polls until mock's expectations are satisfied or the
// deadline passes, since the deferred writers flush on a background
// goroutine rather than synchronously with Insert/Update.
func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expectations not met: %v", mock.ExpectationsWereMet())
}

func TestInsertOnlyDeferredFlushesOnCommitSignal(t *testing.T) {
	db, mock := newMockDB(t)
	bus := newCommitBus()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chair_locations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d := NewInsertOnlyDeferred[ChairLocationRow]("chair_locations", db, bus, execInsertChairLocations)
	d.Insert(ChairLocationRow{ID: "loc1", ChairID: "c1", Latitude: 1, Longitude: 2, CreatedAt: time.Now()})

	bus.broadcast()
	waitForExpectations(t, mock)
}

func TestUpdatableDeferredCoalescesUpdateIntoPendingInsert(t *testing.T) {
	db, mock := newMockDB(t)
	bus := newCommitBus()

	// The update targets a row still sitting in the pending-insert batch,
	// so only one INSERT with used_by already populated is expected — no
	// separate UPDATE statement.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupons").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d := NewUpdatableDeferred[Coupon, couponUseUpdate](
		"coupons", db, bus,
		func(c Coupon) string { return couponKey(c.UserID, c.Code) },
		func(u couponUseUpdate) string { return couponKey(u.UserID, u.Code) },
		func(row *Coupon, u couponUseUpdate) { row.UsedBy = &u.RideID },
		execInsertCoupons,
		execUpdateCouponUsed,
	)

	d.Insert(Coupon{UserID: "u1", Code: "CP_NEW2024", Discount: 3000, CreatedAt: time.Now()})
	d.Update(couponUseUpdate{UserID: "u1", Code: "CP_NEW2024", RideID: "ride1"})

	bus.broadcast()
	waitForExpectations(t, mock)
}

func TestUpdatableDeferredUpdateAgainstAlreadyFlushedRowIsSeparateStatement(t *testing.T) {
	db, mock := newMockDB(t)
	bus := newCommitBus()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupons").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	d := NewUpdatableDeferred[Coupon, couponUseUpdate](
		"coupons", db, bus,
		func(c Coupon) string { return couponKey(c.UserID, c.Code) },
		func(u couponUseUpdate) string { return couponKey(u.UserID, u.Code) },
		func(row *Coupon, u couponUseUpdate) { row.UsedBy = &u.RideID },
		execInsertCoupons,
		execUpdateCouponUsed,
	)

	d.Insert(Coupon{UserID: "u1", Code: "CP_NEW2024", Discount: 3000, CreatedAt: time.Now()})
	bus.broadcast()
	waitForExpectations(t, mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE coupons SET used_by").WithArgs("ride1", "u1", "CP_NEW2024").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d.Update(couponUseUpdate{UserID: "u1", Code: "CP_NEW2024", RideID: "ride1"})
	bus.broadcast()
	waitForExpectations(t, mock)
}
