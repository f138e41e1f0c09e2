package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// ChairLocationRow is one row appended to the chair_locations table via
// the insert-only deferred writer.
type ChairLocationRow struct {
	ID        string    `db:"id"`
	ChairID   string    `db:"chair_id"`
	Latitude  int       `db:"latitude"`
	Longitude int       `db:"longitude"`
	CreatedAt time.Time `db:"created_at"`
}

type notifiedKind int

const (
	notifiedApp notifiedKind = iota
	notifiedChair
)

type rideStatusSentUpdate struct {
	StatusID string
	Kind     notifiedKind
	At       time.Time
}

type couponUseUpdate struct {
	UserID string
	Code   string
	RideID string
}

// rideRuntime is the per-ride lock + latest-status cell (§4.D, §5).
// Ride.ChairID itself also lives under this lock since the two fields
// are modified together ("assigned").
type rideRuntime struct {
	mu               sync.Mutex
	latestStatus     RideStatus
	matchingStatusID string
}

// Engine ties the ride-status machine (D) to the components it fans
// out to: deferred writers (C), location tracking (E), notification
// queues (F), and the matching scheduler's waiting/free lists (G).
type Engine struct {
	db *sqlx.DB

	store         *Store
	location      *LocationCache
	notifications *NotificationHub
	matching      *MatchingScheduler

	rideRuntimes *Index[string, *rideRuntime]

	rideStatusDeferred   *UpdatableDeferred[RideStatusRow, rideStatusSentUpdate]
	chairLocationDeferred *InsertOnlyDeferred[ChairLocationRow]
	couponDeferred        *UpdatableDeferred[Coupon, couponUseUpdate]
	paymentTokenDeferred  *InsertOnlyDeferred[PaymentToken]
}

func NewEngine(db *sqlx.DB, store *Store, location *LocationCache, notifications *NotificationHub, bus *commitBus) *Engine {
	e := &Engine{
		db:            db,
		store:         store,
		location:      location,
		notifications: notifications,
		rideRuntimes:  NewIndex[string, *rideRuntime](),
	}

	e.rideStatusDeferred = NewUpdatableDeferred[RideStatusRow, rideStatusSentUpdate](
		"ride_statuses", db, bus,
		func(r RideStatusRow) string { return r.ID },
		func(u rideStatusSentUpdate) string { return u.StatusID },
		func(row *RideStatusRow, u rideStatusSentUpdate) {
			at := u.At
			if u.Kind == notifiedApp {
				row.AppSentAt = &at
			} else {
				row.ChairSentAt = &at
			}
		},
		execInsertRideStatuses,
		execUpdateRideStatusSent,
	)

	e.chairLocationDeferred = NewInsertOnlyDeferred[ChairLocationRow]("chair_locations", db, bus, execInsertChairLocations)

	e.couponDeferred = NewUpdatableDeferred[Coupon, couponUseUpdate](
		"coupons", db, bus,
		func(c Coupon) string { return couponKey(c.UserID, c.Code) },
		func(u couponUseUpdate) string { return couponKey(u.UserID, u.Code) },
		func(row *Coupon, u couponUseUpdate) {
			rideID := u.RideID
			row.UsedBy = &rideID
		},
		execInsertCoupons,
		execUpdateCouponUsed,
	)

	e.paymentTokenDeferred = NewInsertOnlyDeferred[PaymentToken]("payment_tokens", db, bus, execUpsertPaymentTokens)

	return e
}

// SetMatching wires the scheduler after both have been constructed
// (Engine.AssignChair is called BY the scheduler, so the dependency
// only closes once both exist).
func (e *Engine) SetMatching(m *MatchingScheduler) { e.matching = m }

func (e *Engine) runtime(rideID string) *rideRuntime {
	rt, ok := e.rideRuntimes.Get(rideID)
	if !ok {
		rt = &rideRuntime{}
		e.rideRuntimes.Set(rideID, rt)
	}
	return rt
}

// CreateRide inserts the ride row synchronously (rides are not a
// deferred table — matching needs to see chair_id writes immediately
// and rides are low-volume compared to locations/statuses) and appends
// the initial MATCHING status.
func (e *Engine) CreateRide(ctx context.Context, ride *Ride) error {
	_, err := e.db.ExecContext(ctx, `INSERT INTO rides
		(id, user_id, pickup_latitude, pickup_longitude, destination_latitude, destination_longitude, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ride.ID, ride.UserID, ride.PickupLatitude, ride.PickupLongitude,
		ride.DestinationLatitude, ride.DestinationLongitude, ride.CreatedAt, ride.UpdatedAt)
	if err != nil {
		return errInternal(err)
	}
	e.store.rides.Set(ride.ID, ride)
	e.store.AppendRideToUser(ride.UserID, ride)
	return e.AppendStatus(ctx, ride, RideStatusMatching)
}

// AppendStatus implements §4.D's per-transition algorithm.
func (e *Engine) AppendStatus(ctx context.Context, ride *Ride, status RideStatus) error {
	rt := e.runtime(ride.ID)
	statusID := newID()
	now := time.Now()

	rt.mu.Lock()
	rt.latestStatus = status
	if status == RideStatusMatching {
		rt.matchingStatusID = statusID
	}
	rt.mu.Unlock()

	e.rideStatusDeferred.Insert(RideStatusRow{ID: statusID, RideID: ride.ID, Status: status, CreatedAt: now})

	userQ := e.notifications.UserQueue(ride.UserID)
	if userQ.Push(NotificationBody{RideID: ride.ID, RideStatusID: statusID, Status: status}) {
		e.rideStatusDeferred.Update(rideStatusSentUpdate{StatusID: statusID, Kind: notifiedApp, At: now})
	}

	if ride.ChairID != nil {
		chairQ := e.notifications.ChairQueue(*ride.ChairID)
		if chairQ.Push(NotificationBody{RideID: ride.ID, RideStatusID: statusID, Status: status}) {
			e.rideStatusDeferred.Update(rideStatusSentUpdate{StatusID: statusID, Kind: notifiedChair, At: now})
		}
	}

	switch status {
	case RideStatusEnroute:
		if err := e.location.SetMovement(*ride.ChairID, ride.Pickup(), RideStatusPickup, ride.ID); err != nil {
			return errInternal(err)
		}
	case RideStatusCarrying:
		if err := e.location.SetMovement(*ride.ChairID, ride.Destination(), RideStatusArrived, ride.ID); err != nil {
			return errInternal(err)
		}
	case RideStatusCompleted:
		if chair, ok := e.store.chairsByID.Get(*ride.ChairID); ok && chair.IsActive {
			e.matching.MarkChairFree(*ride.ChairID)
		}
	case RideStatusMatching:
		e.matching.EnqueueWaiting(ride)
	}

	return nil
}

// AssignChair implements the "assigned" half-transition: chair_id is
// written once, and the chair receives the MATCHING event without a
// new RideStatus row being appended.
func (e *Engine) AssignChair(ctx context.Context, ride *Ride, chair *Chair) error {
	rt := e.runtime(ride.ID)
	rt.mu.Lock()
	if ride.ChairID != nil {
		rt.mu.Unlock()
		return errConflict(fmt.Errorf("ride %s already has a chair", ride.ID))
	}
	id := chair.ID
	ride.ChairID = &id
	ride.UpdatedAt = time.Now()
	statusID := rt.matchingStatusID
	rt.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, `UPDATE rides SET chair_id = ?, updated_at = ? WHERE id = ?`,
		chair.ID, ride.UpdatedAt, ride.ID); err != nil {
		return errInternal(err)
	}
	e.store.AppendRideToChair(chair.ID, ride)

	chairQ := e.notifications.ChairQueue(chair.ID)
	if chairQ.Push(NotificationBody{RideID: ride.ID, RideStatusID: statusID, Status: RideStatusMatching}) {
		e.rideStatusDeferred.Update(rideStatusSentUpdate{StatusID: statusID, Kind: notifiedChair, At: time.Now()})
	}
	return nil
}

func (e *Engine) LatestStatus(rideID string) (RideStatus, bool) {
	rt, ok := e.rideRuntimes.Get(rideID)
	if !ok {
		return "", false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.latestStatus, true
}

// RecordLocation is the entry point for §4.E's location_update,
// invoking §4.D OUTSIDE the location entry lock when a movement
// target fires.
func (e *Engine) RecordLocation(ctx context.Context, chair *Chair, coord Coordinate) (time.Time, error) {
	now := time.Now()
	e.chairLocationDeferred.Insert(ChairLocationRow{ID: newID(), ChairID: chair.ID, Latitude: coord.Latitude, Longitude: coord.Longitude, CreatedAt: now})

	fired, err := e.location.Update(chair.ID, coord, now)
	if err != nil {
		return now, errInternal(err)
	}
	if fired != nil {
		ride, ok := e.store.rides.Get(fired.RideID)
		if ok {
			if err := e.AppendStatus(ctx, ride, fired.NextStatus); err != nil {
				return now, err
			}
		}
	}
	return now, nil
}

// --- SQL exec helpers (grounded on teacher's multi-row insert style /
// Rust's QueryBuilder push_values usage in repo/ride/status/deferred.rs) ---

func execInsertRideStatuses(ctx context.Context, tx *sqlx.Tx, rows []RideStatusRow) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO ride_statuses (id, ride_id, status, created_at, app_sent_at, chair_sent_at) VALUES ")
	args := make([]any, 0, len(rows)*6)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, r.ID, r.RideID, string(r.Status), r.CreatedAt, r.AppSentAt, r.ChairSentAt)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func execUpdateRideStatusSent(ctx context.Context, tx *sqlx.Tx, u rideStatusSentUpdate) error {
	col := "app_sent_at"
	if u.Kind == notifiedChair {
		col = "chair_sent_at"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE ride_statuses SET %s = ? WHERE id = ?", col), u.At, u.StatusID)
	return err
}

func execInsertChairLocations(ctx context.Context, tx *sqlx.Tx, rows []ChairLocationRow) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO chair_locations (id, chair_id, latitude, longitude, created_at) VALUES ")
	args := make([]any, 0, len(rows)*5)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, r.ID, r.ChairID, r.Latitude, r.Longitude, r.CreatedAt)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

func execInsertCoupons(ctx context.Context, tx *sqlx.Tx, rows []Coupon) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO coupons (user_id, code, discount, created_at, used_by) VALUES ")
	args := make([]any, 0, len(rows)*5)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, r.UserID, r.Code, r.Discount, r.CreatedAt, r.UsedBy)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// execUpdateCouponUsed uses the documented-correct binding order
// (ride, user, code) against (used_by, user_id, code) — see §9(a).
func execUpdateCouponUsed(ctx context.Context, tx *sqlx.Tx, u couponUseUpdate) error {
	_, err := tx.ExecContext(ctx, `UPDATE coupons SET used_by = ? WHERE user_id = ? AND code = ?`, u.RideID, u.UserID, u.Code)
	return err
}

func execUpsertPaymentTokens(ctx context.Context, tx *sqlx.Tx, rows []PaymentToken) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO payment_tokens (user_id, token, created_at) VALUES ")
	args := make([]any, 0, len(rows)*3)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, r.UserID, r.Token, r.CreatedAt)
	}
	sb.WriteString(" ON DUPLICATE KEY UPDATE token = VALUES(token), created_at = VALUES(created_at)")
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}
