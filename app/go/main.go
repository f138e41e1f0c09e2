package main

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	isutools "github.com/mazrean/isucon-go-tools/v2"
	isudb "github.com/mazrean/isucon-go-tools/v2/db"
	isuhttp "github.com/mazrean/isucon-go-tools/v2/http"
)

var (
	db *sqlx.DB

	cfg               config
	store             *Store
	bus               *commitBus
	locationCache     *LocationCache
	notifications     *NotificationHub
	engine            *Engine
	matchingScheduler *MatchingScheduler
	payment           *PaymentClient
	auth              *authCaches
)

func main() {
	mux := setup()
	slog.Info("Listening on :8080")
	isuhttp.ListenAndServe(":8080", mux)
}

func setup() http.Handler {
	cfg = loadConfig()

	dbConfig := mysql.NewConfig()
	dbConfig.User = cfg.dbUser
	dbConfig.Passwd = cfg.dbPassword
	dbConfig.Addr = net.JoinHostPort(cfg.dbHost, cfg.dbPort)
	dbConfig.Net = "tcp"
	dbConfig.DBName = cfg.dbName
	dbConfig.ParseTime = true

	_db, err := isudb.DBMetricsSetup(sqlx.Connect)("mysql", dbConfig.FormatDSN())
	if err != nil {
		panic(err)
	}
	db = _db

	store = NewStore()
	bus = newCommitBus()

	badgerDB, err := openBadger(cfg.badgerDir)
	if err != nil {
		panic(err)
	}
	locationCache = NewLocationCache(badgerDB)
	notifications = NewNotificationHub()

	engine = NewEngine(db, store, locationCache, notifications, bus)
	matchingScheduler = NewMatchingScheduler(engine, cfg.matchingInterval)
	engine.SetMatching(matchingScheduler)

	payment = NewPaymentClient("", cfg.concurrency)

	auth, err = newAuthCaches(store)
	if err != nil {
		panic(err)
	}

	// MySQL is the durable source of truth; reload the in-memory Store
	// and replay chair_locations into the freshly opened (empty) badger
	// cache so a bare process restart (one that never goes through
	// /api/initialize) still comes back with the same in-memory state.
	ctx := context.Background()
	if err := reloadStore(ctx); err != nil {
		panic(err)
	}
	if err := replayLocations(ctx); err != nil {
		panic(err)
	}
	reseedMatching()

	go matchingScheduler.Run(context.Background())

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.HandleFunc("POST /api/initialize", postInitialize)

	// app handlers
	{
		mux.HandleFunc("POST /api/app/users", appPostUsers)

		authedMux := mux.With(auth.appAuthMiddleware)
		authedMux.HandleFunc("POST /api/app/payment-methods", appPostPaymentMethods)
		authedMux.HandleFunc("GET /api/app/rides", appGetRides)
		authedMux.HandleFunc("POST /api/app/rides", appPostRides)
		authedMux.HandleFunc("POST /api/app/rides/estimated-fare", appPostRidesEstimatedFare)
		authedMux.HandleFunc("POST /api/app/rides/{ride_id}/evaluation", appPostRideEvaluatation)
		authedMux.HandleFunc("GET /api/app/notification", appGetNotification)
		authedMux.HandleFunc("GET /api/app/nearby-chairs", appGetNearbyChairs)
	}

	// owner handlers
	{
		mux.HandleFunc("POST /api/owner/owners", ownerPostOwners)

		authedMux := mux.With(auth.ownerAuthMiddleware)
		authedMux.HandleFunc("GET /api/owner/sales", ownerGetSales)
		authedMux.HandleFunc("GET /api/owner/chairs", ownerGetChairs)
	}

	// chair handlers
	{
		mux.HandleFunc("POST /api/chair/chairs", chairPostChairs)

		authedMux := mux.With(auth.chairAuthMiddleware)
		authedMux.HandleFunc("POST /api/chair/activity", chairPostActivity)
		authedMux.HandleFunc("POST /api/chair/coordinate", chairPostCoordinate)
		authedMux.HandleFunc("GET /api/chair/notification", chairGetNotification)
		authedMux.HandleFunc("POST /api/chair/rides/{ride_id}/status", chairPostRideStatus)
	}

	return mux
}

type postInitializeRequest struct {
	PaymentServer string `json:"payment_server"`
}

type postInitializeResponse struct {
	Language string `json:"language"`
}

// postInitialize resets every in-process component to match a freshly
// reseeded database: the deferred writers are signalled to flush via
// bus.broadcast before the reseed script runs, then the Store, LocationCache and NotificationHub are rebuilt from
// scratch and reloaded, mirroring the teacher's direct-cache-rebuild
// block but routed through the new components instead of package globals.
func postInitialize(w http.ResponseWriter, r *http.Request) {
	isutools.BeforeInitialize()
	defer isutools.AfterInitialize()

	ctx := r.Context()
	req := &postInitializeRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	bus.broadcast()

	if out, err := exec.Command("../sql/init.sh").CombinedOutput(); err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("failed to initialize: %s: %w", string(out), err))
		return
	}

	if _, err := db.ExecContext(ctx, "UPDATE settings SET value = ? WHERE name = 'payment_gateway_url'", req.PaymentServer); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	payment.baseURL = req.PaymentServer

	if err := reloadStore(ctx); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	badgerDB, err := openBadger(cfg.badgerDir)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	locationCache.Reset(badgerDB)
	if err := replayLocations(ctx); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	notifications.Reset()
	matchingScheduler.Reset()
	reseedMatching()

	writeJSON(w, http.StatusOK, postInitializeResponse{Language: "go"})
}

// reloadStore rebuilds every Store index from the database, in
// dependency order (users/owners/chairs before the coupons and rides
// that reference them).
func reloadStore(ctx context.Context) error {
	fresh := NewStore()

	var users []*User
	if err := db.SelectContext(ctx, &users, "SELECT * FROM users"); err != nil {
		return err
	}
	for _, u := range users {
		fresh.AddUser(u)
	}

	var owners []*Owner
	if err := db.SelectContext(ctx, &owners, "SELECT * FROM owners"); err != nil {
		return err
	}
	for _, o := range owners {
		fresh.AddOwner(o)
	}

	var chairs []*Chair
	if err := db.SelectContext(ctx, &chairs, "SELECT * FROM chairs"); err != nil {
		return err
	}
	for _, c := range chairs {
		fresh.AddChair(c)
	}

	var coupons []*Coupon
	if err := db.SelectContext(ctx, &coupons, "SELECT * FROM coupons ORDER BY created_at"); err != nil {
		return err
	}
	for _, c := range coupons {
		fresh.AddCoupon(c)
		if c.UsedBy != nil {
			fresh.couponsByUsedBy.Set(*c.UsedBy, c)
		}
	}

	var paymentTokens []*PaymentToken
	if err := db.SelectContext(ctx, &paymentTokens, "SELECT * FROM payment_tokens"); err != nil {
		return err
	}
	for _, t := range paymentTokens {
		fresh.paymentTokens.Set(t.UserID, t)
	}

	var rides []*Ride
	if err := db.SelectContext(ctx, &rides, "SELECT * FROM rides ORDER BY created_at"); err != nil {
		return err
	}
	for _, ride := range rides {
		fresh.rides.Set(ride.ID, ride)
		fresh.AppendRideToUser(ride.UserID, ride)
		if ride.ChairID != nil {
			fresh.AppendRideToChair(*ride.ChairID, ride)
		}
	}

	*store = *fresh

	engine.rideRuntimes = NewIndex[string, *rideRuntime]()
	var statuses []*RideStatusRow
	if err := db.SelectContext(ctx, &statuses, "SELECT * FROM ride_statuses ORDER BY created_at"); err != nil {
		return err
	}
	for _, st := range statuses {
		rt := engine.runtime(st.RideID)
		rt.mu.Lock()
		rt.latestStatus = st.Status
		if st.Status == RideStatusMatching {
			rt.matchingStatusID = st.ID
		}
		rt.mu.Unlock()
	}

	return nil
}

// replayLocations replays chair_locations into the fresh badger-backed
// LocationCache (distance accumulation, latest coordinate) and then
// rebuilds each ride's pending movement target from its current status,
// exactly in the order the ride-status machine would have set them.
func replayLocations(ctx context.Context) error {
	var rows []ChairLocationRow
	if err := db.SelectContext(ctx, &rows, "SELECT * FROM chair_locations ORDER BY created_at"); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := locationCache.Update(row.ChairID, Coordinate{Latitude: row.Latitude, Longitude: row.Longitude}, row.CreatedAt); err != nil {
			return err
		}
	}

	for _, ride := range store.rides.Values() {
		if ride.ChairID == nil {
			continue
		}
		status, ok := engine.LatestStatus(ride.ID)
		if !ok {
			continue
		}
		switch status {
		case RideStatusEnroute:
			if err := locationCache.SetMovement(*ride.ChairID, ride.Pickup(), RideStatusPickup, ride.ID); err != nil {
				return err
			}
		case RideStatusCarrying:
			if err := locationCache.SetMovement(*ride.ChairID, ride.Destination(), RideStatusArrived, ride.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// reseedMatching re-populates the scheduler's waiting/free lists from
// the reloaded Store: every still-open, unassigned MATCHING ride (oldest
// first), and every active chair not currently carrying an unfinished ride.
func reseedMatching() {
	var waiting []*Ride
	for _, ride := range store.rides.Values() {
		status, ok := engine.LatestStatus(ride.ID)
		if ok && status == RideStatusMatching && ride.ChairID == nil {
			waiting = append(waiting, ride)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].CreatedAt.Before(waiting[j].CreatedAt) })
	for _, ride := range waiting {
		matchingScheduler.EnqueueWaiting(ride)
	}

	busy := make(map[string]bool)
	for _, ride := range store.rides.Values() {
		if ride.ChairID == nil {
			continue
		}
		status, ok := engine.LatestStatus(ride.ID)
		if ok && !status.terminal() {
			busy[*ride.ChairID] = true
		}
	}
	for _, chair := range store.chairsByID.Values() {
		if chair.IsActive && !busy[chair.ID] {
			matchingScheduler.MarkChairFree(chair.ID)
		}
	}
}

func bindJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	buf, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(statusCode)
	w.Write(buf)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(statusCode)
	buf, marshalError := json.Marshal(map[string]string{"message": err.Error()})
	if marshalError != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"marshaling error failed"}`))
		return
	}
	w.Write(buf)

	slog.Error("error response wrote",
		slog.String("path", r.URL.Path),
		slog.Int("status_code", statusCode),
		slog.String("error", err.Error()),
	)
}

func secureRandomStr(b int) string {
	k := make([]byte, b)
	if _, err := crand.Read(k); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", k)
}
