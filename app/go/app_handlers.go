package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type appPostUsersRequest struct {
	Username       string  `json:"username"`
	FirstName      string  `json:"firstname"`
	LastName       string  `json:"lastname"`
	DateOfBirth    string  `json:"date_of_birth"`
	InvitationCode *string `json:"invitation_code"`
}

type appPostUsersResponse struct {
	ID             string `json:"id"`
	InvitationCode string `json:"invitation_code"`
}

func appPostUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &appPostUsersRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.FirstName == "" || req.LastName == "" || req.DateOfBirth == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(username, firstname, lastname, date_of_birth) are empty"))
		return
	}

	now := time.Now()
	user := &User{
		ID:             newID(),
		Username:       req.Username,
		Firstname:      req.FirstName,
		Lastname:       req.LastName,
		DateOfBirth:    req.DateOfBirth,
		AccessToken:    secureRandomStr(32),
		InvitationCode: secureRandomStr(15),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := db.Beginx()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO users (id, username, firstname, lastname, date_of_birth, access_token, invitation_code, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Firstname, user.Lastname, user.DateOfBirth, user.AccessToken, user.InvitationCode, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	welcomeCoupon := &Coupon{UserID: user.ID, Code: "CP_NEW2024", Discount: 3000, CreatedAt: now}
	var rewardCoupon *Coupon
	var invitationCoupon *Coupon

	if req.InvitationCode != nil && *req.InvitationCode != "" {
		inviteCode := "INV_" + *req.InvitationCode
		if store.CountCouponsByCode(inviteCode) >= 3 {
			writeError(w, r, http.StatusBadRequest, errors.New("この招待コードは使用できません。"))
			return
		}

		inviter, ok := store.usersByInvitationCode.Get(*req.InvitationCode)
		if !ok {
			writeError(w, r, http.StatusBadRequest, errors.New("この招待コードは使用できません。"))
			return
		}

		invitationCoupon = &Coupon{UserID: user.ID, Code: inviteCode, Discount: 1500, CreatedAt: now}
		rewardCoupon = &Coupon{UserID: inviter.ID, Code: fmt.Sprintf("RWD_%s_%d", *req.InvitationCode, now.UnixMilli()), Discount: 1000, CreatedAt: now}
	}

	if err := tx.Commit(); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	store.AddUser(user)
	engine.couponDeferred.Insert(*welcomeCoupon)
	store.AddCoupon(welcomeCoupon)
	if invitationCoupon != nil {
		engine.couponDeferred.Insert(*invitationCoupon)
		store.AddCoupon(invitationCoupon)
		engine.couponDeferred.Insert(*rewardCoupon)
		store.AddCoupon(rewardCoupon)
	}

	http.SetCookie(w, &http.Cookie{Path: "/", Name: "app_session", Value: user.AccessToken})

	writeJSON(w, http.StatusCreated, &appPostUsersResponse{ID: user.ID, InvitationCode: user.InvitationCode})
}

type appPostPaymentMethodsRequest struct {
	Token string `json:"token"`
}

func appPostPaymentMethods(w http.ResponseWriter, r *http.Request) {
	req := &appPostPaymentMethodsRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("token is required but was empty"))
		return
	}

	user := r.Context().Value(ctxKeyUser).(*User)
	token := &PaymentToken{UserID: user.ID, Token: req.Token, CreatedAt: time.Now()}
	engine.paymentTokenDeferred.Insert(*token)
	store.paymentTokens.Set(user.ID, token)

	w.WriteHeader(http.StatusNoContent)
}

type getAppRidesResponse struct {
	Rides []getAppRidesResponseItem `json:"rides"`
}

type getAppRidesResponseItem struct {
	ID                    string                       `json:"id"`
	PickupCoordinate      Coordinate                   `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate                   `json:"destination_coordinate"`
	Chair                 getAppRidesResponseItemChair `json:"chair"`
	Fare                  int                          `json:"fare"`
	Evaluation            int                          `json:"evaluation"`
	RequestedAt           int64                        `json:"requested_at"`
	CompletedAt           int64                        `json:"completed_at"`
}

type getAppRidesResponseItemChair struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Model string `json:"model"`
}

func appGetRides(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(ctxKeyUser).(*User)

	rides := append([]*Ride(nil), store.RidesByUser(user.ID)...)
	items := make([]getAppRidesResponseItem, 0, len(rides))
	for i := len(rides) - 1; i >= 0; i-- {
		ride := rides[i]
		status, ok := engine.LatestStatus(ride.ID)
		if !ok || status != RideStatusCompleted {
			continue
		}

		coupon, _ := store.couponsByUsedBy.Get(ride.ID)
		fare := discountedFare(ride.Pickup(), ride.Destination(), coupon)

		item := getAppRidesResponseItem{
			ID:                    ride.ID,
			PickupCoordinate:      ride.Pickup(),
			DestinationCoordinate: ride.Destination(),
			Fare:                  fare,
			RequestedAt:           ride.CreatedAt.UnixMilli(),
			CompletedAt:           ride.UpdatedAt.UnixMilli(),
		}
		if ride.Evaluation != nil {
			item.Evaluation = *ride.Evaluation
		}
		if ride.ChairID != nil {
			if chair, ok := store.chairsByID.Get(*ride.ChairID); ok {
				item.Chair = getAppRidesResponseItemChair{ID: chair.ID, Name: chair.Name, Model: chair.Model}
				if owner, ok := store.ownersByID.Get(chair.OwnerID); ok {
					item.Chair.Owner = owner.Name
				}
			}
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, &getAppRidesResponse{Rides: items})
}

type appPostRidesRequest struct {
	PickupCoordinate      *Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate *Coordinate `json:"destination_coordinate"`
}

type appPostRidesResponse struct {
	RideID string `json:"ride_id"`
	Fare   int    `json:"fare"`
}

func appPostRides(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &appPostRidesRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.PickupCoordinate == nil || req.DestinationCoordinate == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(pickup_coordinate, destination_coordinate) are empty"))
		return
	}

	user := ctx.Value(ctxKeyUser).(*User)

	for _, ride := range store.RidesByUser(user.ID) {
		status, ok := engine.LatestStatus(ride.ID)
		if ok && status != RideStatusCompleted {
			writeError(w, r, http.StatusConflict, errors.New("ride already exists"))
			return
		}
	}

	now := time.Now()
	ride := &Ride{
		ID:                   newID(),
		UserID:               user.ID,
		PickupLatitude:       req.PickupCoordinate.Latitude,
		PickupLongitude:      req.PickupCoordinate.Longitude,
		DestinationLatitude:  req.DestinationCoordinate.Latitude,
		DestinationLongitude: req.DestinationCoordinate.Longitude,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := engine.CreateRide(ctx, ride); err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	if coupon := store.SelectCouponForRide(user.ID); coupon != nil {
		store.MarkCouponUsed(coupon, ride.ID)
		engine.couponDeferred.Update(couponUseUpdate{UserID: coupon.UserID, Code: coupon.Code, RideID: ride.ID})
	}

	coupon, _ := store.couponsByUsedBy.Get(ride.ID)
	fare := discountedFare(ride.Pickup(), ride.Destination(), coupon)

	writeJSON(w, http.StatusAccepted, &appPostRidesResponse{RideID: ride.ID, Fare: fare})
}

type appPostRidesEstimatedFareRequest struct {
	PickupCoordinate      *Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate *Coordinate `json:"destination_coordinate"`
}

type appPostRidesEstimatedFareResponse struct {
	Fare     int `json:"fare"`
	Discount int `json:"discount"`
}

func appPostRidesEstimatedFare(w http.ResponseWriter, r *http.Request) {
	req := &appPostRidesEstimatedFareRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.PickupCoordinate == nil || req.DestinationCoordinate == nil {
		writeError(w, r, http.StatusBadRequest, errors.New("required fields(pickup_coordinate, destination_coordinate) are empty"))
		return
	}

	user := r.Context().Value(ctxKeyUser).(*User)
	coupon := store.SelectCouponForRide(user.ID)
	discounted := discountedFare(*req.PickupCoordinate, *req.DestinationCoordinate, coupon)
	metered := calculateFare(*req.PickupCoordinate, *req.DestinationCoordinate)

	writeJSON(w, http.StatusOK, &appPostRidesEstimatedFareResponse{
		Fare:     discounted,
		Discount: metered - discounted,
	})
}

type appPostRideEvaluationRequest struct {
	Evaluation int `json:"evaluation"`
}

type appPostRideEvaluationResponse struct {
	Fare        int   `json:"fare"`
	CompletedAt int64 `json:"completed_at"`
}

func appPostRideEvaluatation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rideID := chi.URLParam(r, "ride_id")

	req := &appPostRideEvaluationRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Evaluation < 1 || req.Evaluation > 5 {
		writeError(w, r, http.StatusBadRequest, errors.New("evaluation must be between 1 and 5"))
		return
	}

	ride, ok := store.rides.Get(rideID)
	if !ok {
		writeError(w, r, http.StatusNotFound, errRideNotFound)
		return
	}

	status, ok := engine.LatestStatus(rideID)
	if !ok || status != RideStatusArrived {
		writeError(w, r, http.StatusBadRequest, errors.New("not arrived yet"))
		return
	}

	now := time.Now()
	evaluation := req.Evaluation
	if _, err := db.ExecContext(ctx, `UPDATE rides SET evaluation = ?, updated_at = ? WHERE id = ?`, evaluation, now, rideID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	ride.Evaluation = &evaluation
	ride.UpdatedAt = now

	paymentToken, ok := store.paymentTokens.Get(ride.UserID)
	if !ok {
		writeError(w, r, http.StatusBadRequest, errors.New("payment token not registered"))
		return
	}

	coupon, _ := store.couponsByUsedBy.Get(ride.ID)
	fare := discountedFare(ride.Pickup(), ride.Destination(), coupon)
	desiredCount := len(store.RidesByUser(ride.UserID))

	if err := payment.Pay(context.WithoutCancel(ctx), paymentToken.Token, fare, desiredCount); err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	if err := engine.AppendStatus(ctx, ride, RideStatusCompleted); err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	writeJSON(w, http.StatusOK, &appPostRideEvaluationResponse{Fare: fare, CompletedAt: ride.UpdatedAt.UnixMilli()})
}

type appGetNotificationResponse struct {
	Data         *appGetNotificationResponseData `json:"data"`
	RetryAfterMs int                              `json:"retry_after_ms"`
}

type appGetNotificationResponseData struct {
	RideID                string                           `json:"ride_id"`
	PickupCoordinate      Coordinate                       `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate                       `json:"destination_coordinate"`
	Fare                  int                              `json:"fare"`
	Status                string                           `json:"status"`
	Chair                 *appGetNotificationResponseChair `json:"chair,omitempty"`
	CreatedAt             int64                            `json:"created_at"`
	UpdatedAt             int64                            `json:"updated_at"`
}

type appGetNotificationResponseChair struct {
	ID    string                               `json:"id"`
	Name  string                               `json:"name"`
	Model string                               `json:"model"`
	Stats appGetNotificationResponseChairStats `json:"stats"`
}

type appGetNotificationResponseChairStats struct {
	TotalRidesCount    int     `json:"total_rides_count"`
	TotalEvaluationAvg float64 `json:"total_evaluation_avg"`
}

func chairStats(chairID string) appGetNotificationResponseChairStats {
	count, totalEval := 0, 0
	for _, ride := range store.RidesByChair(chairID) {
		if ride.Evaluation != nil {
			count++
			totalEval += *ride.Evaluation
		}
	}
	avg := 0.0
	if count > 0 {
		avg = float64(totalEval) / float64(count)
	}
	return appGetNotificationResponseChairStats{TotalRidesCount: count, TotalEvaluationAvg: avg}
}

func buildAppNotificationData(ride *Ride, status RideStatus) *appGetNotificationResponseData {
	coupon, _ := store.couponsByUsedBy.Get(ride.ID)
	data := &appGetNotificationResponseData{
		RideID:                ride.ID,
		PickupCoordinate:      ride.Pickup(),
		DestinationCoordinate: ride.Destination(),
		Fare:                  discountedFare(ride.Pickup(), ride.Destination(), coupon),
		Status:                string(status),
		CreatedAt:             ride.CreatedAt.UnixMilli(),
		UpdatedAt:             ride.UpdatedAt.UnixMilli(),
	}
	if ride.ChairID != nil {
		if chair, ok := store.chairsByID.Get(*ride.ChairID); ok {
			data.Chair = &appGetNotificationResponseChair{ID: chair.ID, Name: chair.Name, Model: chair.Model, Stats: chairStats(chair.ID)}
		}
	}
	return data
}

func appGetNotification(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("expected http.ResponseWriter to be an http.Flusher"))
		return
	}

	ctx := r.Context()
	user := ctx.Value(ctxKeyUser).(*User)

	userRides := store.RidesByUser(user.ID)
	if len(userRides) == 0 {
		writeJSON(w, http.StatusOK, &appGetNotificationResponse{RetryAfterMs: 100})
		return
	}
	ride := userRides[len(userRides)-1]
	status, _ := engine.LatestStatus(ride.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(data *appGetNotificationResponseData) error {
		enc, err := json.Marshal(&appGetNotificationResponse{Data: data})
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", enc); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(buildAppNotificationData(ride, status)); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	replay, live, cancel := notifications.UserQueue(user.ID).Subscribe()
	defer cancel()

	deliver := func(body NotificationBody) bool {
		rideForBody, ok := store.rides.Get(body.RideID)
		if !ok {
			return true
		}
		return send(buildAppNotificationData(rideForBody, body.Status)) == nil
	}

	for _, body := range replay {
		if !deliver(body) {
			return
		}
		engine.rideStatusDeferred.Update(rideStatusSentUpdate{StatusID: body.RideStatusID, Kind: notifiedApp, At: time.Now()})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case body := <-live:
			if !deliver(body) {
				return
			}
		}
	}
}

type appGetNearbyChairsResponse struct {
	Chairs      []appGetNearbyChairsResponseChair `json:"chairs"`
	RetrievedAt int64                             `json:"retrieved_at"`
}

type appGetNearbyChairsResponseChair struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Model             string     `json:"model"`
	CurrentCoordinate Coordinate `json:"current_coordinate"`
}

func appGetNearbyChairs(w http.ResponseWriter, r *http.Request) {
	latStr := r.URL.Query().Get("latitude")
	lonStr := r.URL.Query().Get("longitude")
	distanceStr := r.URL.Query().Get("distance")
	if latStr == "" || lonStr == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("latitude or longitude is empty"))
		return
	}

	lat, err := strconv.Atoi(latStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("latitude is invalid"))
		return
	}
	lon, err := strconv.Atoi(lonStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("longitude is invalid"))
		return
	}

	distance := 50
	if distanceStr != "" {
		distance, err = strconv.Atoi(distanceStr)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, errors.New("distance is invalid"))
			return
		}
	}
	origin := Coordinate{Latitude: lat, Longitude: lon}

	nearby := []appGetNearbyChairsResponseChair{}
	for _, chair := range store.chairsByID.Values() {
		if !chair.IsActive {
			continue
		}

		busy := false
		for _, ride := range store.RidesByChair(chair.ID) {
			status, ok := engine.LatestStatus(ride.ID)
			if !ok || status != RideStatusCompleted {
				busy = true
				break
			}
		}
		if busy {
			continue
		}

		loc, ok := locationCache.Latest(chair.ID)
		if !ok {
			continue
		}
		if origin.Distance(loc) <= distance {
			nearby = append(nearby, appGetNearbyChairsResponseChair{
				ID: chair.ID, Name: chair.Name, Model: chair.Model, CurrentCoordinate: loc,
			})
		}
	}

	writeJSON(w, http.StatusOK, &appGetNearbyChairsResponse{Chairs: nearby, RetrievedAt: time.Now().UnixMilli()})
}

func discountedFare(pickup, destination Coordinate, coupon *Coupon) int {
	metered := farePerDistance * pickup.Distance(destination)
	discount := 0
	if coupon != nil {
		discount = coupon.Discount
	}
	return initialFare + max(metered-discount, 0)
}
