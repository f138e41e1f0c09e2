package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type chairPostChairsRequest struct {
	Name               string `json:"name"`
	Model              string `json:"model"`
	ChairRegisterToken string `json:"chair_register_token"`
}

type chairPostChairsResponse struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

func chairPostChairs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &chairPostChairsRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Model == "" || req.ChairRegisterToken == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("some of required fields(name, model, chair_register_token) are empty"))
		return
	}

	owner, ok := store.ownersByRegisterToken.Get(req.ChairRegisterToken)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, errors.New("invalid chair_register_token"))
		return
	}

	now := time.Now()
	chair := &Chair{
		ID:          newID(),
		OwnerID:     owner.ID,
		Name:        req.Name,
		Model:       req.Model,
		IsActive:    false,
		AccessToken: secureRandomStr(32),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO chairs (id, owner_id, name, model, is_active, access_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		chair.ID, chair.OwnerID, chair.Name, chair.Model, chair.IsActive, chair.AccessToken, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	store.AddChair(chair)

	http.SetCookie(w, &http.Cookie{Path: "/", Name: "chair_session", Value: chair.AccessToken})

	writeJSON(w, http.StatusCreated, &chairPostChairsResponse{ID: chair.ID, OwnerID: owner.ID})
}

type postChairActivityRequest struct {
	IsActive bool `json:"is_active"`
}

func chairPostActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chair := ctx.Value(ctxKeyChair).(*Chair)

	req := &postChairActivityRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if _, err := db.ExecContext(ctx, "UPDATE chairs SET is_active = ? WHERE id = ?", req.IsActive, chair.ID); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	chair.IsActive = req.IsActive

	if req.IsActive {
		busy := false
		for _, ride := range store.RidesByChair(chair.ID) {
			if status, ok := engine.LatestStatus(ride.ID); ok && !status.terminal() {
				busy = true
				break
			}
		}
		if !busy {
			matchingScheduler.MarkChairFree(chair.ID)
		}
	} else {
		matchingScheduler.MarkChairUnavailable(chair.ID)
	}

	w.WriteHeader(http.StatusNoContent)
}

type chairPostCoordinateResponse struct {
	RecordedAt int64 `json:"recorded_at"`
}

func chairPostCoordinate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &Coordinate{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	chair := ctx.Value(ctxKeyChair).(*Chair)

	recordedAt, err := engine.RecordLocation(ctx, chair, *req)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	writeJSON(w, http.StatusOK, &chairPostCoordinateResponse{RecordedAt: recordedAt.UnixMilli()})
}

type simpleUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chairGetNotificationResponse struct {
	Data         *chairGetNotificationResponseData `json:"data"`
	RetryAfterMs int                                `json:"retry_after_ms"`
}

type chairGetNotificationResponseData struct {
	RideID                string     `json:"ride_id"`
	User                  simpleUser `json:"user"`
	PickupCoordinate      Coordinate `json:"pickup_coordinate"`
	DestinationCoordinate Coordinate `json:"destination_coordinate"`
	Status                string     `json:"status"`
}

func buildChairNotificationData(ride *Ride, status RideStatus) *chairGetNotificationResponseData {
	data := &chairGetNotificationResponseData{
		RideID:                ride.ID,
		PickupCoordinate:      ride.Pickup(),
		DestinationCoordinate: ride.Destination(),
		Status:                string(status),
	}
	if user, ok := store.usersByID.Get(ride.UserID); ok {
		data.User = simpleUser{ID: user.ID, Name: fmt.Sprintf("%s %s", user.Firstname, user.Lastname)}
	}
	return data
}

func chairGetNotification(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, errors.New("expected http.ResponseWriter to be an http.Flusher"))
		return
	}

	ctx := r.Context()
	chair := ctx.Value(ctxKeyChair).(*Chair)

	chairRides := store.RidesByChair(chair.ID)
	if len(chairRides) == 0 {
		writeJSON(w, http.StatusOK, &chairGetNotificationResponse{RetryAfterMs: 100})
		return
	}
	ride := chairRides[len(chairRides)-1]
	status, _ := engine.LatestStatus(ride.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(data *chairGetNotificationResponseData) error {
		enc, err := json.Marshal(&chairGetNotificationResponse{Data: data})
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", enc); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(buildChairNotificationData(ride, status)); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	replay, live, cancel := notifications.ChairQueue(chair.ID).Subscribe()
	defer cancel()

	deliver := func(body NotificationBody) bool {
		rideForBody, ok := store.rides.Get(body.RideID)
		if !ok {
			return true
		}
		return send(buildChairNotificationData(rideForBody, body.Status)) == nil
	}

	for _, body := range replay {
		if !deliver(body) {
			return
		}
		engine.rideStatusDeferred.Update(rideStatusSentUpdate{StatusID: body.RideStatusID, Kind: notifiedChair, At: time.Now()})
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

type postChairRidesRideIDStatusRequest struct {
	Status string `json:"status"`
}

func chairPostRideStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rideID := chi.URLParam(r, "ride_id")
	chair := ctx.Value(ctxKeyChair).(*Chair)

	req := &postChairRidesRideIDStatusRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	ride, ok := store.rides.Get(rideID)
	if !ok {
		writeError(w, r, http.StatusNotFound, errRideNotFound)
		return
	}
	if ride.ChairID == nil || *ride.ChairID != chair.ID {
		writeError(w, r, http.StatusBadRequest, errors.New("not assigned to this ride"))
		return
	}

	current, _ := engine.LatestStatus(rideID)

	var next RideStatus
	switch req.Status {
	case "ENROUTE":
		if current != RideStatusMatching {
			writeError(w, r, http.StatusBadRequest, errors.New("ride is not in MATCHING status"))
			return
		}
		next = RideStatusEnroute
	case "CARRYING":
		if current != RideStatusPickup {
			writeError(w, r, http.StatusBadRequest, errors.New("chair has not arrived yet"))
			return
		}
		next = RideStatusCarrying
	default:
		writeError(w, r, http.StatusBadRequest, errors.New("invalid status"))
		return
	}

	if err := engine.AppendStatus(ctx, ride, next); err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
