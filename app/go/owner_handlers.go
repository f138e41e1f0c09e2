package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

type ownerPostOwnersRequest struct {
	Name string `json:"name"`
}

type ownerPostOwnersResponse struct {
	ID                 string `json:"id"`
	ChairRegisterToken string `json:"chair_register_token"`
}

func ownerPostOwners(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := &ownerPostOwnersRequest{}
	if err := bindJSON(r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("some of required fields(name) are empty"))
		return
	}

	now := time.Now()
	owner := &Owner{
		ID:                 newID(),
		Name:               req.Name,
		AccessToken:        secureRandomStr(32),
		ChairRegisterToken: secureRandomStr(32),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO owners (id, name, access_token, chair_register_token, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		owner.ID, owner.Name, owner.AccessToken, owner.ChairRegisterToken, now, now,
	); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	store.AddOwner(owner)

	http.SetCookie(w, &http.Cookie{Path: "/", Name: "owner_session", Value: owner.AccessToken})

	writeJSON(w, http.StatusCreated, &ownerPostOwnersResponse{ID: owner.ID, ChairRegisterToken: owner.ChairRegisterToken})
}

type chairSales struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Sales int    `json:"sales"`
}

type modelSales struct {
	Model string `json:"model"`
	Sales int    `json:"sales"`
}

type ownerGetSalesResponse struct {
	TotalSales int          `json:"total_sales"`
	Chairs     []chairSales `json:"chairs"`
	Models     []modelSales `json:"models"`
}

// rideSales computes one completed ride's fare as it contributed to
// sales, applying whichever coupon paid for it.
func rideSales(ride *Ride) int {
	coupon, _ := store.couponsByUsedBy.Get(ride.ID)
	return discountedFare(ride.Pickup(), ride.Destination(), coupon)
}

func ownerGetSales(w http.ResponseWriter, r *http.Request) {
	since := time.Unix(0, 0)
	until := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		since = time.UnixMilli(parsed)
	}
	if v := r.URL.Query().Get("until"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		until = time.UnixMilli(parsed)
	}

	owner := r.Context().Value(ctxKeyOwner).(*Owner)

	res := ownerGetSalesResponse{}
	modelSalesByModel := map[string]int{}

	chairs, _ := store.chairsByOwner.Get(owner.ID)
	for _, chair := range chairs {
		sales := 0
		for _, ride := range store.RidesByChair(chair.ID) {
			status, ok := engine.LatestStatus(ride.ID)
			if !ok || status != RideStatusCompleted {
				continue
			}
			if ride.UpdatedAt.Before(since) || ride.UpdatedAt.After(until) {
				continue
			}
			sales += rideSales(ride)
		}

		res.TotalSales += sales
		res.Chairs = append(res.Chairs, chairSales{ID: chair.ID, Name: chair.Name, Sales: sales})
		modelSalesByModel[chair.Model] += sales
	}

	res.Models = []modelSales{}
	for model, sales := range modelSalesByModel {
		res.Models = append(res.Models, modelSales{Model: model, Sales: sales})
	}

	writeJSON(w, http.StatusOK, res)
}

type ownerGetChairResponse struct {
	Chairs []ownerGetChairResponseChair `json:"chairs"`
}

type ownerGetChairResponseChair struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	Model                  string `json:"model"`
	Active                 bool   `json:"active"`
	RegisteredAt           int64  `json:"registered_at"`
	TotalDistance          int    `json:"total_distance"`
	TotalDistanceUpdatedAt *int64 `json:"total_distance_updated_at,omitempty"`
}

func ownerGetChairs(w http.ResponseWriter, r *http.Request) {
	owner := r.Context().Value(ctxKeyOwner).(*Owner)

	chairs, _ := store.chairsByOwner.Get(owner.ID)

	res := ownerGetChairResponse{}
	for _, chair := range chairs {
		c := ownerGetChairResponseChair{
			ID:           chair.ID,
			Name:         chair.Name,
			Model:        chair.Model,
			Active:       chair.IsActive,
			RegisteredAt: chair.CreatedAt.UnixMilli(),
		}
		if dist, updatedAt, ok := locationCache.TotalDistance(chair.ID); ok {
			c.TotalDistance = dist
			t := updatedAt.UnixMilli()
			c.TotalDistanceUpdatedAt = &t
		}
		res.Chairs = append(res.Chairs, c)
	}
	writeJSON(w, http.StatusOK, res)
}
