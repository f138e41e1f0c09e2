package main

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Coordinate is a point on the integer grid. Distance between two
// coordinates is Manhattan.
type Coordinate struct {
	Latitude  int `json:"latitude" db:"latitude"`
	Longitude int `json:"longitude" db:"longitude"`
}

func (c Coordinate) Distance(o Coordinate) int {
	return abs(c.Latitude-o.Latitude) + abs(c.Longitude-o.Longitude)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// RideStatus is the ride lifecycle state. CANCELED is modeled but no
// transition in this implementation ever produces it.
type RideStatus string

const (
	RideStatusMatching  RideStatus = "MATCHING"
	RideStatusEnroute   RideStatus = "ENROUTE"
	RideStatusPickup    RideStatus = "PICKUP"
	RideStatusCarrying  RideStatus = "CARRYING"
	RideStatusArrived   RideStatus = "ARRIVED"
	RideStatusCompleted RideStatus = "COMPLETED"
	RideStatusCanceled  RideStatus = "CANCELED"
)

// terminal reports whether a ride's latest status makes its chair free
// again / removes it from consideration as "ongoing".
func (s RideStatus) terminal() bool {
	return s == RideStatusCompleted || s == RideStatusCanceled
}

const (
	initialFare     = 500
	farePerDistance = 100
)

func calculateFare(pickup, destination Coordinate) int {
	return initialFare + farePerDistance*pickup.Distance(destination)
}

type User struct {
	ID             string    `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	Firstname      string    `db:"firstname" json:"firstname"`
	Lastname       string    `db:"lastname" json:"lastname"`
	DateOfBirth    string    `db:"date_of_birth" json:"date_of_birth"`
	AccessToken    string    `db:"access_token" json:"-"`
	InvitationCode string    `db:"invitation_code" json:"invitation_code"`
	CreatedAt      time.Time `db:"created_at" json:"-"`
	UpdatedAt      time.Time `db:"updated_at" json:"-"`
}

type Owner struct {
	ID                string    `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	AccessToken       string    `db:"access_token" json:"-"`
	ChairRegisterToken string   `db:"chair_register_token" json:"chair_register_token"`
	CreatedAt         time.Time `db:"created_at" json:"-"`
	UpdatedAt         time.Time `db:"updated_at" json:"-"`
}

type Chair struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Name        string    `db:"name" json:"name"`
	Model       string    `db:"model" json:"model"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	AccessToken string    `db:"access_token" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"-"`
	UpdatedAt   time.Time `db:"updated_at" json:"-"`
}

type ChairModel struct {
	Name  string
	Speed int
}

// Ride is a single trip request. ChairID is nil until matched and,
// once set, never changes.
type Ride struct {
	ID                  string    `db:"id" json:"id"`
	UserID              string    `db:"user_id" json:"user_id"`
	ChairID             *string   `db:"chair_id" json:"chair_id"`
	PickupLatitude      int       `db:"pickup_latitude" json:"-"`
	PickupLongitude     int       `db:"pickup_longitude" json:"-"`
	DestinationLatitude int       `db:"destination_latitude" json:"-"`
	DestinationLongitude int      `db:"destination_longitude" json:"-"`
	Evaluation          *int      `db:"evaluation" json:"evaluation"`
	CreatedAt           time.Time `db:"created_at" json:"-"`
	UpdatedAt           time.Time `db:"updated_at" json:"-"`
}

func (r *Ride) Pickup() Coordinate {
	return Coordinate{Latitude: r.PickupLatitude, Longitude: r.PickupLongitude}
}

func (r *Ride) Destination() Coordinate {
	return Coordinate{Latitude: r.DestinationLatitude, Longitude: r.DestinationLongitude}
}

func (r *Ride) Fare() int {
	return calculateFare(r.Pickup(), r.Destination())
}

// RideStatusRow is one append-only row of a ride's status history.
type RideStatusRow struct {
	ID          string     `db:"id" json:"-"`
	RideID      string     `db:"ride_id" json:"-"`
	Status      RideStatus `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"-"`
	AppSentAt   *time.Time `db:"app_sent_at" json:"-"`
	ChairSentAt *time.Time `db:"chair_sent_at" json:"-"`
}

type PaymentToken struct {
	UserID    string    `db:"user_id" json:"-"`
	Token     string    `db:"token" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"-"`
}

// Coupon is keyed by (UserID, Code). UsedBy, once non-nil, is immutable.
type Coupon struct {
	UserID    string    `db:"user_id" json:"-"`
	Code      string    `db:"code" json:"-"`
	Discount  int       `db:"discount" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"-"`
	UsedBy    *string   `db:"used_by" json:"-"`
}

func couponKey(userID, code string) string {
	return userID + "\x00" + code
}

func newID() string {
	return ulid.Make().String()
}
