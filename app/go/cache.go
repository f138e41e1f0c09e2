package main

import "sync"

// Index is a concurrent map with a single RWMutex, following the shape
// of an in-memory repository (cf. other_examples' ride_repo.go) rather
// than an eviction cache: entries live until explicitly deleted or the
// whole index is atomically swapped by Replace (used by initialize).
type Index[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewIndex[K comparable, V any]() *Index[K, V] {
	return &Index[K, V]{m: make(map[K]V)}
}

func (i *Index[K, V]) Get(k K) (V, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.m[k]
	return v, ok
}

func (i *Index[K, V]) Set(k K, v V) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[k] = v
}

func (i *Index[K, V]) Delete(k K) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.m, k)
}

// Replace swaps the entire backing map atomically, used on initialize
// to reload a cache from the store without readers observing a
// partially-rebuilt index.
func (i *Index[K, V]) Replace(m map[K]V) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m = m
}

func (i *Index[K, V]) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.m)
}

func (i *Index[K, V]) Range(f func(k K, v V) bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for k, v := range i.m {
		if !f(k, v) {
			return
		}
	}
}

func (i *Index[K, V]) Values() []V {
	i.mu.RLock()
	defer i.mu.RUnlock()
	vs := make([]V, 0, len(i.m))
	for _, v := range i.m {
		vs = append(vs, v)
	}
	return vs
}

// Store holds every cache primitive (§4.A). Lock order when an
// operation must touch more than one index: by_id -> by_token ->
// by_owner, matching the field declaration order below.
type Store struct {
	usersByID             *Index[string, *User]
	usersByToken          *Index[string, *User]
	usersByInvitationCode *Index[string, *User]

	ownersByID             *Index[string, *Owner]
	ownersByToken          *Index[string, *Owner]
	ownersByRegisterToken  *Index[string, *Owner]

	chairsByID      *Index[string, *Chair]
	chairsByToken   *Index[string, *Chair]
	chairsByOwner   *Index[string, []*Chair]

	chairModels *Index[string, ChairModel]

	rides        *Index[string, *Ride]
	ridesByChair *Index[string, []*Ride]
	ridesByUser  *Index[string, []*Ride]

	// coupons keyed by couponKey(userID, code); couponsByUsedBy keyed by
	// ride id for the P3 invariant lookup (coupon that paid for ride X).
	coupons         *Index[string, *Coupon]
	couponsByUser   *Index[string, []*Coupon] // every coupon of the user; used ones are filtered out on read
	couponsByUsedBy *Index[string, *Coupon]
	couponsByCode   *Index[string, []*Coupon] // all coupons ever granted with a given code, across users

	paymentTokens *Index[string, *PaymentToken]

	settings *Index[string, string]
}

func NewStore() *Store {
	return &Store{
		usersByID:             NewIndex[string, *User](),
		usersByToken:          NewIndex[string, *User](),
		usersByInvitationCode: NewIndex[string, *User](),
		ownersByID:            NewIndex[string, *Owner](),
		ownersByToken:         NewIndex[string, *Owner](),
		ownersByRegisterToken: NewIndex[string, *Owner](),
		chairsByID:            NewIndex[string, *Chair](),
		chairsByToken:         NewIndex[string, *Chair](),
		chairsByOwner:         NewIndex[string, []*Chair](),
		chairModels:           NewIndex[string, ChairModel](),
		rides:                 NewIndex[string, *Ride](),
		ridesByChair:          NewIndex[string, []*Ride](),
		ridesByUser:           NewIndex[string, []*Ride](),
		coupons:               NewIndex[string, *Coupon](),
		couponsByUser:         NewIndex[string, []*Coupon](),
		couponsByUsedBy:       NewIndex[string, *Coupon](),
		couponsByCode:         NewIndex[string, []*Coupon](),
		paymentTokens:         NewIndex[string, *PaymentToken](),
		settings:              NewIndex[string, string](),
	}
}

func (s *Store) AddUser(u *User) {
	s.usersByID.Set(u.ID, u)
	s.usersByToken.Set(u.AccessToken, u)
	s.usersByInvitationCode.Set(u.InvitationCode, u)
}

func (s *Store) AddOwner(o *Owner) {
	s.ownersByID.Set(o.ID, o)
	s.ownersByToken.Set(o.AccessToken, o)
	s.ownersByRegisterToken.Set(o.ChairRegisterToken, o)
}

func (s *Store) AddChair(c *Chair) {
	s.chairsByID.Set(c.ID, c)
	s.chairsByToken.Set(c.AccessToken, c)
	existing, _ := s.chairsByOwner.Get(c.OwnerID)
	s.chairsByOwner.Set(c.OwnerID, append(existing, c))
}

// AddCoupon inserts a coupon into the by-key, by-user and by-code
// indices. It does not touch couponsByUsedBy: for a coupon that is
// already used (as when reloading from the store) the caller sets that
// index itself; fresh coupons get it later via MarkCouponUsed.
func (s *Store) AddCoupon(c *Coupon) {
	s.coupons.Set(couponKey(c.UserID, c.Code), c)
	existing, _ := s.couponsByUser.Get(c.UserID)
	s.couponsByUser.Set(c.UserID, append(existing, c))
	existingByCode, _ := s.couponsByCode.Get(c.Code)
	s.couponsByCode.Set(c.Code, append(existingByCode, c))
}

// CountCouponsByCode returns how many coupons have ever been granted
// with the given exact code, across all users — used to cap how many
// times one invitation code can be redeemed.
func (s *Store) CountCouponsByCode(code string) int {
	cs, _ := s.couponsByCode.Get(code)
	return len(cs)
}

// UnusedCouponsOrderedByCreatedAt returns the user's unused coupons
// oldest-first, mirroring coupon_get_unused_order_by_created_at.
func (s *Store) UnusedCouponsOrderedByCreatedAt(userID string) []*Coupon {
	all, _ := s.couponsByUser.Get(userID)
	out := make([]*Coupon, 0, len(all))
	for _, c := range all {
		if c.UsedBy == nil {
			out = append(out, c)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.After(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// MarkCouponUsed sets used_by in memory and indexes the coupon by ride;
// persisting it through the deferred updater is left to the caller. It
// is the caller's job to ensure it is invoked at most once per coupon
// (the coupon-selection code only ever selects unused coupons).
func (s *Store) MarkCouponUsed(c *Coupon, rideID string) {
	id := rideID
	c.UsedBy = &id
	s.couponsByUsedBy.Set(rideID, c)
}

// AppendRideToChair records that a ride was assigned to chairID, for
// the owner sales/chair-stats endpoints that need "all rides this chair
// has ever carried".
func (s *Store) AppendRideToChair(chairID string, ride *Ride) {
	existing, _ := s.ridesByChair.Get(chairID)
	s.ridesByChair.Set(chairID, append(existing, ride))
}

func (s *Store) RidesByChair(chairID string) []*Ride {
	rides, _ := s.ridesByChair.Get(chairID)
	return rides
}

func (s *Store) AppendRideToUser(userID string, ride *Ride) {
	existing, _ := s.ridesByUser.Get(userID)
	s.ridesByUser.Set(userID, append(existing, ride))
}

func (s *Store) RidesByUser(userID string) []*Ride {
	rides, _ := s.ridesByUser.Get(userID)
	return rides
}

// SelectCouponForRide implements the coupon-ordering rule: prefer the
// first-ride CP_NEW2024 grant if it is still unused, else the oldest
// unused coupon. Because CP_NEW2024 is granted at signup it is always
// at least as old as any coupon a later ride could consume, so this one
// rule covers both the first-ride and later-ride cases.
func (s *Store) SelectCouponForRide(userID string) *Coupon {
	unused := s.UnusedCouponsOrderedByCreatedAt(userID)
	for _, c := range unused {
		if c.Code == "CP_NEW2024" {
			return c
		}
	}
	if len(unused) > 0 {
		return unused[0]
	}
	return nil
}

func chairIsFree(latestStatus RideStatus, hasRide bool) bool {
	if !hasRide {
		return true
	}
	return latestStatus.terminal()
}
