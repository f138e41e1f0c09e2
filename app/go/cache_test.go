package main

import (
	"sync"
	"testing"
	"time"
)

func TestIndexGetSetDelete(t *testing.T) {
	idx := NewIndex[string, int]()

	if _, ok := idx.Get("a"); ok {
		t.Fatalf("Get on empty index returned ok=true")
	}

	idx.Set("a", 1)
	if v, ok := idx.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	idx.Delete("a")
	if _, ok := idx.Get("a"); ok {
		t.Fatalf("Get after Delete returned ok=true")
	}
}

func TestIndexReplace(t *testing.T) {
	idx := NewIndex[string, int]()
	idx.Set("a", 1)
	idx.Replace(map[string]int{"b": 2})

	if _, ok := idx.Get("a"); ok {
		t.Fatalf("stale key survived Replace")
	}
	if v, ok := idx.Get("b"); !ok || v != 2 {
		t.Fatalf("Get(b) = %d, %v, want 2, true", v, ok)
	}
}

func TestIndexConcurrentAccess(t *testing.T) {
	idx := NewIndex[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			idx.Set(n, n*2)
			idx.Get(n)
		}(i)
	}
	wg.Wait()

	if idx.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", idx.Len())
	}
}

func TestStoreUnusedCouponsOrderedByCreatedAt(t *testing.T) {
	s := NewStore()
	now := time.Now()

	c1 := &Coupon{UserID: "u1", Code: "CP_NEW2024", CreatedAt: now}
	c2 := &Coupon{UserID: "u1", Code: "INV_abc", CreatedAt: now.Add(-time.Hour)}
	usedID := "ride-used"
	c3 := &Coupon{UserID: "u1", Code: "RWD_x", CreatedAt: now.Add(-2 * time.Hour), UsedBy: &usedID}

	s.AddCoupon(c1)
	s.AddCoupon(c2)
	s.AddCoupon(c3)

	unused := s.UnusedCouponsOrderedByCreatedAt("u1")
	if len(unused) != 2 {
		t.Fatalf("len(unused) = %d, want 2", len(unused))
	}
	if unused[0].Code != "INV_abc" || unused[1].Code != "CP_NEW2024" {
		t.Fatalf("unused coupons not ordered oldest-first: %+v", unused)
	}
}

func TestStoreSelectCouponForRidePrefersWelcomeCoupon(t *testing.T) {
	s := NewStore()
	now := time.Now()

	s.AddCoupon(&Coupon{UserID: "u1", Code: "INV_abc", CreatedAt: now.Add(-time.Hour)})
	s.AddCoupon(&Coupon{UserID: "u1", Code: "CP_NEW2024", CreatedAt: now})

	got := s.SelectCouponForRide("u1")
	if got == nil || got.Code != "CP_NEW2024" {
		t.Fatalf("SelectCouponForRide() = %+v, want CP_NEW2024", got)
	}
}

func TestStoreSelectCouponForRideFallsBackToOldestUnused(t *testing.T) {
	s := NewStore()
	now := time.Now()

	welcome := &Coupon{UserID: "u1", Code: "CP_NEW2024", CreatedAt: now.Add(-2 * time.Hour)}
	s.AddCoupon(welcome)
	s.MarkCouponUsed(welcome, "ride-1")

	s.AddCoupon(&Coupon{UserID: "u1", Code: "INV_abc", CreatedAt: now.Add(-time.Hour)})
	s.AddCoupon(&Coupon{UserID: "u1", Code: "RWD_abc_1", CreatedAt: now})

	got := s.SelectCouponForRide("u1")
	if got == nil || got.Code != "INV_abc" {
		t.Fatalf("SelectCouponForRide() = %+v, want INV_abc (oldest unused)", got)
	}
}

func TestStoreCountCouponsByCode(t *testing.T) {
	s := NewStore()
	now := time.Now()
	for _, uid := range []string{"u1", "u2", "u3"} {
		s.AddCoupon(&Coupon{UserID: uid, Code: "INV_shared", CreatedAt: now})
	}
	if got := s.CountCouponsByCode("INV_shared"); got != 3 {
		t.Fatalf("CountCouponsByCode() = %d, want 3", got)
	}
	if got := s.CountCouponsByCode("INV_unknown"); got != 0 {
		t.Fatalf("CountCouponsByCode(unknown) = %d, want 0", got)
	}
}

func TestStoreRidesByUserAndChairAppendOrder(t *testing.T) {
	s := NewStore()
	r1 := &Ride{ID: "r1"}
	r2 := &Ride{ID: "r2"}
	s.AppendRideToUser("u1", r1)
	s.AppendRideToUser("u1", r2)
	s.AppendRideToChair("c1", r1)

	rides := s.RidesByUser("u1")
	if len(rides) != 2 || rides[0].ID != "r1" || rides[1].ID != "r2" {
		t.Fatalf("RidesByUser() = %+v, want [r1 r2]", rides)
	}
	chairRides := s.RidesByChair("c1")
	if len(chairRides) != 1 || chairRides[0].ID != "r1" {
		t.Fatalf("RidesByChair() = %+v, want [r1]", chairRides)
	}
}

func TestChairIsFree(t *testing.T) {
	if !chairIsFree("", false) {
		t.Fatalf("chair with no ride should be free")
	}
	if chairIsFree(RideStatusCarrying, true) {
		t.Fatalf("chair carrying a ride should not be free")
	}
	if !chairIsFree(RideStatusCompleted, true) {
		t.Fatalf("chair whose last ride completed should be free")
	}
}
