package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestPaymentClientPaySucceedsOnFirstPost(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/payments" {
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, 4)
	if err := p.Pay(context.Background(), "tok", 500, 1); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
	if posts != 1 {
		t.Errorf("posts = %d, want 1", posts)
	}
}

// TestPaymentClientPayRecoversViaVerify simulates a gateway whose POST
// ack never reaches the client (e.g. the connection is reset after the
// write commits) but whose payment did land. verify's GET should find
// the already-landed payment and let Pay succeed without retrying the
// POST forever.
func TestPaymentClientPayRecoversViaVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			// Simulate a lost response: the gateway recorded the
			// payment but the client sees a failure.
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodGet && r.URL.Path == "/payments":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]paymentGatewayGetPaymentsResponseOne{
				{Amount: 500, Status: "success"},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, 4)
	if err := p.Pay(context.Background(), "tok", 500, 1); err != nil {
		t.Fatalf("Pay() error = %v", err)
	}
}

func TestPaymentClientPayExhaustsRetriesAndReturnsBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/payments":
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodGet && r.URL.Path == "/payments":
			w.Header().Set("Content-Type", "application/json")
			// Count never matches desiredCount, so verify never
			// succeeds and every attempt is consumed.
			json.NewEncoder(w).Encode([]paymentGatewayGetPaymentsResponseOne{})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, 4)
	err := p.Pay(context.Background(), "tok", 500, 1)
	if err == nil {
		t.Fatalf("Pay() error = nil, want bad gateway error")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("Pay() error type = %T, want *apiError", err)
	}
	if apiErr.status != http.StatusBadGateway {
		t.Errorf("apiErr.status = %d, want %d", apiErr.status, http.StatusBadGateway)
	}
}

func TestPaymentClientPaySemaphoreBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, 2)
	done := make(chan error, 6)
	for i := 0; i < 6; i++ {
		go func() { done <- p.Pay(context.Background(), "tok", 100, 1) }()
	}
	for i := 0; i < 6; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Pay() error = %v", err)
		}
	}
	if maxInFlight > 2 {
		t.Errorf("maxInFlight = %d, want <= 2", maxInFlight)
	}
}
