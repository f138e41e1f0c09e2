package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

const paymentMaxAttempts = 1000

type paymentGatewayPostPaymentRequest struct {
	Amount int `json:"amount"`
}

type paymentGatewayGetPaymentsResponseOne struct {
	Amount int    `json:"amount"`
	Status string `json:"status"`
}

// PaymentClient implements §4.H: bounded-concurrency calls to the
// external payment gateway, retrying the POST and falling back to a
// GET-based reconciliation when the gateway's ack is lost.
type PaymentClient struct {
	baseURL    string
	httpClient *http.Client
	sem        *semaphore.Weighted
}

func NewPaymentClient(baseURL string, concurrency int) *PaymentClient {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PaymentClient{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		sem:        semaphore.NewWeighted(int64(concurrency)),
	}
}

// Pay charges amount against token. desiredCount is the user's total
// number of rides to date (including this one) — used to reconcile via
// GET /payments when the POST's own response is inconclusive.
func (p *PaymentClient) Pay(ctx context.Context, token string, amount int, desiredCount int) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errInternal(err)
	}
	defer p.sem.Release(1)

	body, err := json.Marshal(paymentGatewayPostPaymentRequest{Amount: amount})
	if err != nil {
		return errInternal(err)
	}

	idempotencyKey := ulid.Make().String()
	var lastErr error
	for attempt := 0; attempt < paymentMaxAttempts; attempt++ {
		if err := p.post(ctx, token, idempotencyKey, body); err == nil {
			return nil
		} else {
			lastErr = err
		}

		ok, verifyErr := p.verify(ctx, token, desiredCount)
		if verifyErr != nil {
			lastErr = verifyErr
		} else if ok {
			return nil
		}
	}

	slog.Error("payment gateway: giving up after retries",
		slog.Int("attempts", paymentMaxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return errBadGateway(fmt.Errorf("payment gateway: exhausted retries: %w", lastErr))
}

func (p *PaymentClient) post(ctx context.Context, token, idempotencyKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	res, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}
	return nil
}

// verify compares the number of payments the gateway has on record for
// this token against desiredCount. A length match means the earlier POST
// DID land even though its response was lost.
func (p *PaymentClient) verify(ctx context.Context, token string, desiredCount int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/payments", nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, res.Body)
		return false, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	var payments []paymentGatewayGetPaymentsResponseOne
	if err := json.NewDecoder(res.Body).Decode(&payments); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return len(payments) == desiredCount, nil
}
