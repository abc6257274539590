package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/sony/gobreaker"
)

// SettleResult is the facilitator's outcome for one settle call.
type SettleResult struct {
	Success      bool   `json:"success"`
	Transaction  string `json:"transaction,omitempty"`
	Network      string `json:"network,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorReason  string `json:"errorReason,omitempty"`
}

// Facilitator validates and submits signed payment authorizations on-chain.
type Facilitator interface {
	Settle(ctx context.Context, payload *Payload, req Requirement) (*SettleResult, error)
}

// settleRequest is the facilitator wire request.
type settleRequest struct {
	X402Version         int         `json:"x402Version"`
	PaymentPayload      *Payload    `json:"paymentPayload"`
	PaymentRequirements Requirement `json:"paymentRequirements"`
}

// httpFacilitator talks to a remote facilitator service. Calls run through a
// circuit breaker so a dead facilitator fails fast instead of holding every
// gated request for the full client timeout.
type httpFacilitator struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPFacilitator builds a Facilitator for the service at |baseURL|.
func NewHTTPFacilitator(baseURL string) Facilitator {
	return &httpFacilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "facilitator",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (f *httpFacilitator) Settle(ctx context.Context, payload *Payload, req Requirement) (*SettleResult, error) {
	var out, err = f.breaker.Execute(func() (interface{}, error) {
		return f.settle(ctx, payload, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Wrap(fault.UpstreamFailure, err, "facilitator circuit open")
		}
		return nil, err
	}
	return out.(*SettleResult), nil
}

func (f *httpFacilitator) settle(ctx context.Context, payload *Payload, req Requirement) (*SettleResult, error) {
	var body, err = json.Marshal(settleRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding settle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fault.Wrap(fault.UpstreamTimeout, err, "facilitator settle timed out")
		}
		return nil, fault.Wrap(fault.UpstreamFailure, err, "facilitator settle")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fault.New(fault.UpstreamFailure, "facilitator returned %d", resp.StatusCode)
	}
	var result SettleResult
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fault.Wrap(fault.UpstreamFailure, err, "decoding settle response")
	}
	return &result, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
