package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/draftea/saga-engine/shared/models"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const gatewayRetryMax = 3

// newGatewayClient builds the HTTP client shared by the gateway adapters.
// Transient failures (5xx, connection resets) are retried with backoff;
// 4xx responses are returned to the caller untouched.
func newGatewayClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = gatewayRetryMax
	client.Logger = nil
	return client
}

// HTTPFundsGateway reserves funds against a wallet service over HTTP
type HTTPFundsGateway struct {
	client  *retryablehttp.Client
	baseURL string
}

// NewHTTPFundsGateway creates a new HTTPFundsGateway
func NewHTTPFundsGateway(baseURL string) *HTTPFundsGateway {
	return &HTTPFundsGateway{
		client:  newGatewayClient(),
		baseURL: baseURL,
	}
}

type reserveFundsRequest struct {
	Reference  string       `json:"reference"`
	CustomerID string       `json:"customer_id"`
	Amount     models.Money `json:"amount"`
}

type reserveFundsResponse struct {
	ReservationID string `json:"reservation_id"`
}

// Reserve places a hold on customer funds. The wallet service deduplicates
// on the reference, so retries and duplicate invocations return the same
// reservation.
func (g *HTTPFundsGateway) Reserve(ctx context.Context, reference string, customerID string, amount models.Money) (string, error) {
	payload := reserveFundsRequest{
		Reference:  reference,
		CustomerID: customerID,
		Amount:     amount,
	}

	var response reserveFundsResponse
	if err := g.post(ctx, "/reservations", "", payload, &response); err != nil {
		return "", errors.Wrap(err, "failed to reserve funds")
	}

	return response.ReservationID, nil
}

// Release releases a held reservation. Releasing an already-released
// reservation is a no-op on the wallet side.
func (g *HTTPFundsGateway) Release(ctx context.Context, reservationID string) error {
	url := fmt.Sprintf("%s/reservations/%s/release", g.baseURL, reservationID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build release request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to release reservation")
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (g *HTTPFundsGateway) post(ctx context.Context, path string, idempotencyKey string, payload, out interface{}) error {
	return postJSON(ctx, g.client, g.baseURL+path, idempotencyKey, payload, out)
}

// HTTPChargeGateway settles charges at the payment processor over HTTP
type HTTPChargeGateway struct {
	client  *retryablehttp.Client
	baseURL string
}

// NewHTTPChargeGateway creates a new HTTPChargeGateway
func NewHTTPChargeGateway(baseURL string) *HTTPChargeGateway {
	return &HTTPChargeGateway{
		client:  newGatewayClient(),
		baseURL: baseURL,
	}
}

type chargeRequest struct {
	ReservationID string       `json:"reservation_id"`
	Amount        models.Money `json:"amount"`
}

type chargeResponse struct {
	ChargeReference string `json:"charge_reference"`
}

// Charge settles the charge. The idempotency key rides in a header so the
// processor can deduplicate retries of the same settlement.
func (g *HTTPChargeGateway) Charge(ctx context.Context, idempotencyKey string, reservationID string, amount models.Money) (string, error) {
	payload := chargeRequest{
		ReservationID: reservationID,
		Amount:        amount,
	}

	var response chargeResponse
	if err := postJSON(ctx, g.client, g.baseURL+"/charges", idempotencyKey, payload, &response); err != nil {
		return "", errors.Wrap(err, "failed to process charge")
	}

	return response.ChargeReference, nil
}

// Reverse reverses a settled charge
func (g *HTTPChargeGateway) Reverse(ctx context.Context, chargeReference string) error {
	url := fmt.Sprintf("%s/charges/%s/reverse", g.baseURL, chargeReference)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build reverse request")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to reverse charge")
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func postJSON(ctx context.Context, client *retryablehttp.Client, url string, idempotencyKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request body")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "failed to decode response body")
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return errors.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}
