// Package gateway is a typed HTTP client for the external mobile-money
// payment gateway (spec.md §6): one base URL for collections (deposits),
// one for disbursements (withdrawals). Its interface is the entire contract
// the rest of the system needs — the gateway itself is an external
// collaborator, out of this module's scope.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crashcore/internal/money"
)

// Status is the gateway-agnostic outcome of a status mapping, per spec.md
// §6's case-insensitive status table.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusPending    Status = "pending"
)

// MapStatus classifies a raw gateway status string per spec.md §6:
//
//	SUCCESSFUL | SUCCESS | CONFIRMED | COMPLETED | OK -> successful
//	FAILED | FAILURE | ERROR | REJECTED | DECLINED    -> failed
//	anything else                                     -> pending
func MapStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL", "SUCCESS", "CONFIRMED", "COMPLETED", "OK":
		return StatusSuccessful
	case "FAILED", "FAILURE", "ERROR", "REJECTED", "DECLINED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Request is the wire shape POSTed to both the collections and
// disbursements endpoints, per spec.md §6.
type Request struct {
	Amount      money.Amount `json:"amount"`
	Sender      string       `json:"sender"`
	Receiver    string       `json:"receiver"`
	UUID        string       `json:"uuid"`
	Token       string       `json:"token"`
	Description string       `json:"description"`
}

// InitiateResponse is the gateway's synchronous acknowledgement of a
// deposit/withdraw request.
type InitiateResponse struct {
	GatewayTxnID string `json:"gatewayTxnId"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// StatusResponse is the gateway's answer to a polling status check.
type StatusResponse struct {
	GatewayTxnID string `json:"gatewayTxnId"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// Client talks to the two gateway base URLs. Zero value is unusable; build
// with New.
type Client struct {
	collectionsBaseURL   string
	disbursementsBaseURL string
	token                string
	http                 *http.Client
}

// Config bundles the client's tunables, mirroring config.PaymentConfig.
type Config struct {
	CollectionsBaseURL   string
	DisbursementsBaseURL string
	Token                string
	Timeout              time.Duration
}

// New builds a Client. A zero Timeout defaults to 10s so a hung gateway
// never stalls a caller indefinitely.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		collectionsBaseURL:   strings.TrimRight(cfg.CollectionsBaseURL, "/"),
		disbursementsBaseURL: strings.TrimRight(cfg.DisbursementsBaseURL, "/"),
		token:                cfg.Token,
		http:                 &http.Client{Timeout: timeout},
	}
}

// InitiateDeposit POSTs a collection request to the deposit gateway.
func (c *Client) InitiateDeposit(ctx context.Context, req Request) (InitiateResponse, error) {
	return c.initiate(ctx, c.collectionsBaseURL+"/collections", req)
}

// InitiateWithdraw POSTs a disbursement request to the withdrawal gateway.
func (c *Client) InitiateWithdraw(ctx context.Context, req Request) (InitiateResponse, error) {
	return c.initiate(ctx, c.disbursementsBaseURL+"/disbursements", req)
}

func (c *Client) initiate(ctx context.Context, url string, req Request) (InitiateResponse, error) {
	req.Token = c.token
	var out InitiateResponse
	if err := c.postJSON(ctx, url, req, &out); err != nil {
		return InitiateResponse{}, err
	}
	return out, nil
}

// PollDepositStatus queries the collections gateway for a transaction's
// current status.
func (c *Client) PollDepositStatus(ctx context.Context, gatewayTxnID string) (StatusResponse, error) {
	return c.pollStatus(ctx, c.collectionsBaseURL+"/collections/"+gatewayTxnID)
}

// PollWithdrawStatus queries the disbursements gateway for a transaction's
// current status.
func (c *Client) PollWithdrawStatus(ctx context.Context, gatewayTxnID string) (StatusResponse, error) {
	return c.pollStatus(ctx, c.disbursementsBaseURL+"/disbursements/"+gatewayTxnID)
}

func (c *Client) pollStatus(ctx context.Context, url string) (StatusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("gateway: status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("gateway: read status response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return StatusResponse{}, fmt.Errorf("gateway: status check returned %d: %s", resp.StatusCode, body)
	}

	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return StatusResponse{}, fmt.Errorf("gateway: decode status response: %w", err)
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, url string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gateway: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway: request rejected, status %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}
