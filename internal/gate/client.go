// Package gate is the device side of scanning: the HTTP client for the gate
// server and the scan flow a gate operator drives.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ms-gatescan/internal/auth"
	"ms-gatescan/internal/logger"
	"ms-gatescan/internal/models"
	"ms-gatescan/internal/utils"
	"ms-gatescan/internal/validation"
)

// Client talks to the gate server. Failures are classified for the sync
// engine: network trouble and 5xx are validation.ErrTransient, other
// rejections are validation.ErrPermanent.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *auth.TokenSource
	log     *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, tokens *auth.TokenSource, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log,
	}
}

// Validate submits one scan for an authoritative verdict.
func (c *Client) Validate(ctx context.Context, attempt models.ScanAttempt) (validation.Authoritative, error) {
	var verdict validation.Authoritative
	if err := c.do(ctx, http.MethodPost, "/api/scans", attempt, &verdict); err != nil {
		return validation.Authoritative{}, err
	}
	return verdict, nil
}

// FetchTickets downloads the ticket snapshots of an event for the local cache.
func (c *Client) FetchTickets(ctx context.Context, eventID string) ([]models.TicketSnapshot, error) {
	var snapshots []models.TicketSnapshot
	path := "/api/events/" + url.PathEscape(eventID) + "/tickets"
	if err := c.do(ctx, http.MethodGet, path, nil, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// PartySize returns the declared party size of an order, nil when the order
// carries none.
func (c *Client) PartySize(ctx context.Context, orderID string) (*int, error) {
	var body struct {
		OrderID   string `json:"order_id"`
		PartySize *int   `json:"party_size"`
	}
	path := "/api/orders/" + url.PathEscape(orderID) + "/party-size"
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.PartySize, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %w", validation.ErrPermanent, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", validation.ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: service token: %w", validation.ErrTransient, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", validation.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	var env utils.Envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&env)

	if resp.StatusCode >= 300 {
		reason := env.Error
		if reason == "" {
			reason = resp.Status
		}
		return classifyStatus(resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, reason))
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode %s response: %w", validation.ErrTransient, path, decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode %s data: %w", validation.ErrPermanent, path, err)
		}
	}
	return nil
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %w", validation.ErrPermanent, models.ErrNotFound, err)
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout,
		status == http.StatusUnauthorized:
		// 401: service token expired or not yet accepted.
		return fmt.Errorf("%w: %w", validation.ErrTransient, err)
	default:
		return fmt.Errorf("%w: %w", validation.ErrPermanent, err)
	}
}
