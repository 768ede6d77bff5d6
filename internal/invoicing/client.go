// Package invoicing talks to the external invoicing service.
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-caisse/internal/resilience"
)

var (
	ErrNotConfigured = errors.New("invoicing: client not configured")
	ErrUnexpected    = errors.New("invoicing: unexpected response")
)

// Invoice is an open invoice as reported by the invoicing service. The
// payment method is free text typed by whoever issued the invoice.
type Invoice struct {
	Ref              string          `json:"ref"`
	ClientName       string          `json:"clientName"`
	VendorName       string          `json:"vendorName"`
	IssuedAt         time.Time       `json:"issuedAt"`
	Total            decimal.Decimal `json:"total"`
	DepositAmount    decimal.Decimal `json:"depositAmount"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	PaymentMethod    string          `json:"paymentMethod"`
	CheckCount       int             `json:"checkCount,omitempty"`
	Status           string          `json:"status"`
}

// Paid reports whether the service already flagged the invoice as settled.
func (i Invoice) Paid() bool {
	return strings.EqualFold(i.Status, "paid")
}

// Client calls the invoicing REST API through a retrying, breaker-protected
// HTTP client.
type Client struct {
	BaseURL string
	Token   string
	HTTP    resilience.HTTPClient
}

// NewClient builds a client; a trailing slash on baseURL is ignored.
func NewClient(baseURL, token string, httpClient resilience.HTTPClient) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: httpClient}
}

// NewHTTPClient returns the traced transport used for invoicing calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type listResponse struct {
	Data []Invoice `json:"data"`
}

// ListInvoices returns the invoices that still carry a balance.
func (c *Client) ListInvoices(ctx context.Context) ([]Invoice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/invoices", url.Values{"status": {"open"}}, nil)
	if err != nil {
		return nil, err
	}
	var out listResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out.Data, nil
}

type markPaidRequest struct {
	Refs []string `json:"refs"`
}

type markPaidResponse struct {
	Updated int `json:"updated"`
}

// MarkInvoicesPaid flips the listed invoices to paid and returns how many
// changed state. Refs already paid are not counted by the service.
func (c *Client) MarkInvoicesPaid(ctx context.Context, refs []string) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(markPaidRequest{Refs: refs})
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/invoices/mark-paid", nil, body)
	if err != nil {
		return 0, err
	}
	var out markPaidResponse
	if err := c.do(ctx, req, &out); err != nil {
		return 0, fmt.Errorf("mark invoices paid: %w", err)
	}
	return out.Updated, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Request, error) {
	if c == nil || c.BaseURL == "" || c.HTTP.Client == nil {
		return nil, ErrNotConfigured
	}
	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, dst any) error {
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s", ErrUnexpected, resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	return nil
}
