package gateway

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
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// Client is a REST client for a NOWPayments-style processor API.
type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	client      *http.Client
	limiter     *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallbackURL asks the processor to send IPN callbacks to u.
func WithCallbackURL(u string) ClientOption { return func(c *Client) { c.callbackURL = u } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.client = h } }

// NewClient constructs a processor client. ratePerSecond bounds outgoing
// calls; zero means unlimited.
func NewClient(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("gateway: empty base url")
	}
	if apiKey == "" {
		return nil, errors.New("gateway: empty api key")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createPaymentRequest struct {
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	PayCurrency   string      `json:"pay_currency"`
	OrderID       string      `json:"order_id"`
	IPNCallback   string      `json:"ipn_callback_url,omitempty"`
}

type paymentResponse struct {
	PaymentID      flexID          `json:"payment_id"`
	PaymentStatus  Status          `json:"payment_status"`
	PayAddress     string          `json:"pay_address"`
	PayAmount      decimal.Decimal `json:"pay_amount"`
	PayCurrency    string          `json:"pay_currency"`
	ExpirationDate string          `json:"expiration_estimate_date"`
}

// CreatePayment opens a payment for amountUSD, payable in payCurrency.
func (c *Client) CreatePayment(ctx context.Context, amountUSD decimal.Decimal, payCurrency, orderID string) (*Payment, error) {
	body := createPaymentRequest{
		PriceAmount:   json.Number(amountUSD.String()),
		PriceCurrency: "usd",
		PayCurrency:   payCurrency,
		OrderID:       orderID,
		IPNCallback:   c.callbackURL,
	}
	var resp paymentResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/payment", body, &resp); err != nil {
		metrics.GatewayErrors.WithLabelValues("create").Inc()
		return nil, err
	}
	if resp.PaymentID == "" || resp.PayAddress == "" {
		metrics.GatewayErrors.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("gateway: incomplete payment response: %w", model.ErrGatewayUnavailable)
	}
	return &Payment{
		GatewayPaymentID: string(resp.PaymentID),
		Address:          resp.PayAddress,
		PayAmount:        resp.PayAmount,
		PayCurrency:      resp.PayCurrency,
		Status:           resp.PaymentStatus,
		ExpiresAt:        parseTime(resp.ExpirationDate),
	}, nil
}

// GetStatus reads the processor's current state for a payment.
func (c *Client) GetStatus(ctx context.Context, gatewayPaymentID string) (Status, error) {
	if gatewayPaymentID == "" {
		return "", errors.New("gateway: empty payment id")
	}
	var resp paymentResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payment/"+url.PathEscape(gatewayPaymentID), nil, &resp); err != nil {
		metrics.GatewayErrors.WithLabelValues("status").Inc()
		return "", err
	}
	if resp.PaymentStatus == "" {
		metrics.GatewayErrors.WithLabelValues("status").Inc()
		return "", fmt.Errorf("gateway: empty status for %s: %w", gatewayPaymentID, model.ErrGatewayUnavailable)
	}
	return resp.PaymentStatus, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway: rate limit wait: %w", err)
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %v: %w", method, path, err, model.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway: %s %s: http %d: %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)), model.ErrGatewayUnavailable)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s: %v: %w", path, err, model.ErrGatewayUnavailable)
	}
	return nil
}

// flexID accepts payment ids encoded as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
