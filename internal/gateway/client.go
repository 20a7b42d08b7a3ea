// Package gateway talks to the external payment gateway over its REST API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers transport failures, timeouts, throttling and 5xx.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected means the gateway refused the request as malformed.
	ErrRejected = errors.New("gateway rejected request")
)

type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
}

type Client struct {
	http    *resty.Client
	baseURL string
}

func New(baseURL, keyID, keySecret string, timeout time.Duration) *Client {
	hc := resty.New().
		SetTimeout(timeout).
		SetBasicAuth(keyID, keySecret).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/")}
}

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type createIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// MinorUnits converts a two-decimal amount to the integer unit the gateway bills in.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// CreateIntent opens a payment intent for amount. receipt is forwarded as
// both the receipt and the Idempotency-Key header so a retried call maps to
// the same intent on gateways that honour it.
func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, currency, receipt string) (Intent, error) {
	if amount.IsNegative() || amount.Shift(2).GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return Intent{}, fmt.Errorf("%w: amount %s out of range", ErrRejected, amount)
	}
	var (
		out    createIntentResponse
		apiErr apiError
	)
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", receipt).
		SetBody(createIntentRequest{
			Amount:   MinorUnits(amount),
			Currency: currency,
			Receipt:  receipt,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.baseURL + "/v1/orders")
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code := res.StatusCode(); {
	case code == http.StatusTooManyRequests || code >= 500:
		return Intent{}, fmt.Errorf("%w: %s", ErrUnavailable, res.Status())
	case res.IsError():
		return Intent{}, fmt.Errorf("%w: %s %s", ErrRejected, apiErr.Error.Code, apiErr.Error.Description)
	}
	if out.ID == "" {
		return Intent{}, fmt.Errorf("%w: response without intent id", ErrUnavailable)
	}
	secret := out.ClientSecret
	if secret == "" {
		// order-style gateways hand the intent id itself to the checkout widget
		secret = out.ID
	}
	return Intent{ID: out.ID, ClientSecret: secret, Amount: out.Amount, Currency: out.Currency}, nil
}
