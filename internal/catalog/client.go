// Package catalog reads current prices from the product service.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("product not found")

// ProductDTO is the product service's JSON shape. Price is NUMERIC rendered as text.
type ProductDTO struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Stock int    `json:"stock"`
}

type Client struct {
	http    *resty.Client
	baseURL string
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) FetchProduct(ctx context.Context, ref string) (*ProductDTO, error) {
	var p ProductDTO
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&p).
		Get(fmt.Sprintf("%s/products/%s", c.baseURL, url.PathEscape(ref)))
	if err != nil {
		return nil, err
	}
	switch res.StatusCode() {
	case http.StatusOK:
		return &p, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, ref)
	default:
		return nil, fmt.Errorf("catalog: fetch %s: %s", ref, res.Status())
	}
}

// GetCurrentPrice returns the unit price to snapshot into a new order.
func (c *Client) GetCurrentPrice(ctx context.Context, ref string) (decimal.Decimal, error) {
	p, err := c.FetchProduct(ctx, ref)
	if err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("catalog: product %s price %q: %w", ref, p.Price, err)
	}
	return price, nil
}
