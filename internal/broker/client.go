// Package broker is the adapter between the control plane and the
// paper broker's HTTP+stream API. The trading process and the
// supervisor each construct their own client from their own
// credentials; nothing here is shared across processes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/config"
	"papertrade/internal/core"
	apperrors "papertrade/pkg/errors"
	pthttp "papertrade/pkg/http"
)

// HeaderSigner attaches the API credentials to every request.
type HeaderSigner struct {
	key    config.Secret
	secret config.Secret
}

// NewHeaderSigner builds a signer from a credential pair.
func NewHeaderSigner(key, secret config.Secret) *HeaderSigner {
	return &HeaderSigner{key: key, secret: secret}
}

// SignRequest implements pkg/http.Signer.
func (s *HeaderSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-PT-KEY", string(s.key))
	req.Header.Set("X-PT-SECRET", string(s.secret))
	return nil
}

// placeRequest is the POST /orders body.
type placeRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

// orderResponse is the broker's order representation on the wire.
type orderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

// Client implements core.IBroker over the broker REST API.
//
// Reads ride the retrying pipeline; Place and Cancel use the
// non-retrying one. The retry budget for mutations belongs to the
// caller, which holds the idempotency key and knows whether a repeat
// is safe.
type Client struct {
	read   *pthttp.Client
	mutate *pthttp.Client
	logger core.ILogger
}

// NewClient builds a broker client against baseURL with the given
// credentials.
func NewClient(baseURL string, timeout time.Duration, key, secret config.Secret, logger core.ILogger) *Client {
	signer := NewHeaderSigner(key, secret)
	return &Client{
		read:   pthttp.NewClient(baseURL, timeout, signer),
		mutate: pthttp.NewClientNoRetry(baseURL, timeout, signer),
		logger: logger.WithField("component", "broker_client"),
	}
}

// PlaceOrder submits an order. The broker deduplicates on the client
// order id, so replaying the same order returns the existing one.
func (c *Client) PlaceOrder(ctx context.Context, order *core.Order) (*core.BrokerOrder, error) {
	req := placeRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Qty:           order.Qty.String(),
		Type:          string(order.Type),
	}
	if order.Type == core.OrderTypeLimit {
		req.LimitPrice = order.LimitPrice.String()
	}

	body, err := c.mutate.Post(ctx, "/orders", req)
	if err != nil {
		return nil, classify("place order", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("place order: %w: bad response body: %v", apperrors.ErrRetriable, err)
	}
	return toBrokerOrder(resp)
}

// CancelOrder requests cancellation of a broker order by its broker-
// assigned id. Cancelling an already-terminal order is not an error on
// the broker side; the verdict arrives on the stream.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.mutate.Delete(ctx, "/orders/"+brokerOrderID, nil)
	if err != nil {
		return classify("cancel order", err)
	}
	return nil
}

// GetOrderByClientID fetches the broker's view of an order. Returns
// ErrOrderNotFound when the broker has never seen the id.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.BrokerOrder, error) {
	body, err := c.read.Get(ctx, "/orders", map[string]string{"client_order_id": clientOrderID})
	if err != nil {
		return nil, classify("get order", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("get order: %w: bad response body: %v", apperrors.ErrRetriable, err)
	}
	return toBrokerOrder(resp)
}

// ListOpenOrders returns every non-terminal order at the broker.
func (c *Client) ListOpenOrders(ctx context.Context) ([]*core.BrokerOrder, error) {
	body, err := c.read.Get(ctx, "/orders/open", nil)
	if err != nil {
		return nil, classify("list open orders", err)
	}

	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("list open orders: %w: bad response body: %v", apperrors.ErrRetriable, err)
	}

	out := make([]*core.BrokerOrder, 0, len(resp))
	for _, r := range resp {
		o, err := toBrokerOrder(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ListPositions returns the broker's positions, the source of truth
// the reconciler converges to.
func (c *Client) ListPositions(ctx context.Context) ([]*core.BrokerPosition, error) {
	body, err := c.read.Get(ctx, "/positions", nil)
	if err != nil {
		return nil, classify("list positions", err)
	}

	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("list positions: %w: bad response body: %v", apperrors.ErrRetriable, err)
	}

	out := make([]*core.BrokerPosition, 0, len(resp))
	for _, r := range resp {
		qty, err := decimal.NewFromString(r.Qty)
		if err != nil {
			return nil, fmt.Errorf("list positions: %w: bad qty %q", apperrors.ErrFatal, r.Qty)
		}
		avg, err := decimal.NewFromString(r.AvgEntryPrice)
		if err != nil {
			return nil, fmt.Errorf("list positions: %w: bad avg price %q", apperrors.ErrFatal, r.AvgEntryPrice)
		}
		out = append(out, &core.BrokerPosition{Symbol: r.Symbol, Qty: qty, AvgEntryPrice: avg})
	}
	return out, nil
}

// CancelAll cancels every open order, retrying per order until the
// deadline runs out. Used by the supervisor's actuator; the trading
// process never calls this.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	orders, err := c.ListOpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	var lastErr error
	for _, o := range orders {
		if err := c.CancelOrder(ctx, o.OrderID); err != nil {
			c.logger.Error("Cancel-all: order cancel failed",
				"broker_order_id", o.OrderID, "client_order_id", o.ClientOrderID, "error", err)
			lastErr = err
			continue
		}
		cancelled++
	}
	return cancelled, lastErr
}

func toBrokerOrder(r orderResponse) (*core.BrokerOrder, error) {
	qty, err := decimal.NewFromString(r.Qty)
	if err != nil {
		return nil, fmt.Errorf("broker order: %w: bad qty %q", apperrors.ErrFatal, r.Qty)
	}

	filled := decimal.Zero
	if r.FilledQty != "" {
		if filled, err = decimal.NewFromString(r.FilledQty); err != nil {
			return nil, fmt.Errorf("broker order: %w: bad filled qty %q", apperrors.ErrFatal, r.FilledQty)
		}
	}

	avg := decimal.Zero
	if r.AvgFillPrice != "" {
		if avg, err = decimal.NewFromString(r.AvgFillPrice); err != nil {
			return nil, fmt.Errorf("broker order: %w: bad avg fill price %q", apperrors.ErrFatal, r.AvgFillPrice)
		}
	}

	var updatedAt time.Time
	if r.UpdatedAt != "" {
		updatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	}

	return &core.BrokerOrder{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.Side(r.Side),
		Qty:           qty,
		FilledQty:     filled,
		AvgFillPrice:  avg,
		Status:        r.Status,
		Reason:        r.Reason,
		UpdatedAt:     updatedAt,
	}, nil
}
