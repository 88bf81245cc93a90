// Package coinbase talks to the Coinbase Advanced Trade API: a REST
// client for order placement and a WebSocket client for market data.
package coinbase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/awickham/exitbot/internal/domain"
)

// DefaultBaseURL is the production Advanced Trade REST root.
const DefaultBaseURL = "https://api.coinbase.com"

// Client is the REST client for the Coinbase Advanced Trade API and the
// live implementation of domain.Broker.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewClient creates a Coinbase REST client. baseURL falls back to
// DefaultBaseURL when empty.
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// OpenMarket places a market IOC order sized in quote currency and reports
// the fill at the product's current price.
func (c *Client) OpenMarket(ctx context.Context, symbol string, side domain.Side, sizeUSD float64) (domain.Fill, error) {
	orderSide := "BUY"
	if side == domain.SideShort {
		orderSide = "SELL"
	}
	req := orderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     symbol,
		Side:          orderSide,
		OrderConfiguration: orderConfiguration{
			MarketIOC: marketIOC{QuoteSize: strconv.FormatFloat(sizeUSD, 'f', 2, 64)},
		},
	}
	if err := c.placeOrder(ctx, req); err != nil {
		return domain.Fill{}, fmt.Errorf("coinbase: open %s: %w", symbol, err)
	}

	price, err := c.GetPrice(ctx, symbol)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("coinbase: open %s: fill price: %w", symbol, err)
	}
	return domain.Fill{Price: price, Time: time.Now().UTC()}, nil
}

// CloseMarket unwinds a position's base quantity with a market IOC order
// on the opposite side.
func (c *Client) CloseMarket(ctx context.Context, p domain.Position) (domain.Fill, error) {
	orderSide := "SELL"
	if p.Side == domain.SideShort {
		orderSide = "BUY"
	}
	req := orderRequest{
		ClientOrderID: uuid.NewString(),
		ProductID:     p.Symbol,
		Side:          orderSide,
		OrderConfiguration: orderConfiguration{
			MarketIOC: marketIOC{BaseSize: strconv.FormatFloat(p.Quantity, 'f', 8, 64)},
		},
	}
	if err := c.placeOrder(ctx, req); err != nil {
		return domain.Fill{}, fmt.Errorf("coinbase: close %s: %w", p.Symbol, err)
	}

	price, err := c.GetPrice(ctx, p.Symbol)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("coinbase: close %s: fill price: %w", p.Symbol, err)
	}
	return domain.Fill{Price: price, Time: time.Now().UTC()}, nil
}

// GetPrice returns the current price for a product.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	path := fmt.Sprintf("/api/v3/brokerage/products/%s", url.PathEscape(symbol))
	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("coinbase: get product %s: %w", symbol, err)
	}

	var resp productResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("coinbase: decode product %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: parse price %q for %s: %w", resp.Price, symbol, err)
	}
	return price, nil
}

func (c *Client) placeOrder(ctx context.Context, order orderRequest) error {
	body, err := c.doSignedRequest(ctx, http.MethodPost, "/api/v3/brokerage/orders", order)
	if err != nil {
		return err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Success {
		reason := resp.FailureReason
		if resp.ErrorResponse.Message != "" {
			reason = resp.ErrorResponse.Message
		}
		return fmt.Errorf("order rejected: %s", reason)
	}
	return nil
}

// doSignedRequest builds, signs (HMAC-SHA256), sends, and reads one HTTP
// request against the Advanced Trade API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyBytes []byte
	var bodyReader io.Reader
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.signRequest(req, method, path, bodyBytes)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// signRequest sets the CB-ACCESS headers. The prehash is
// timestamp + method + path + body; query strings are excluded.
func (c *Client) signRequest(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + path))
	mac.Write(body)

	req.Header.Set("CB-ACCESS-KEY", c.apiKey)
	req.Header.Set("CB-ACCESS-SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
}

// Compile-time interface check.
var _ domain.Broker = (*Client)(nil)
