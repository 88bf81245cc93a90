package coinbase

import "encoding/json"

// orderRequest is the Advanced Trade order payload.
type orderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration orderConfiguration `json:"order_configuration"`
}

type orderConfiguration struct {
	MarketIOC marketIOC `json:"market_market_ioc"`
}

// marketIOC sizes a market order either in quote currency (entries) or in
// base units (exits).
type marketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type orderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	FailureReason string `json:"failure_reason"`
	ErrorResponse struct {
		Message string `json:"message"`
	} `json:"error_response"`
}

type productResponse struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// wsSubscribeCmd subscribes a list of products to one channel.
type wsSubscribeCmd struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

// wsMessage is the envelope for market data frames.
type wsMessage struct {
	Channel string          `json:"channel"`
	Events  json.RawMessage `json:"events"`
}

type wsTickerEvent struct {
	Type    string     `json:"type"`
	Tickers []wsTicker `json:"tickers"`
}

type wsTicker struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// Ticker is one parsed price update from the market data stream.
type Ticker struct {
	ProductID string
	Price     float64
}
