package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWSURL is the production Advanced Trade market data endpoint.
const DefaultWSURL = "wss://advanced-trade-ws.coinbase.com"

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// TickerHandler is called for every price update received on the stream.
type TickerHandler func(Ticker)

// DisconnectHandler is called when the connection drops, before the
// reconnect loop starts.
type DisconnectHandler func(error)

// WSClient streams ticker updates for subscribed products. It keeps the
// subscription set across reconnects.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu                 sync.RWMutex
	closed             bool
	subscribedProducts []string

	handlerMu          sync.RWMutex
	tickerHandlers     []TickerHandler
	disconnectHandlers []DisconnectHandler

	// done is closed when the client shuts down.
	done chan struct{}
}

// NewWSClient creates a WebSocket client. wsURL falls back to
// DefaultWSURL when empty.
func NewWSClient(wsURL string) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores any tracked
// subscriptions.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("coinbase/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.subscribedProducts) > 0 {
		if err := w.sendSubscribe(w.subscribedProducts); err != nil {
			return fmt.Errorf("coinbase/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe adds products to the ticker subscription. Already subscribed
// products are skipped.
func (w *WSClient) Subscribe(products []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing := make(map[string]struct{}, len(w.subscribedProducts))
	for _, p := range w.subscribedProducts {
		existing[p] = struct{}{}
	}
	var fresh []string
	for _, p := range products {
		if _, ok := existing[p]; !ok {
			fresh = append(fresh, p)
			w.subscribedProducts = append(w.subscribedProducts, p)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if w.conn == nil {
		// Not connected yet; Connect replays the tracked set.
		return nil
	}
	if err := w.sendSubscribe(fresh); err != nil {
		return fmt.Errorf("coinbase/ws: subscribe: %w", err)
	}
	return nil
}

// OnTicker registers a handler called for every ticker update.
func (w *WSClient) OnTicker(handler TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tickerHandlers = append(w.tickerHandlers, handler)
}

// OnDisconnect registers a handler called when the stream drops.
func (w *WSClient) OnDisconnect(handler DisconnectHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.disconnectHandlers = append(w.disconnectHandlers, handler)
}

// Close shuts down the WebSocket connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendSubscribe sends a subscribe command. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(products []string) error {
	cmd := wsSubscribeCmd{
		Type:       "subscribe",
		ProductIDs: products,
		Channel:    "ticker",
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages and dispatches ticker updates. On disconnect it
// notifies handlers and attempts reconnection.
func (w *WSClient) readLoop() {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.handlerMu.RLock()
			handlers := w.disconnectHandlers
			w.handlerMu.RUnlock()
			for _, h := range handlers {
				h(err)
			}

			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and routes ticker events.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope wsMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	if envelope.Channel != "ticker" {
		return
	}

	var events []wsTickerEvent
	if err := json.Unmarshal(envelope.Events, &events); err != nil {
		return
	}

	w.handlerMu.RLock()
	handlers := w.tickerHandlers
	w.handlerMu.RUnlock()

	for _, ev := range events {
		for _, tk := range ev.Tickers {
			price, err := strconv.ParseFloat(tk.Price, 64)
			if err != nil || price <= 0 {
				continue
			}
			t := Ticker{ProductID: tk.ProductID, Price: price}
			for _, h := range handlers {
				h(t)
			}
		}
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
