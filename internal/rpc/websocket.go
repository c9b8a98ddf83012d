package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient implements Client over a single WebSocket connection.
// Calls are serialized: one request is in flight at a time.
type WSClient struct {
	ethMethods

	url      string
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// DialWebSocket connects to a ws:// or wss:// JSON-RPC endpoint.
func DialWebSocket(ctx context.Context, cfg ClientConfig) (*WSClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	if cfg.Timeout > 0 {
		dialer.HandshakeTimeout = cfg.Timeout
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	logger.Debug("connected to node WebSocket", slog.String("url", cfg.URL))

	c := &WSClient{
		url:      cfg.URL,
		timeout:  cfg.Timeout,
		logger:   logger,
		observer: cfg.Observer,
		conn:     conn,
	}
	c.ethMethods = ethMethods{caller: c}
	return c, nil
}

// Call sends a request and waits for the response with the matching ID.
// Subscription notifications arriving in between are dropped.
func (c *WSClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observer != nil {
		c.observer.ObserveRPC(method, time.Since(start), err)
	}
	return result, err
}

func (c *WSClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("websocket to %s is closed", c.url)
	}

	c.nextID++
	id := c.nextID

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if c.timeout > 0 {
		if t := time.Now().Add(c.timeout); deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	req := JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	if err := c.conn.WriteJSON(req); err != nil {
		c.drop()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.drop()
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		var envelope struct {
			ID     *uint64 `json:"id"`
			Method string  `json:"method"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if envelope.ID == nil || *envelope.ID != id {
			c.logger.Debug("dropping unrelated websocket message",
				slog.String("method", envelope.Method),
			)
			continue
		}
		return decodeResponse(data)
	}
}

// drop closes a connection that is no longer usable. Caller holds c.mu.
func (c *WSClient) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	// Best effort: the node may already have gone away.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}
