// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// URLFunc yields the address for the next dial, so a reconnect can resume
type URLFunc func() string

// StaticURL always dials url
func StaticURL(url string) URLFunc {
	return func() string { return url }
}

// Client is a resilient WebSocket client
type Client struct {
	url           URLFunc
	handler       MessageHandler
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new WebSocket client
func NewClient(url URLFunc, handler MessageHandler, logger core.ILogger) *Client {
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("execution_core_ws_messages_total",
		metric.WithDescription("WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("execution_core_ws_connections_total",
		metric.WithDescription("WebSocket dial attempts"))
	latencyHist, _ := meter.Float64Histogram("execution_core_ws_message_processing_latency_seconds",
		metric.WithDescription("Latency of handling a WebSocket message in seconds"))

	return &Client{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		cancel:        func() {},
		tracer:        telemetry.GetTracer("ws-client"),
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		latencyHist:   latencyHist,
		logger:        logger.WithField("component", "ws_client"),
	}
}

// SetPingConfig sets the ping/pong configuration
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetReconnectWait sets the pause between a lost connection and the next dial
func (c *Client) SetReconnectWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectWait = d
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes message as JSON on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Reconnect drops the current connection; the loop dials again after the reconnect wait
func (c *Client) Reconnect() {
	c.closeConn()
}

// Start connects and begins listening until ctx is cancelled or Stop is called
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop closes the connection and waits for the loop to exit
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()

	c.closeConn()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
	}
}

func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			onConnected := c.onConnected
			pingInterval := c.pingInterval
			c.mu.Unlock()

			if onConnected != nil {
				onConnected()
			}

			heartbeatCtx, heartbeatCancel := context.WithCancel(ctx)
			if pingInterval > 0 {
				c.wg.Add(1)
				go c.heartbeat(heartbeatCtx, conn)
			}

			unblock := context.AfterFunc(ctx, func() { _ = conn.Close() })
			c.readLoop(ctx, conn)
			unblock()
			heartbeatCancel()
		} else if ctx.Err() == nil {
			c.logger.Error("WebSocket connect failed", "error", err)
		}

		c.mu.Lock()
		wait := c.reconnectWait
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
			c.mu.Unlock()
			if err != nil {
				// Closing unblocks readLoop, which triggers the reconnect
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	url := c.url()
	ctx, span := c.tracer.Start(ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		span.RecordError(err)
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pongWait := c.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn = conn
	return conn, nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.closeConn()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("WebSocket connection lost", "error", err)
			}
			return
		}

		start := time.Now()
		c.msgCounter.Add(ctx, 1)

		if c.handler != nil {
			c.handler(message)
		}

		c.latencyHist.Record(ctx, time.Since(start).Seconds())
	}
}
