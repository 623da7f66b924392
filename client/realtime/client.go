package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/That909kk/femobile-sub001/client"
)

const connectFlightKey = "realtime-connect"

// Options configures the realtime client beyond what Config carries.
type Options struct {
	// Tokens supplies the bearer token for the websocket handshake and is
	// asked to refresh before dialing.
	Tokens client.TokenService

	Logger *slog.Logger

	// HTTPClient donates its TLS configuration to the websocket dialer so
	// test servers with self-signed certificates work.
	HTTPClient *http.Client

	// OnStateChange observes every connection state transition. Called
	// synchronously from the transition; keep it fast.
	OnStateChange func(old, new ConnectionState)

	// HeartbeatTimeout faults the connection when no frame (including
	// pings) arrives for this long. Zero disables the monitor.
	HeartbeatTimeout time.Duration
}

// Client is the realtime connection manager: one websocket shared by every
// topic subscription, with an explicit state machine and no hidden retries.
// Reconnection policy belongs to the consumer; the client reports Faulted
// and waits.
type Client struct {
	realtimeURL      string
	connectTimeout   time.Duration
	heartbeatTimeout time.Duration

	tokens        client.TokenService
	httpClient    *http.Client
	logger        *slog.Logger
	onStateChange func(old, new ConnectionState)

	flight   *client.Flight
	mux      *subscriptionMux
	pipeline *DeliveryPipeline

	stateMu sync.Mutex
	state   ConnectionState

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Per-session lifecycle. Rebuilt on every successful dial.
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	incomingFrames chan frame

	readerRunning    bool
	readerDone       chan struct{}
	readerMu         sync.Mutex
	processorRunning bool
	processorDone    chan struct{}
	processorMu      sync.Mutex

	lastSeenMu sync.Mutex
	lastSeen   time.Time
}

// NewClient creates a realtime client from the session configuration.
func NewClient(cfg client.Config, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		realtimeURL:      cfg.Endpoints.RealtimeURL,
		connectTimeout:   cfg.ConnectTimeout,
		heartbeatTimeout: opts.HeartbeatTimeout,
		tokens:           opts.Tokens,
		httpClient:       opts.HTTPClient,
		logger:           logger,
		onStateChange:    opts.OnStateChange,
		flight:           client.NewFlight(),
		pipeline:         NewDeliveryPipeline(cfg.DedupWindowSize, cfg.DedupWindowAge),
		state:            Disconnected,
	}
	c.mux = newSubscriptionMux(c.sendFrame, logger)
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Pipeline exposes the shared dedup pipeline so the fallback poller feeds
// the same windows as the push path.
func (c *Client) Pipeline() *DeliveryPipeline {
	return c.pipeline
}

// Connect establishes the websocket. Concurrent calls coalesce onto one
// dial attempt; a call while already connected is a no-op. A Faulted
// connection is reset to Disconnected before a fresh attempt.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.flight.Run(ctx, connectFlightKey, func() (any, error) {
		return nil, c.establishConnection(ctx)
	})
	return err
}

func (c *Client) establishConnection(ctx context.Context) error {
	switch c.State() {
	case Connected, Connecting:
		return nil
	case Faulted:
		// Recovery goes through the resting state.
		c.setState(Disconnected)
		c.teardown()
	}

	if !c.setState(Connecting) {
		return fmt.Errorf("cannot connect from state %s", c.State())
	}

	valid, err := c.tokens.EnsureValid(ctx)
	if err != nil {
		c.setState(Faulted)
		return fmt.Errorf("token check failed before dial: %w", err)
	}
	if !valid {
		c.setState(Faulted)
		return client.ErrUnauthenticated
	}

	accessToken, err := c.tokens.AccessToken(ctx)
	if err != nil || accessToken == "" {
		c.setState(Faulted)
		return client.ErrUnauthenticated
	}

	// Correlates one socket session across log lines and server traces.
	sessionID := uuid.NewString()

	wsURL := toWebSocketURL(c.realtimeURL)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+accessToken)
	headers.Set("X-Session-ID", sessionID)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.connectTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	// Reuse the HTTP client's TLS config so mock servers with self-signed
	// certificates are dialable.
	if c.httpClient != nil {
		if transport, ok := c.httpClient.Transport.(*http.Transport); ok && transport.TLSClientConfig != nil {
			dialer.TLSClientConfig = transport.TLSClientConfig
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.logger.Info("dialing realtime endpoint",
		"function", "establishConnection",
		"url", wsURL,
		"session_id", sessionID)
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			c.logger.Error("websocket handshake failed",
				"function", "establishConnection",
				"status", resp.StatusCode)
		} else {
			c.logger.Error("websocket dial failed",
				"function", "establishConnection",
				"error", err)
		}
		c.setState(Faulted)
		return fmt.Errorf("failed to establish realtime connection: %w", err)
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	c.connMu.Lock()
	c.conn = conn
	c.sessionCtx = sessionCtx
	c.sessionCancel = sessionCancel
	c.incomingFrames = make(chan frame, 100)
	c.connMu.Unlock()

	c.touchLastSeen()
	c.setState(Connected)

	c.startReader(conn)
	c.startProcessor()
	if c.heartbeatTimeout > 0 {
		go c.monitorHeartbeat(sessionCtx)
	}

	if err := c.mux.resubscribeAll(ctx); err != nil {
		c.logger.Error("resubscription failed",
			"function", "establishConnection",
			"error", err)
		c.fault(err)
		return err
	}

	c.logger.Info("realtime connection established", "function", "establishConnection")
	return nil
}

// Disconnect closes the connection deliberately and returns the client to
// Disconnected. Subscriptions stay registered and are replayed on the next
// Connect.
func (c *Client) Disconnect() {
	c.logger.Info("disconnecting", "function", "Disconnect")
	// The state flips before the transport closes so the reader's read
	// error reads as a deliberate close, never as a fault.
	c.setState(Disconnected)
	c.teardown()
}

// Subscribe attaches handler to topic and returns its detach closure. While
// disconnected the subscription is registered locally and issued to the
// server on the next connect.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler) (func(context.Context) error, error) {
	return c.mux.subscribe(ctx, topic, handler)
}

// sendFrame writes one control frame. Off-transport it is a registered
// no-op: resubscribeAll issues the pending subscribes after the next dial.
func (c *Client) sendFrame(ctx context.Context, f frame) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || c.State() != Connected {
		c.logger.Debug("dropping control frame while offline",
			"function", "sendFrame",
			"type", f.Type,
			"topic", f.Topic)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

// startReader launches the socket reader. It only reads and forwards;
// slow handling never backs up into the TCP window.
func (c *Client) startReader(conn *websocket.Conn) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()
	if c.readerRunning {
		return
	}
	c.readerRunning = true
	c.readerDone = make(chan struct{})

	incoming := c.incomingFrames
	go func() {
		defer func() {
			c.readerMu.Lock()
			c.readerRunning = false
			c.readerMu.Unlock()
			close(c.readerDone)
		}()

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				if c.State() == Connected {
					c.logger.Warn("read failed, faulting connection",
						"function", "startReader",
						"error", err)
					go c.fault(err)
				}
				return
			}
			select {
			case incoming <- f:
			default:
				c.logger.Warn("incoming frame buffer full, dropping frame",
					"function", "startReader",
					"type", f.Type,
					"topic", f.Topic)
			}
		}
	}()
}

// startProcessor launches the frame processor, decoupled from the reader by
// the buffered channel.
func (c *Client) startProcessor() {
	c.processorMu.Lock()
	defer c.processorMu.Unlock()
	if c.processorRunning {
		return
	}
	c.processorRunning = true
	c.processorDone = make(chan struct{})

	ctx := c.sessionCtx
	incoming := c.incomingFrames
	go func() {
		defer func() {
			c.processorMu.Lock()
			c.processorRunning = false
			c.processorMu.Unlock()
			close(c.processorDone)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case f := <-incoming:
				c.handleFrame(ctx, f)
			}
		}
	}()
}

func (c *Client) handleFrame(ctx context.Context, f frame) {
	c.touchLastSeen()

	switch f.Type {
	case frameTypePing:
		if err := c.sendFrame(ctx, frame{Type: frameTypePong}); err != nil {
			c.logger.Warn("failed to answer ping",
				"function", "handleFrame",
				"error", err)
		}
	case frameTypeEvent:
		if !c.pipeline.Accept(f.Topic, f.ID) {
			c.logger.Debug("duplicate event dropped",
				"function", "handleFrame",
				"topic", f.Topic,
				"event_id", f.ID)
			return
		}
		c.mux.dispatch(eventFromFrame(f, time.Now()))
	case frameTypePong:
		// lastSeen already updated, nothing else to do
	default:
		c.logger.Debug("ignoring unknown frame type",
			"function", "handleFrame",
			"type", f.Type)
	}
}

// monitorHeartbeat faults the connection when the server goes silent.
func (c *Client) monitorHeartbeat(ctx context.Context) {
	interval := c.heartbeatTimeout / 2
	if interval < time.Second {
		interval = c.heartbeatTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.lastSeenMu.Lock()
			silent := time.Since(c.lastSeen)
			c.lastSeenMu.Unlock()
			if silent > c.heartbeatTimeout {
				c.logger.Warn("server silent past heartbeat timeout, faulting",
					"function", "monitorHeartbeat",
					"silent", silent)
				c.fault(fmt.Errorf("no frame received for %s", silent))
				return
			}
		}
	}
}

// fault transitions to Faulted and tears the transport down. The consumer
// decides whether and when to reconnect.
func (c *Client) fault(err error) {
	if !c.setState(Faulted) {
		return
	}
	c.logger.Error("connection faulted",
		"function", "fault",
		"error", err)
	c.teardown()
}

// teardown closes the transport and stops the session goroutines, waiting
// briefly for each to exit.
func (c *Client) teardown() {
	c.connMu.Lock()
	conn := c.conn
	cancel := c.sessionCancel
	c.conn = nil
	c.sessionCancel = nil
	c.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	c.waitForGoroutine(&c.readerMu, &c.readerRunning, c.readerDone, "reader")
	c.waitForGoroutine(&c.processorMu, &c.processorRunning, c.processorDone, "processor")
}

func (c *Client) waitForGoroutine(mu *sync.Mutex, running *bool, done chan struct{}, name string) {
	mu.Lock()
	active := *running
	ch := done
	mu.Unlock()
	if !active || ch == nil {
		return
	}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		c.logger.Warn("goroutine did not exit in time",
			"function", "teardown",
			"goroutine", name)
	}
}

// setState applies a transition if it is legal, notifying the observer.
func (c *Client) setState(to ConnectionState) bool {
	c.stateMu.Lock()
	from := c.state
	if !validTransition(from, to) {
		c.stateMu.Unlock()
		return false
	}
	c.state = to
	c.stateMu.Unlock()

	c.logger.Info("connection state changed",
		"function", "setState",
		"from", from.String(),
		"to", to.String())
	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
	return true
}

func (c *Client) touchLastSeen() {
	c.lastSeenMu.Lock()
	c.lastSeen = time.Now()
	c.lastSeenMu.Unlock()
}

// toWebSocketURL converts the configured https endpoint to the websocket
// scheme gorilla expects.
func toWebSocketURL(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
