package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/That909kk/femobile-sub001/client"
	"github.com/That909kk/femobile-sub001/client/realtime/mocktesting"
)

// staticTokens is a TokenService stub with a fixed token.
type staticTokens struct {
	mu    sync.Mutex
	token string
}

func (s *staticTokens) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *staticTokens) EnsureValid(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != "", nil
}

func (s *staticTokens) Refresh(ctx context.Context) error { return nil }

type testHarness struct {
	server *mocktesting.MockPushServer
	client *Client
	states chan ConnectionState
}

func newHarness(t *testing.T, token string) *testHarness {
	t.Helper()
	server := mocktesting.NewMockPushServer()
	t.Cleanup(server.Close)

	endpoints, err := client.BuildEndpoints(serverBaseURL(server))
	if err != nil {
		t.Fatalf("failed to build endpoints: %v", err)
	}
	cfg := client.DefaultConfig(endpoints)
	cfg.ConnectTimeout = 3 * time.Second

	states := make(chan ConnectionState, 16)
	c := NewClient(cfg, Options{
		Tokens:     &staticTokens{token: token},
		Logger:     testLogger(),
		HTTPClient: server.HTTPClient(),
		OnStateChange: func(_, to ConnectionState) {
			states <- to
		},
	})
	t.Cleanup(c.Disconnect)

	return &testHarness{server: server, client: c, states: states}
}

func serverBaseURL(s *mocktesting.MockPushServer) string {
	// RealtimeURL is https://host/realtime/ws; the endpoint builder appends
	// the path itself.
	url := s.RealtimeURL()
	return url[:len(url)-len("/realtime/ws")]
}

func (h *testHarness) awaitState(t *testing.T, want ConnectionState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, currently %s", want, h.client.State())
		}
	}
}

func TestConnectWalksThroughConnecting(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.SetAcceptedToken("A1")

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if got := <-h.states; got != Connecting {
		t.Errorf("first transition should be Connecting, got %s", got)
	}
	if got := <-h.states; got != Connected {
		t.Errorf("second transition should be Connected, got %s", got)
	}

	// Connecting again is a no-op.
	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect failed: %v", err)
	}
	if h.client.State() != Connected {
		t.Errorf("expected Connected, got %s", h.client.State())
	}
}

func TestConnectWithoutCredentialsFaults(t *testing.T) {
	h := newHarness(t, "")

	err := h.client.Connect(context.Background())
	if !errors.Is(err, client.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if h.client.State() != Faulted {
		t.Errorf("expected Faulted, got %s", h.client.State())
	}
}

func TestConnectHandshakeRejectionFaults(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.RejectUpgrades(http.StatusServiceUnavailable)

	if err := h.client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if h.client.State() != Faulted {
		t.Errorf("expected Faulted, got %s", h.client.State())
	}

	// The consumer retries once the backend recovers: Faulted resets through
	// Disconnected and a fresh dial succeeds.
	h.server.RejectUpgrades(0)
	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if h.client.State() != Connected {
		t.Errorf("expected Connected after recovery, got %s", h.client.State())
	}
}

func TestConnectTimesOutAgainstStalledEndpoint(t *testing.T) {
	server := mocktesting.NewMockPushServer()
	t.Cleanup(server.Close)
	server.StallUpgrades(true)

	endpoints, err := client.BuildEndpoints(serverBaseURL(server))
	if err != nil {
		t.Fatalf("failed to build endpoints: %v", err)
	}
	cfg := client.DefaultConfig(endpoints)
	cfg.ConnectTimeout = 300 * time.Millisecond

	c := NewClient(cfg, Options{
		Tokens:     &staticTokens{token: "A1"},
		Logger:     testLogger(),
		HTTPClient: server.HTTPClient(),
	})
	t.Cleanup(c.Disconnect)

	start := time.Now()
	err = c.Connect(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected connect to time out")
	}
	if elapsed > 2*time.Second {
		t.Errorf("connect resolved after %s, want the %s window honored", elapsed, cfg.ConnectTimeout)
	}
	if c.State() != Faulted {
		t.Errorf("expected Faulted after timeout, got %s", c.State())
	}

	// Once the backend recovers, a fresh connect goes through.
	server.StallUpgrades(false)
	server.SetAcceptedToken("A1")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after timeout failed: %v", err)
	}
	if c.State() != Connected {
		t.Errorf("expected Connected after recovery, got %s", c.State())
	}
}

func TestPushedEventsReachHandlerOnce(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.SetAcceptedToken("A1")

	events := make(chan Event, 10)
	if _, err := h.client.Subscribe(context.Background(), "chat", func(ev Event) {
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.awaitState(t, Connected)
	waitForCondition(t, func() bool {
		return len(h.server.SubscribedTopics()) == 1
	})

	h.server.PushEvent("chat", "m-1", map[string]string{"text": "hello"})
	h.server.PushEvent("chat", "m-1", map[string]string{"text": "hello"}) // duplicate
	h.server.PushEvent("chat", "m-2", map[string]string{"text": "again"})

	first := awaitEvent(t, events)
	if first.ID != "m-1" || first.Topic != "chat" {
		t.Errorf("unexpected event %+v", first)
	}
	second := awaitEvent(t, events)
	if second.ID != "m-2" {
		t.Errorf("expected m-2 after duplicate drop, got %s", second.ID)
	}

	select {
	case ev := <-events:
		t.Errorf("unexpected extra delivery %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransportDropFaultsAndReconnectResubscribes(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.SetAcceptedToken("A1")

	events := make(chan Event, 10)
	if _, err := h.client.Subscribe(context.Background(), "chat", func(ev Event) {
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.awaitState(t, Connected)

	h.server.DropConnections()
	h.awaitState(t, Faulted)

	// Consumer-driven reconnect. The subscription is replayed without the
	// caller re-subscribing.
	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	h.awaitState(t, Connected)
	waitForCondition(t, func() bool {
		return len(h.server.SubscribedTopics()) == 1
	})

	h.server.PushEvent("chat", "m-after-reconnect", map[string]string{"text": "back"})
	ev := awaitEvent(t, events)
	if ev.ID != "m-after-reconnect" {
		t.Errorf("expected post-reconnect delivery, got %+v", ev)
	}
}

func TestDisconnectIsDeliberate(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.SetAcceptedToken("A1")

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.awaitState(t, Connected)

	h.client.Disconnect()
	if h.client.State() != Disconnected {
		t.Errorf("expected Disconnected, got %s", h.client.State())
	}
	waitForCondition(t, func() bool {
		return h.server.ConnectionCount() == 0
	})

	// A deliberate disconnect never reads as a fault, even once the reader
	// observes the closed transport. Give it time to do so before asserting.
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case s := <-h.states:
			if s == Faulted {
				t.Fatal("explicit disconnect must not fault")
			}
		default:
			if h.client.State() != Disconnected {
				t.Errorf("expected Disconnected after settling, got %s", h.client.State())
			}
			return
		}
	}
}

func TestServerPingIsAnswered(t *testing.T) {
	h := newHarness(t, "A1")
	h.server.SetAcceptedToken("A1")

	if err := h.client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.awaitState(t, Connected)

	h.server.PushPing()
	waitForCondition(t, func() bool {
		for _, f := range h.server.ReceivedFrames() {
			if f.Type == "pong" {
				return true
			}
		}
		return false
	})
}

func awaitEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event delivery")
		return Event{}
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
