// Package mocktesting provides a mock realtime push server for tests: a TLS
// websocket endpoint speaking the same JSON frame protocol as the
// marketplace backend, with scripted pushes and failure injection.
package mocktesting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame mirrors the realtime wire format.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  string          `json:"sentAt,omitempty"`
}

// MockPushServer is a test double for the realtime endpoint.
type MockPushServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	clients       map[*websocket.Conn]map[string]bool // conn -> subscribed topics
	received      []Frame                             // every client->server frame, in order
	acceptedToken string
	rejectStatus  int  // non-zero: refuse the upgrade with this status
	stallUpgrades bool // accept the connection but never finish the upgrade
}

// NewMockPushServer starts the TLS websocket server.
func NewMockPushServer() *MockPushServer {
	m := &MockPushServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realtime/ws", m.handleWebSocket)
	m.server = httptest.NewTLSServer(mux)
	return m
}

// RealtimeURL returns the https endpoint URL. The client converts it to
// wss:// when dialing.
func (m *MockPushServer) RealtimeURL() string {
	return strings.Replace(m.server.URL, "http://", "https://", 1) + "/realtime/ws"
}

// HTTPClient returns a client that trusts the server's certificate; its TLS
// config is what the websocket dialer borrows.
func (m *MockPushServer) HTTPClient() *http.Client {
	return m.server.Client()
}

// SetAcceptedToken makes the upgrade require this bearer token. Empty
// accepts any.
func (m *MockPushServer) SetAcceptedToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptedToken = token
}

// RejectUpgrades makes every upgrade attempt fail with status. Pass 0 to
// restore normal behavior.
func (m *MockPushServer) RejectUpgrades(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectStatus = status
}

// StallUpgrades makes the server accept the connection but never answer the
// websocket handshake, so dial attempts run into their timeout.
func (m *MockPushServer) StallUpgrades(stall bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallUpgrades = stall
}

// Close shuts down the server and every client connection.
func (m *MockPushServer) Close() {
	m.DropConnections()
	m.server.Close()
}

// DropConnections closes every live websocket without shutting the server
// down, simulating a transport failure.
func (m *MockPushServer) DropConnections() {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.clients))
	for conn := range m.clients {
		conns = append(conns, conn)
	}
	m.clients = make(map[*websocket.Conn]map[string]bool)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// ConnectionCount returns the number of live client connections.
func (m *MockPushServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// ReceivedFrames returns every frame clients have sent, in arrival order.
func (m *MockPushServer) ReceivedFrames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.received))
	copy(out, m.received)
	return out
}

// SubscribedTopics returns the union of topics subscribed across clients.
func (m *MockPushServer) SubscribedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool)
	for _, topics := range m.clients {
		for t := range topics {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// PushEvent sends an event frame to every client subscribed to topic.
func (m *MockPushServer) PushEvent(topic, id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f := Frame{Type: "event", ID: id, Topic: topic, Payload: raw}

	m.mu.Lock()
	defer m.mu.Unlock()
	for conn, topics := range m.clients {
		if topics[topic] {
			if err := conn.WriteJSON(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// PushPing sends a ping frame to every client.
func (m *MockPushServer) PushPing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		conn.WriteJSON(Frame{Type: "ping"})
	}
}

func (m *MockPushServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.rejectStatus
	accepted := m.acceptedToken
	stall := m.stallUpgrades
	m.mu.Unlock()

	if stall {
		// Hold the request open until the dialer gives up.
		<-r.Context().Done()
		return
	}
	if reject != 0 {
		w.WriteHeader(reject)
		return
	}
	if accepted != "" && r.Header.Get("Authorization") != "Bearer "+accepted {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.clients[conn] = make(map[string]bool)
	m.mu.Unlock()

	go m.readClient(conn)
}

func (m *MockPushServer) readClient(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		m.mu.Lock()
		m.received = append(m.received, f)
		topics, tracked := m.clients[conn]
		if tracked {
			switch f.Type {
			case "subscribe":
				topics[f.Topic] = true
			case "unsubscribe":
				delete(topics, f.Topic)
			}
		}
		m.mu.Unlock()
	}
}
