package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes delivered events for one topic subscription.
type Handler func(Event)

// subscriptionMux multiplexes logical subscriptions onto physical topic
// subscriptions: any number of handlers may attach to one topic, but the
// server sees a single subscribe per topic. The physical subscription is
// torn down when the last handler detaches.
type subscriptionMux struct {
	sendFrame func(context.Context, frame) error
	logger    *slog.Logger

	// opMu serializes membership changes with their wire frames: the
	// first/last decision and the subscribe/unsubscribe send are one
	// atomic step, so two racing first subscribers cannot both emit a
	// physical subscribe. mu alone guards the maps, keeping dispatch off
	// the network write path.
	opMu sync.Mutex

	mu     sync.Mutex
	nextID int
	topics map[string]map[int]Handler
}

func newSubscriptionMux(sendFrame func(context.Context, frame) error, logger *slog.Logger) *subscriptionMux {
	return &subscriptionMux{
		sendFrame: sendFrame,
		logger:    logger,
		topics:    make(map[string]map[int]Handler),
	}
}

// subscribe attaches a handler to topic and returns its detach closure.
// The first handler on a topic triggers the physical subscribe; if that
// frame cannot be sent the handler is not registered.
func (m *subscriptionMux) subscribe(ctx context.Context, topic string, h Handler) (func(context.Context) error, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	first := len(m.topics[topic]) == 0
	m.mu.Unlock()

	if first {
		if err := m.sendFrame(ctx, subscribeFrame(topic)); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[int]Handler)
	}
	m.topics[topic][id] = h
	m.mu.Unlock()

	m.logger.Debug("handler attached",
		"function", "subscribe",
		"topic", topic,
		"handler_id", id)

	return func(ctx context.Context) error {
		return m.unsubscribe(ctx, topic, id)
	}, nil
}

// unsubscribe detaches one handler. Only the last detachment on a topic
// sends the physical unsubscribe; detaching twice is a no-op. The
// unsubscribe frame goes out before any concurrent subscribe proceeds, so
// the server never ends up unsubscribed while a handler is registered.
func (m *subscriptionMux) unsubscribe(ctx context.Context, topic string, id int) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	handlers, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, registered := handlers[id]; !registered {
		m.mu.Unlock()
		return nil
	}
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(m.topics, topic)
	}
	m.mu.Unlock()

	m.logger.Debug("handler detached",
		"function", "unsubscribe",
		"topic", topic,
		"handler_id", id,
		"last", last)

	if !last {
		return nil
	}
	return m.sendFrame(ctx, unsubscribeFrame(topic))
}

// dispatch fans an event out to every handler attached to its topic. A
// panicking handler is contained so one consumer cannot take down the
// processor goroutine or its sibling handlers.
func (m *subscriptionMux) dispatch(ev Event) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.topics[ev.Topic]))
	for _, h := range m.topics[ev.Topic] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.safeCall(h, ev)
	}
}

func (m *subscriptionMux) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panicked",
				"function", "dispatch",
				"topic", ev.Topic,
				"panic", r)
		}
	}()
	h(ev)
}

// activeTopics returns every topic with at least one handler attached.
func (m *subscriptionMux) activeTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	return topics
}

// resubscribeAll replays the physical subscribe for every active topic,
// after a reconnect established a fresh transport.
func (m *subscriptionMux) resubscribeAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, topic := range m.activeTopics() {
		if err := m.sendFrame(ctx, subscribeFrame(topic)); err != nil {
			return fmt.Errorf("failed to resubscribe to %s: %w", topic, err)
		}
		m.logger.Info("resubscribed",
			"function", "resubscribeAll",
			"topic", topic)
	}
	return nil
}
