package realtime

import (
	"sync"
	"time"
)

// DeliveryPipeline deduplicates events per topic across every ingress path.
// Push frames and fallback-poll results flow through the same pipeline, so
// an item seen over the socket is not re-delivered when a poll races it.
//
// Each topic keeps a bounded window of recently seen ids: at most maxIDs
// entries, each remembered for at most maxAge. An event with no id is never
// deduplicated; there is nothing safe to key on.
type DeliveryPipeline struct {
	mu     sync.Mutex
	topics map[string]*topicWindow

	maxIDs int
	maxAge time.Duration
	now    func() time.Time
}

type topicWindow struct {
	seen  map[string]time.Time
	order []string // insertion order, for size-bounded eviction
}

// NewDeliveryPipeline creates a pipeline with the given per-topic bounds.
func NewDeliveryPipeline(maxIDs int, maxAge time.Duration) *DeliveryPipeline {
	return &DeliveryPipeline{
		topics: make(map[string]*topicWindow),
		maxIDs: maxIDs,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Accept records the event and reports whether it should be delivered.
// The second occurrence of an id inside the topic's window is a duplicate.
func (p *DeliveryPipeline) Accept(topic, id string) bool {
	if id == "" {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.topics[topic]
	if !ok {
		w = &topicWindow{seen: make(map[string]time.Time)}
		p.topics[topic] = w
	}

	now := p.now()
	p.evictExpired(w, now)

	if _, dup := w.seen[id]; dup {
		return false
	}

	w.seen[id] = now
	w.order = append(w.order, id)
	p.evictOverflow(w)
	return true
}

// Reset drops the window for one topic, typically when the last subscriber
// leaves and replayed history is expected on the next subscribe.
func (p *DeliveryPipeline) Reset(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, topic)
}

func (p *DeliveryPipeline) evictExpired(w *topicWindow, now time.Time) {
	cutoff := now.Add(-p.maxAge)
	kept := w.order[:0]
	for _, id := range w.order {
		if seenAt, ok := w.seen[id]; ok && seenAt.Before(cutoff) {
			delete(w.seen, id)
			continue
		}
		kept = append(kept, id)
	}
	w.order = kept
}

func (p *DeliveryPipeline) evictOverflow(w *topicWindow) {
	for len(w.order) > p.maxIDs {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
}
