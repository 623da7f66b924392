package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// frameRecorder captures control frames the mux emits.
type frameRecorder struct {
	frames []frame
}

func (r *frameRecorder) send(ctx context.Context, f frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) ofType(t string) []frame {
	var out []frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func TestMuxSharesOnePhysicalSubscription(t *testing.T) {
	rec := &frameRecorder{}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	var first, second int
	unsubFirst, err := mux.subscribe(ctx, "chat", func(Event) { first++ })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	unsubSecond, err := mux.subscribe(ctx, "chat", func(Event) { second++ })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if got := len(rec.ofType(frameTypeSubscribe)); got != 1 {
		t.Errorf("expected 1 physical subscribe, got %d", got)
	}

	mux.dispatch(Event{Topic: "chat", ID: "m-1"})
	if first != 1 || second != 1 {
		t.Errorf("expected both handlers invoked, got %d/%d", first, second)
	}

	// Detaching one handler keeps the physical subscription alive.
	if err := unsubFirst(ctx); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if got := len(rec.ofType(frameTypeUnsubscribe)); got != 0 {
		t.Errorf("expected no physical unsubscribe yet, got %d", got)
	}

	mux.dispatch(Event{Topic: "chat", ID: "m-2"})
	if first != 1 {
		t.Error("detached handler must not receive events")
	}
	if second != 2 {
		t.Error("remaining handler must keep receiving events")
	}

	// The last detachment tears the physical subscription down.
	if err := unsubSecond(ctx); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if got := len(rec.ofType(frameTypeUnsubscribe)); got != 1 {
		t.Errorf("expected 1 physical unsubscribe, got %d", got)
	}
}

// slowFrameRecorder records frames under a mutex and holds each send open
// briefly, widening the race window between membership decisions and wire
// writes.
type slowFrameRecorder struct {
	mu     sync.Mutex
	frames []frame
	delay  time.Duration
	gate   chan struct{} // if set, the first send blocks until closed
	gated  bool
}

func (r *slowFrameRecorder) send(ctx context.Context, f frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	gate := r.gate
	first := !r.gated
	if gate != nil {
		r.gated = true
	}
	r.mu.Unlock()

	if gate != nil && first {
		<-gate
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return nil
}

func (r *slowFrameRecorder) ofType(t string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []frame
	for _, f := range r.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func TestMuxConcurrentFirstSubscribersShareOnePhysicalSubscription(t *testing.T) {
	rec := &slowFrameRecorder{delay: 20 * time.Millisecond}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := mux.subscribe(ctx, "chat", func(Event) {}); err != nil {
				t.Errorf("subscribe failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := len(rec.ofType(frameTypeSubscribe)); got != 1 {
		t.Errorf("two racing first subscribers emitted %d physical subscribes, want 1", got)
	}

	mux.dispatch(Event{Topic: "chat", ID: "m-1"})
	if got := len(mux.activeTopics()); got != 1 {
		t.Errorf("expected both handlers attached under one topic, got %d topics", got)
	}
}

func TestMuxResubscribeWaitsForInFlightUnsubscribe(t *testing.T) {
	gate := make(chan struct{})
	rec := &slowFrameRecorder{gate: gate}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	// The gate only holds the second send (the unsubscribe): the initial
	// subscribe must pass through ungated.
	close(gate)
	unsub, err := mux.subscribe(ctx, "chat", func(Event) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	rec.mu.Lock()
	rec.gate = make(chan struct{})
	rec.gated = false
	rec.mu.Unlock()

	unsubDone := make(chan struct{})
	go func() {
		unsub(ctx)
		close(unsubDone)
	}()

	// Wait until the last detachment is mid-send.
	waitForCondition(t, func() bool {
		return len(rec.ofType(frameTypeUnsubscribe)) == 1
	})

	subscribeDone := make(chan struct{})
	go func() {
		if _, err := mux.subscribe(ctx, "chat", func(Event) {}); err != nil {
			t.Errorf("subscribe failed: %v", err)
		}
		close(subscribeDone)
	}()

	// The re-subscribe must not emit its frame while the unsubscribe is
	// still on the wire.
	select {
	case <-subscribeDone:
		t.Fatal("subscribe completed before the in-flight unsubscribe finished")
	case <-time.After(100 * time.Millisecond):
	}

	rec.mu.Lock()
	gate = rec.gate
	rec.mu.Unlock()
	close(gate)
	<-unsubDone
	<-subscribeDone

	// Wire order ends with a live subscription backing the new handler.
	rec.mu.Lock()
	last := rec.frames[len(rec.frames)-1]
	rec.mu.Unlock()
	if last.Type != frameTypeSubscribe || last.Topic != "chat" {
		t.Errorf("expected the wire to end subscribed, got %+v", last)
	}
}

func TestMuxDoubleUnsubscribeIsNoOp(t *testing.T) {
	rec := &frameRecorder{}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	unsub, err := mux.subscribe(ctx, "chat", func(Event) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := unsub(ctx); err != nil {
		t.Fatalf("first unsubscribe failed: %v", err)
	}
	if err := unsub(ctx); err != nil {
		t.Fatalf("second unsubscribe must be a no-op, got %v", err)
	}
	if got := len(rec.ofType(frameTypeUnsubscribe)); got != 1 {
		t.Errorf("expected exactly 1 physical unsubscribe, got %d", got)
	}
}

func TestMuxPanickingHandlerIsContained(t *testing.T) {
	rec := &frameRecorder{}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	delivered := 0
	if _, err := mux.subscribe(ctx, "chat", func(Event) { panic("boom") }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := mux.subscribe(ctx, "chat", func(Event) { delivered++ }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	mux.dispatch(Event{Topic: "chat", ID: "m-1"})
	if delivered != 1 {
		t.Error("a panicking handler must not starve its siblings")
	}
}

func TestMuxResubscribeAllReplaysActiveTopics(t *testing.T) {
	rec := &frameRecorder{}
	mux := newSubscriptionMux(rec.send, testLogger())
	ctx := context.Background()

	mux.subscribe(ctx, "chat", func(Event) {})
	mux.subscribe(ctx, "notifications", func(Event) {})
	unsub, _ := mux.subscribe(ctx, "presence", func(Event) {})
	unsub(ctx)

	rec.frames = nil
	if err := mux.resubscribeAll(ctx); err != nil {
		t.Fatalf("resubscribeAll failed: %v", err)
	}

	topics := make(map[string]bool)
	for _, f := range rec.ofType(frameTypeSubscribe) {
		topics[f.Topic] = true
	}
	if !topics["chat"] || !topics["notifications"] {
		t.Errorf("expected active topics replayed, got %v", topics)
	}
	if topics["presence"] {
		t.Error("fully unsubscribed topic must not be replayed")
	}
}
