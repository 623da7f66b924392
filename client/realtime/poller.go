package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// FetchFunc retrieves the current items for a topic over plain HTTP, used
// while the push connection is down. Implementations typically call the
// request gateway.
type FetchFunc func(ctx context.Context) ([]Event, error)

// Poller is the degraded-mode delivery path: while the realtime connection
// is unavailable it fetches on a fixed cadence and feeds results through
// the same dedup pipeline as push, so handlers see each item once no
// matter which path carried it.
//
// The poller stops itself as soon as the connection predicate reports the
// push path is live again.
type Poller struct {
	topic     string
	fetch     FetchFunc
	interval  time.Duration
	pipeline  *DeliveryPipeline
	connected func() bool
	handler   Handler
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller creates a poller for one topic. connected is consulted before
// every cycle; pipeline must be the connection's shared pipeline.
func NewPoller(topic string, fetch FetchFunc, interval time.Duration, pipeline *DeliveryPipeline, connected func() bool, handler Handler, logger *slog.Logger) *Poller {
	return &Poller{
		topic:     topic,
		fetch:     fetch,
		interval:  interval,
		pipeline:  pipeline,
		connected: connected,
		handler:   handler,
		logger:    logger,
	}
}

// Start launches the polling loop. Starting an already-running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(loopCtx)
	p.logger.Info("fallback polling started",
		"function", "Start",
		"topic", p.topic,
		"interval", p.interval)
}

// Stop halts the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) loop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(p.done)
	}()

	// Fetch failures back off exponentially instead of hammering a backend
	// that is likely the reason the push path is down too.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	wait := p.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if p.connected() {
			p.logger.Info("push connection restored, stopping fallback polling",
				"function", "loop",
				"topic", p.topic)
			return
		}

		events, err := p.fetch(ctx)
		if err != nil {
			wait = bo.NextBackOff()
			p.logger.Warn("fallback fetch failed",
				"function", "loop",
				"topic", p.topic,
				"error", err,
				"next_attempt_in", wait)
			continue
		}
		bo.Reset()
		wait = p.interval

		for _, ev := range events {
			if ev.Topic == "" {
				ev.Topic = p.topic
			}
			if !p.pipeline.Accept(ev.Topic, ev.ID) {
				continue
			}
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = time.Now()
			}
			p.handler(ev)
		}
	}
}
