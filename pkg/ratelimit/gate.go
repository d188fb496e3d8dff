// Package ratelimit provides the serial dispatch gate placed in front of the
// external search provider. All callers funnel through one dispatcher
// goroutine that enforces a minimum spacing between provider calls and
// retries transient failures with exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrGateClosed is returned for work submitted to, or still queued in, a
// stopped gate.
var ErrGateClosed = errors.New("rate gate closed")

// Call is one unit of provider work. Results travel through the closure;
// the gate only sees the error.
type Call func(ctx context.Context) error

// item is one queued call with its retry state.
type item struct {
	ctx       context.Context
	call      Call
	retries   int
	notBefore time.Time
	result    chan error
}

func (it *item) complete(err error) {
	it.result <- err
}

// Gate serialises provider calls. Items dispatch one at a time, at least
// MinSpacing apart. A retryable failure (HTTP 429, 5xx, network or timeout)
// re-enqueues the item at the head of the queue with exponential backoff,
// so later items wait behind it; non-retryable failures surface to the
// caller immediately.
type Gate struct {
	maxRetries int
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu     sync.Mutex
	queue  []*item
	closed bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewGate builds a gate with the given dispatch spacing and per-item retry
// budget, and starts its dispatcher.
func NewGate(minSpacing time.Duration, maxRetries int) *Gate {
	if minSpacing <= 0 {
		minSpacing = time.Millisecond
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	g := &Gate{
		maxRetries: maxRetries,
		limiter:    rate.NewLimiter(rate.Every(minSpacing), 1),
		logger:     slog.Default().With("component", "rategate"),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go g.run()
	return g
}

// Do enqueues call and blocks until it has completed, exhausted its retries,
// or ctx is cancelled. Cancelled items still in the queue are skipped at
// dispatch time.
func (g *Gate) Do(ctx context.Context, call Call) error {
	it := &item{ctx: ctx, call: call, result: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGateClosed
	}
	g.queue = append(g.queue, it)
	g.mu.Unlock()
	g.signal()

	select {
	case err := <-it.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the dispatcher down and fails any still-queued items with
// ErrGateClosed. Safe to call more than once.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.done

	g.mu.Lock()
	g.closed = true
	leftover := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, it := range leftover {
		it.complete(ErrGateClosed)
	}
}

func (g *Gate) run() {
	defer close(g.done)

	for {
		select {
		case <-g.stopCh:
			return
		default:
		}

		it := g.next()
		if it == nil {
			return
		}
		if it.ctx.Err() != nil {
			it.complete(it.ctx.Err())
			continue
		}
		if !g.holdForBackoff(it) {
			continue
		}
		if err := g.limiter.Wait(it.ctx); err != nil {
			it.complete(err)
			continue
		}
		g.dispatch(it)
	}
}

// next pops the head of the queue, blocking until work arrives or the gate
// stops.
func (g *Gate) next() *item {
	for {
		g.mu.Lock()
		if len(g.queue) > 0 {
			it := g.queue[0]
			g.queue = g.queue[1:]
			g.mu.Unlock()
			return it
		}
		g.mu.Unlock()

		select {
		case <-g.wake:
		case <-g.stopCh:
			return nil
		}
	}
}

// holdForBackoff waits out the item's backoff deadline. Returns false when
// the item was completed (cancellation or shutdown) and must not dispatch.
func (g *Gate) holdForBackoff(it *item) bool {
	delay := time.Until(it.notBefore)
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-it.ctx.Done():
		it.complete(it.ctx.Err())
		return false
	case <-g.stopCh:
		it.complete(ErrGateClosed)
		return false
	}
}

func (g *Gate) dispatch(it *item) {
	err := it.call(it.ctx)
	if err == nil {
		it.complete(nil)
		return
	}
	if it.ctx.Err() != nil {
		// Caller is gone; retrying on its behalf is pointless.
		it.complete(err)
		return
	}

	retryable, rateLimited, retryAfter := classify(err)
	if !retryable || it.retries >= g.maxRetries {
		it.complete(err)
		return
	}

	it.retries++
	delay := backoffDelay(rateLimited, it.retries)
	if retryAfter > 0 {
		delay = retryAfter
	}
	it.notBefore = time.Now().Add(delay)
	g.logger.Warn("Provider call failed, re-queueing at head",
		"retry", it.retries,
		"max_retries", g.maxRetries,
		"delay", delay,
		"rate_limited", rateLimited,
		"error", err)
	g.requeueHead(it)
}

func (g *Gate) requeueHead(it *item) {
	g.mu.Lock()
	g.queue = append([]*item{it}, g.queue...)
	g.mu.Unlock()
	g.signal()
}

func (g *Gate) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// backoffDelay returns the delay before retry n (1-based): 1s, 2s, 4s for
// standard failures, 2s, 4s, 8s when the provider rate-limited us.
func backoffDelay(rateLimited bool, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := time.Second
	if rateLimited {
		base = 2 * time.Second
	}
	return base * time.Duration(1<<(retry-1))
}

// classify reports whether err warrants a retry, whether the rate-limit
// backoff schedule applies, and any provider-supplied Retry-After hint.
func classify(err error) (retryable, rateLimited bool, retryAfter time.Duration) {
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return true, true, se.RetryAfter
		case se.StatusCode >= 500:
			return true, false, se.RetryAfter
		default:
			return false, false, 0
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true, false, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Per-call client timeouts land here without implementing net.Error.
		return true, false, 0
	}
	return false, false, 0
}
