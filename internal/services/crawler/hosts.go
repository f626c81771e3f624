package crawler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"
)

const (
	// backoff applied per pressure signal
	throttleBackoff    = 10 * time.Second
	serverErrorBackoff = 5 * time.Second
	// maxBackoffHorizon caps how far into the future a host can be pushed
	maxBackoffHorizon = 60 * time.Second
	// jitterFraction is the uniform random extension of the base interval
	jitterFraction = 0.5
)

// hostState tracks pacing for a single host. sem is a one-slot semaphore so
// waiters can abandon the queue on context cancellation.
type hostState struct {
	sem     chan struct{}
	limiter *rate.Limiter

	mu sync.Mutex
	// notBefore is the earliest next request time, pushed out by backoff
	notBefore time.Time
}

// HostCoordinator serializes fetches per host across every job and worker in
// the process. One request per host at a time: the base interval comes from
// the job's rate limit, extended by random jitter, and pressure responses
// push the host's next slot further out.
type HostCoordinator struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	logger arbor.ILogger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewHostCoordinator creates an empty coordinator.
func NewHostCoordinator(logger arbor.ILogger) *HostCoordinator {
	return &HostCoordinator{
		hosts:  make(map[string]*hostState),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// state returns the pacing state for a host, creating it on first use. The
// limiter tracks the interval of the requesting job, so a later job with a
// different rate limit repaces the host.
func (c *HostCoordinator) state(host string, baseInterval time.Duration) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.hosts[host]
	if !ok {
		s = &hostState{
			sem:     make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Every(baseInterval), 1),
		}
		c.hosts[host] = s
		return s
	}
	if limit := rate.Every(baseInterval); s.limiter.Limit() != limit {
		s.limiter.SetLimit(limit)
	}
	return s
}

// Acquire blocks until the caller may fetch from host, honoring the base
// interval, jitter and any active backoff. The host slot is held until
// Release; no two requests to one host overlap. On error the slot is not
// held and Release must not be called.
func (c *HostCoordinator) Acquire(ctx context.Context, host string, baseInterval time.Duration) error {
	s := c.state(host, baseInterval)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Base pacing with jitter on top
	if err := s.limiter.Wait(ctx); err != nil {
		<-s.sem
		return err
	}
	if jitter := c.jitter(baseInterval); jitter > 0 {
		if err := sleepCtx(ctx, jitter); err != nil {
			<-s.sem
			return err
		}
	}

	// Honor backoff pushed by earlier pressure responses
	s.mu.Lock()
	wait := time.Until(s.notBefore)
	s.mu.Unlock()
	if wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			<-s.sem
			return err
		}
	}
	return nil
}

// Release frees the host slot, recording the outcome of the request just
// finished. A 429 pushes the next slot out 10s, a 5xx pushes it 5s, capped
// at 60s from now; a 2xx clears any backoff. Other statuses leave the
// backoff untouched.
func (c *HostCoordinator) Release(host string, statusCode int) {
	c.mu.Lock()
	s, ok := c.hosts[host]
	c.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	s.mu.Lock()
	switch {
	case statusCode == 429:
		s.notBefore = c.pushOut(s.notBefore, now, throttleBackoff)
		c.logger.Debug().
			Str("host", host).
			Dur("backoff", time.Until(s.notBefore)).
			Msg("Host throttled, backing off")
	case statusCode >= 500:
		s.notBefore = c.pushOut(s.notBefore, now, serverErrorBackoff)
		c.logger.Debug().
			Str("host", host).
			Dur("backoff", time.Until(s.notBefore)).
			Msg("Host returned server error, backing off")
	case statusCode >= 200 && statusCode < 300:
		s.notBefore = time.Time{}
	}
	s.mu.Unlock()

	select {
	case <-s.sem:
	default:
	}
}

// pushOut extends the backoff horizon, capped at maxBackoffHorizon from now.
func (c *HostCoordinator) pushOut(current, now time.Time, delta time.Duration) time.Time {
	base := current
	if base.Before(now) {
		base = now
	}
	next := base.Add(delta)
	if horizon := now.Add(maxBackoffHorizon); next.After(horizon) {
		next = horizon
	}
	return next
}

// jitter returns a uniform random duration in [0, base*jitterFraction].
func (c *HostCoordinator) jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return time.Duration(c.rng.Int63n(int64(float64(base)*jitterFraction) + 1))
}

// sleepCtx sleeps, aborting early on context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
