// Package abuse implements sliding-window attempt counting and
// exponential-backoff blocking for connection and pairing endpoints.
package abuse

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pairgate/pairgate/internal/logging"
	"go.uber.org/zap"
)

// Options configure a Guard. Zero values fall back to the defaults from the
// recognized configuration options.
type Options struct {
	Window            time.Duration // sliding attempt window
	MaxAttempts       int           // attempts allowed per window
	BackoffBase       int           // exponent base for consecutive failures
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	CleanupInterval   time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Window <= 0 {
		out.Window = 60 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BackoffBase < 2 {
		out.BackoffBase = 2
	}
	if out.BackoffMultiplier <= 0 {
		out.BackoffMultiplier = 2.0
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 300 * time.Second
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Minute
	}
	return out
}

// Status is the result of a Check call.
type Status struct {
	Blocked    bool
	RetryAfter time.Duration // remaining block time, rounded up to seconds
}

type record struct {
	attempts     []time.Time
	failures     int
	blockedUntil time.Time
}

func (r *record) empty() bool {
	return len(r.attempts) == 0 && r.failures == 0 && r.blockedUntil.IsZero()
}

// Guard tracks per-client attempt and failure state. All state is in memory
// and owned by the guard's single mutex; no I/O happens under the lock.
type Guard struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*record

	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewGuard(opts Options, logger *zap.Logger) *Guard {
	return &Guard{
		opts:    opts.withDefaults(),
		logger:  logger,
		clients: make(map[string]*record),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Check reports whether the client is currently blocked. A client whose
// block has lapsed is implicitly unblocked and its failure count cleared.
func (g *Guard) Check(clientKey string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.clients[clientKey]
	if !ok || r.blockedUntil.IsZero() {
		return Status{}
	}

	now := g.now()
	if now.Before(r.blockedUntil) {
		remaining := r.blockedUntil.Sub(now)
		return Status{
			Blocked:    true,
			RetryAfter: roundUpSeconds(remaining),
		}
	}

	// Block lapsed.
	r.blockedUntil = time.Time{}
	r.failures = 0
	return Status{}
}

// RecordAttempt appends the current time to the client's sliding window.
func (g *Guard) RecordAttempt(clientKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.client(clientKey)
	r.attempts = append(r.attempts, g.now())
	g.pruneLocked(r)
}

// AttemptsInWindow returns the attempt count after pruning entries older
// than the window.
func (g *Guard) AttemptsInWindow(clientKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.clients[clientKey]
	if !ok {
		return 0
	}
	g.pruneLocked(r)
	return len(r.attempts)
}

// MaxAttempts returns the per-window attempt limit.
func (g *Guard) MaxAttempts() int { return g.opts.MaxAttempts }

// WindowRetryAfter reports how long until the client's oldest attempt leaves
// the sliding window, rounded up to seconds with a one-second floor. It is
// the retry hint handed out when the attempt budget is exhausted.
func (g *Guard) WindowRetryAfter(clientKey string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.clients[clientKey]
	if !ok {
		return time.Second
	}
	g.pruneLocked(r)
	if len(r.attempts) == 0 {
		return time.Second
	}

	remaining := r.attempts[0].Add(g.opts.Window).Sub(g.now())
	if remaining < time.Second {
		return time.Second
	}
	return roundUpSeconds(remaining)
}

// RecordFailure increments the client's consecutive failure count and blocks
// it for min(base^failures * multiplier, max). The block deadline never moves
// backwards while failures continue.
func (g *Guard) RecordFailure(clientKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.client(clientKey)
	r.failures++

	backoff := time.Duration(math.Pow(float64(g.opts.BackoffBase), float64(r.failures))*
		g.opts.BackoffMultiplier) * time.Second
	if backoff > g.opts.MaxBackoff {
		backoff = g.opts.MaxBackoff
	}

	until := g.now().Add(backoff)
	if until.After(r.blockedUntil) {
		r.blockedUntil = until
	}

	g.logger.Warn("client blocked",
		logging.ClientIP(clientKey),
		logging.Attempts(r.failures),
		logging.RetryAfter(backoff))
}

// RecordSuccess clears the client's failure count and any block.
func (g *Guard) RecordSuccess(clientKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.clients[clientKey]; ok {
		r.failures = 0
		r.blockedUntil = time.Time{}
	}
}

// Start launches the periodic cleanup task.
func (g *Guard) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.cleanup()
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			}
		}
	}()
}

// Stop cancels the cleanup task and waits for it to finish.
func (g *Guard) Stop() {
	close(g.stop)
	g.wg.Wait()
}

// cleanup purges clients with an empty window that are not blocked, bounding
// memory over time. Each pass is complete and independent.
func (g *Guard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for key, r := range g.clients {
		g.pruneLocked(r)
		if !r.blockedUntil.IsZero() && !now.Before(r.blockedUntil) {
			r.blockedUntil = time.Time{}
			r.failures = 0
		}
		if r.empty() {
			delete(g.clients, key)
		}
	}
}

func (g *Guard) client(key string) *record {
	r, ok := g.clients[key]
	if !ok {
		r = &record{}
		g.clients[key] = r
	}
	return r
}

func (g *Guard) pruneLocked(r *record) {
	cutoff := g.now().Add(-g.opts.Window)
	i := 0
	for i < len(r.attempts) && !r.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.attempts = append(r.attempts[:0], r.attempts[i:]...)
	}
}

func roundUpSeconds(d time.Duration) time.Duration {
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
