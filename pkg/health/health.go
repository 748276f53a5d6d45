// Package health serves liveness and readiness probes.
//
// Every check runs in its own goroutine and flips state only after a run of
// consecutive failures (or successes), so a single slow ping does not take a
// replica out of rotation. Optional checks cover dependencies the service can
// ride out, such as the event broker behind the outbox: their failures are
// reported but leave the probe at 200 with status "degraded".
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Probe selects the endpoint a check contributes to.
type Probe int

const (
	// Liveness checks restart the process when they fail.
	Liveness Probe = iota
	// Readiness checks take the replica out of load balancing.
	Readiness
)

// Status is the overall state reported by an endpoint.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Option customizes a check.
type Option func(*check)

// Timeout bounds a single run. The default is 2s.
func Timeout(d time.Duration) Option {
	return func(c *check) { c.timeout = d }
}

// Thresholds sets how many consecutive failures mark the check unhealthy and
// how many consecutive successes mark it healthy again. Defaults are 3 and 1.
func Thresholds(failures, successes int) Option {
	return func(c *check) {
		c.failureThreshold = max(failures, 1)
		c.successThreshold = max(successes, 1)
	}
}

// Optional reports the check without failing the probe.
func Optional() Option {
	return func(c *check) { c.optional = true }
}

type check struct {
	name             string
	fn               CheckFunc
	timeout          time.Duration
	failureThreshold int
	successThreshold int
	optional         bool

	// Written by the check goroutine, read by HTTP handlers.
	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the check goroutine.
	fails, oks int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.oks = 0
		if c.fails++; c.fails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	if c.oks++; c.oks >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) failure() string {
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "check is unhealthy"
}

// Health holds the registered checks and the manual readiness gate.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[Probe][]*check
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{checks: make(map[Probe][]*check)}
}

// Add registers a check. Register everything before Start.
func (h *Health) Add(p Probe, name string, fn CheckFunc, opts ...Option) {
	c := &check{
		name:             name,
		fn:               fn,
		timeout:          2 * time.Second,
		failureThreshold: 3,
		successThreshold: 1,
	}
	for _, o := range opts {
		o(c)
	}
	c.healthy.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[p] = append(h.checks[p], c)
}

// Start runs every check immediately and then once per interval until Stop
// or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	var all []*check
	for _, cs := range h.checks {
		all = append(all, cs...)
	}
	h.mu.Unlock()

	for _, c := range all {
		go loop(ctx, c, interval)
	}
}

func loop(ctx context.Context, c *check, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

// Stop cancels the check goroutines. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady opens or closes the readiness gate. Graceful shutdown closes it
// before draining connections.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// Report is the state of one probe.
type Report struct {
	Status Status
	// Failures maps failing check names to their last error.
	Failures map[string]string
}

// Report evaluates probe p from the latest check results.
func (h *Health) Report(p Probe) Report {
	h.mu.RLock()
	checks := slices.Clone(h.checks[p])
	h.mu.RUnlock()

	r := Report{Status: StatusOK, Failures: make(map[string]string)}
	for _, c := range checks {
		if c.healthy.Load() {
			continue
		}
		r.Failures[c.name] = c.failure()
		switch {
		case !c.optional:
			r.Status = StatusUnhealthy
		case r.Status == StatusOK:
			r.Status = StatusDegraded
		}
	}
	if p == Readiness && !h.ready.Load() {
		r.Failures["_readiness"] = "service is not ready"
		r.Status = StatusUnhealthy
	}
	return r
}

// IsReady reports whether the readiness probe would answer 200.
func (h *Health) IsReady() bool {
	return h.Report(Readiness).Status != StatusUnhealthy
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.Report(Liveness).write(w)
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.Report(Readiness).write(w)
}

// write encodes {"status":...,"checks":{...}} with check names sorted.
func (r Report) write(w http.ResponseWriter) {
	code := http.StatusOK
	if r.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.Field("status", func(e *jx.Encoder) { e.Str(string(r.Status)) })
	if len(r.Failures) > 0 {
		e.Field("checks", func(e *jx.Encoder) {
			e.ObjStart()
			names := make([]string, 0, len(r.Failures))
			for name := range r.Failures {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				e.Field(name, func(e *jx.Encoder) { e.Str(r.Failures[name]) })
			}
			e.ObjEnd()
		})
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
