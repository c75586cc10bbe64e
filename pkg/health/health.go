// Package health serves the /livez and /readyz endpoints of the POS API.
//
// Registered checks run on a ticker in the background; handlers only read
// the last verdict. A check turns down after FailAfter consecutive errors
// and comes back after PassAfter consecutive successes.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Kind selects the endpoint a check reports to.
type Kind uint8

const (
	// Liveness checks gate /livez: a failing one means the process should be restarted.
	Liveness Kind = iota
	// Readiness checks gate /readyz: a failing one takes the instance out of rotation.
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Check describes a registered check. Zero values get defaults on Register.
type Check struct {
	Name      string
	Kind      Kind
	Run       CheckFunc
	Timeout   time.Duration // default 1s
	FailAfter int           // default 3
	PassAfter int           // default 1
}

// tracked is a Check plus its verdict. observe is only called from the
// check's own ticker goroutine, so fails and passes need no locking.
type tracked struct {
	Check

	up      atomic.Bool
	lastErr atomic.Pointer[error]

	fails  int
	passes int
}

func (c *tracked) failure() string {
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "check is down"
}

func (c *tracked) observe(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	err := c.Run(runCtx)
	c.lastErr.Store(&err)

	if err != nil {
		c.passes = 0
		c.fails++
		if c.fails >= c.FailAfter && c.up.Swap(false) {
			zctx.From(ctx).Warn("Health check down",
				zap.String("check", c.Name),
				zap.Stringer("kind", c.Kind),
				zap.Int("failures", c.fails),
				zap.Error(err),
			)
		}
		return
	}
	c.fails = 0
	c.passes++
	if c.passes >= c.PassAfter && !c.up.Swap(true) {
		zctx.From(ctx).Info("Health check recovered",
			zap.String("check", c.Name),
			zap.Stringer("kind", c.Kind),
		)
	}
}

// Health holds the registered checks and the manual ready switch.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*tracked
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Register adds a check. Checks start up and are first evaluated by Start.
func (h *Health) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.FailAfter <= 0 {
		c.FailAfter = 3
	}
	if c.PassAfter <= 0 {
		c.PassAfter = 1
	}
	t := &tracked{Check: c}
	t.up.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, t)
	h.mu.Unlock()
}

// Start evaluates every check now and then once per interval until ctx is
// done or Stop is called. The logger in ctx receives state transitions.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, c := range checks {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.observe(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop ends the background checks. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual ready switch. It is turned off first during
// shutdown so the load balancer drains the instance.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the switch is on and every readiness check is up.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.Failures(Readiness)) == 0
}

// Failures returns the last error of every down check of the given kind,
// keyed by check name.
func (h *Health) Failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, c := range h.checks {
		if c.Kind == kind && !c.up.Load() {
			out[c.Name] = c.failure()
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.Failures(Liveness))
}

// ReadyEndpoint serves /readyz. While the ready switch is off the body
// carries a "_readiness" entry.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.Failures(Readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

// statusResponse is {"status":...,"checks":{...}} with check names sorted.
type statusResponse struct {
	Status string
	Checks map[string]string
}

func (r statusResponse) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(r.Status) })
		if len(r.Checks) == 0 {
			return
		}
		names := make([]string, 0, len(r.Checks))
		for name := range r.Checks {
			names = append(names, name)
		}
		slices.Sort(names)
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(r.Checks[name]) })
				}
			})
		})
	})
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp = statusResponse{Status: "unhealthy", Checks: failures}
		code = http.StatusServiceUnavailable
	}

	var e jx.Encoder
	resp.Encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
