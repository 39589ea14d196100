// Package health exposes the focus liveness surface consumed by load
// balancers and the deployment's probes.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
)

// CheckInterval is how often the internal self-check runs.
const CheckInterval = 10 * time.Second

// Checker is one internal self-check. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Handler serves GET /about/health. The answer has three shapes:
// 200 with an empty JSON object while the focus is up and the last
// self-check passed, 503 while initializing or shutting down, 500 when
// the self-check failed.
type Handler struct {
	checker Checker
	clock   clock.WithTickerAndDelayedExecution

	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	lastErr      error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option tunes a Handler.
type Option func(*Handler)

// WithClock substitutes the timer source.
func WithClock(c clock.WithTickerAndDelayedExecution) Option { return func(h *Handler) { h.clock = c } }

// NewHandler builds the health surface over the given self-check.
func NewHandler(checker Checker, opts ...Option) *Handler {
	h := &Handler{
		checker: checker,
		clock:   clock.RealClock{},
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetReady marks initialization complete.
func (h *Handler) SetReady() {
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
}

// SetShuttingDown makes the endpoint fail fast so the balancer drains
// this instance before the listener closes.
func (h *Handler) SetShuttingDown() {
	h.mu.Lock()
	h.shuttingDown = true
	h.mu.Unlock()
}

// AboutHealth is the gin handler for GET /about/health.
func (h *Handler) AboutHealth(c *gin.Context) {
	h.mu.Lock()
	initialized, shuttingDown, lastErr := h.initialized, h.shuttingDown, h.lastErr
	h.mu.Unlock()

	switch {
	case !initialized:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "initializing"})
	case shuttingDown:
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutdown in progress"})
	case lastErr != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": lastErr.Error()})
	default:
		c.Data(http.StatusOK, "application/json", []byte("{}"))
	}
}

// RunChecks executes the self-check on a fixed cadence until the
// context ends or Close is called. One check runs immediately so a
// fresh instance never reports stale health.
func (h *Handler) RunChecks(ctx context.Context) {
	h.runOnce(ctx)
	ticker := h.clock.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C():
			h.runOnce(ctx)
		}
	}
}

// Close stops the check loop.
func (h *Handler) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Handler) runOnce(ctx context.Context) {
	if h.checker == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := h.checker.Check(cctx)
	cancel()
	h.mu.Lock()
	prev := h.lastErr
	h.lastErr = err
	h.mu.Unlock()
	if err != nil && prev == nil {
		logging.Error(ctx, "Health self-check failed", zap.Error(err))
	}
	if err == nil && prev != nil {
		logging.Info(ctx, "Health self-check recovered")
	}
}
