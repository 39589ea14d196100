// Package ratelimit throttles the request surfaces that can be driven
// by a single hostile client: the conference-request HTTP endpoint and
// the per-sender stanza operations (dial, room-metadata).
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
	"github.com/colloq/focus/internal/v1/types"
	"go.uber.org/zap"
)

// Rule bounds one sender on one operation: at most MaxPerWindow
// accepted calls inside a sliding Window, never two calls closer than
// MinInterval.
type Rule struct {
	MinInterval  time.Duration
	Window       time.Duration
	MaxPerWindow int
}

// DialRule is the default bound on outbound SIP dial requests.
var DialRule = Rule{MinInterval: 2 * time.Second, Window: time.Minute, MaxPerWindow: 10}

// RoomMetadataRule is the default bound on room metadata updates.
var RoomMetadataRule = Rule{MinInterval: 500 * time.Millisecond, Window: time.Minute, MaxPerWindow: 30}

type senderState struct {
	last time.Time
	// accepted call times inside the current window; rejected calls are
	// not recorded so a throttled sender can recover by backing off
	hits []time.Time
}

// StanzaLimiter applies one Rule per sender key.
type StanzaLimiter struct {
	endpoint string
	rule     Rule
	clock    clock.PassiveClock

	mu      sync.Mutex
	senders map[string]*senderState
}

// NewStanzaLimiter builds a limiter for one operation.
func NewStanzaLimiter(endpoint string, rule Rule, cl clock.PassiveClock) *StanzaLimiter {
	if cl == nil {
		cl = clock.RealClock{}
	}
	return &StanzaLimiter{
		endpoint: endpoint,
		rule:     rule,
		clock:    cl,
		senders:  make(map[string]*senderState),
	}
}

// Allow reports whether the sender may proceed; a denial returns the
// resource-constraint error to send back.
func (l *StanzaLimiter) Allow(sender string) error {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.senders[sender]
	if !ok {
		s = &senderState{}
		l.senders[sender] = s
	}

	if !s.last.IsZero() && now.Sub(s.last) < l.rule.MinInterval {
		metrics.RateLimitExceeded.WithLabelValues(l.endpoint, "min-interval").Inc()
		return types.NewStanzaError(types.KindResourceConstraint, "%s rate limit exceeded", l.endpoint)
	}

	cutoff := now.Add(-l.rule.Window)
	kept := s.hits[:0]
	for _, h := range s.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	s.hits = kept
	if len(s.hits) >= l.rule.MaxPerWindow {
		metrics.RateLimitExceeded.WithLabelValues(l.endpoint, "window").Inc()
		return types.NewStanzaError(types.KindResourceConstraint, "%s rate limit exceeded", l.endpoint)
	}

	s.last = now
	s.hits = append(s.hits, now)
	return nil
}

// Prune drops senders that have been quiet for a full window.
func (l *StanzaLimiter) Prune() {
	cutoff := l.clock.Now().Add(-l.rule.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, s := range l.senders {
		if s.last.Before(cutoff) {
			delete(l.senders, k)
		}
	}
}

// HTTPLimiter throttles the public HTTP endpoints by client IP. It
// uses a shared Redis store when one is configured so replicas see one
// combined budget, and an in-process store otherwise.
type HTTPLimiter struct {
	limiter *limiter.Limiter
}

// NewHTTPLimiter parses a formatted rate like "100-M" and binds it to
// the given store backend.
func NewHTTPLimiter(formatted string, redisClient *redis.Client) (*HTTPLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", formatted, err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "focus:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}
	return &HTTPLimiter{limiter: limiter.New(store, rate)}, nil
}

// Middleware enforces the limit per client IP. Store failures fail
// open: availability beats precision here.
func (h *HTTPLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := h.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint, "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}
