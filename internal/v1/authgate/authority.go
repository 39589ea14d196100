// Package authgate decides whether a caller may create conferences. It
// issues session tokens after a successful authentication so clients do
// not repeat the full exchange on every request, and gates room
// creation on those tokens.
package authgate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/colloq/focus/internal/v1/logging"
	"github.com/colloq/focus/internal/v1/metrics"
	"github.com/colloq/focus/internal/v1/types"
)

// Mode selects the authentication authority variant.
type Mode string

const (
	// ModeNone disables the gate; every caller may create rooms.
	ModeNone Mode = "none"
	// ModeXMPPDomain trusts any identity on the configured
	// authenticated domain.
	ModeXMPPDomain Mode = "xmpp-domain"
	// ModeExternal delegates to a web identity provider; callers prove
	// identity with a bearer token.
	ModeExternal Mode = "external"
)

// DefaultSessionTimeout is how long an unused session token stays
// valid.
const DefaultSessionTimeout = 24 * time.Hour

const pruneInterval = time.Minute

// TokenVerifier resolves a bearer token to a stable user principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (principal string, err error)
}

// Config carries the authority settings.
type Config struct {
	Mode                Mode
	AuthenticatedDomain string
	// LoginURL is where external-mode clients are sent to authenticate.
	LoginURL       string
	SessionTimeout time.Duration
}

// Session is one issued token. A session is keyed by the pair
// (principal, machine UID): the same user on a second device gets a
// second, independent session.
type Session struct {
	ID         string
	Principal  string
	MachineUID string

	lastActive time.Time
}

type sessionKey struct {
	principal  string
	machineUID string
}

// Authority issues and validates session tokens.
type Authority struct {
	cfg      Config
	verifier TokenVerifier
	clock    clock.WithTickerAndDelayedExecution

	mu       sync.Mutex
	byID     map[string]*Session
	byKey    map[sessionKey]*Session
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option tunes an Authority.
type Option func(*Authority)

// WithClock substitutes the timer source.
func WithClock(c clock.WithTickerAndDelayedExecution) Option { return func(a *Authority) { a.clock = c } }

// WithVerifier installs the external-mode token verifier.
func WithVerifier(v TokenVerifier) Option { return func(a *Authority) { a.verifier = v } }

// New builds an authority for the configured mode.
func New(cfg Config, opts ...Option) *Authority {
	if cfg.Mode == "" {
		cfg.Mode = ModeNone
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	a := &Authority{
		cfg:    cfg,
		clock:  clock.RealClock{},
		byID:   make(map[string]*Session),
		byKey:  make(map[sessionKey]*Session),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enabled reports whether the gate is active at all.
func (a *Authority) Enabled() bool { return a.cfg.Mode != ModeNone }

// LoginURL is the external identity provider entry point, empty unless
// external mode is configured.
func (a *Authority) LoginURL() string {
	if a.cfg.Mode != ModeExternal {
		return ""
	}
	return a.cfg.LoginURL
}

// Authorize decides whether the caller may proceed with a
// conference-request. A non-empty sessionID is validated regardless of
// mode; without one, joining an existing room is always allowed while
// creating a room requires an authenticated identity.
func (a *Authority) Authorize(ctx context.Context, fromJID, machineUID, sessionID string, roomExists bool) (*Session, error) {
	if !a.Enabled() {
		return nil, nil
	}
	if sessionID != "" {
		return a.validate(ctx, sessionID, machineUID)
	}
	if roomExists {
		return nil, nil
	}
	if a.cfg.Mode == ModeXMPPDomain && a.domainMatches(fromJID) {
		return a.createOrAttach(ctx, bareJID(fromJID), machineUID), nil
	}
	return nil, types.NewStanzaError(types.KindNotAuthorized, "not authorized to create room")
}

// AuthenticateExternal verifies a bearer token and issues a session for
// its principal. External mode only.
func (a *Authority) AuthenticateExternal(ctx context.Context, token, machineUID string) (*Session, error) {
	if a.cfg.Mode != ModeExternal {
		return nil, types.NewStanzaError(types.KindNotAcceptable, "external authentication not configured")
	}
	principal, err := a.verifier.Verify(ctx, token)
	if err != nil {
		logging.Warn(ctx, "Token verification failed", zap.Error(err))
		return nil, types.NewStanzaError(types.KindNotAuthorized, "invalid authentication token")
	}
	return a.createOrAttach(ctx, principal, machineUID), nil
}

// Logout destroys a session token. Unknown tokens get the same
// session-invalid answer as expired ones.
func (a *Authority) Logout(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byID[sessionID]
	if !ok {
		return sessionInvalid()
	}
	a.dropLocked(s)
	logging.Info(ctx, "Auth session destroyed",
		zap.String("principal", s.Principal), zap.String("session", logging.RedactSecret(s.ID)))
	return nil
}

// Get looks a session up without touching its activity clock.
func (a *Authority) Get(sessionID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byID[sessionID]
	if !ok || a.expiredLocked(s) {
		return nil, false
	}
	return s, true
}

// Count reports live sessions.
func (a *Authority) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byID)
}

// Run prunes idle sessions until the context ends or Close is called.
func (a *Authority) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C():
			a.prune()
		}
	}
}

// Close stops the pruning loop.
func (a *Authority) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Authority) validate(ctx context.Context, sessionID, machineUID string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byID[sessionID]
	if !ok {
		return nil, sessionInvalid()
	}
	if a.expiredLocked(s) {
		a.dropLocked(s)
		return nil, sessionInvalid()
	}
	if s.MachineUID != machineUID {
		logging.Warn(ctx, "Session token replay from different machine",
			zap.String("principal", s.Principal))
		return nil, types.NewStanzaError(types.KindNotAcceptable, "machine UID mismatch")
	}
	s.lastActive = a.clock.Now()
	return s, nil
}

func (a *Authority) createOrAttach(ctx context.Context, principal, machineUID string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := sessionKey{principal: principal, machineUID: machineUID}
	if s, ok := a.byKey[key]; ok {
		if !a.expiredLocked(s) {
			s.lastActive = a.clock.Now()
			return s
		}
		a.dropLocked(s)
	}
	s := &Session{
		ID:         uuid.NewString(),
		Principal:  principal,
		MachineUID: machineUID,
		lastActive: a.clock.Now(),
	}
	a.byID[s.ID] = s
	a.byKey[key] = s
	metrics.AuthSessions.Set(float64(len(a.byID)))
	logging.Info(ctx, "Auth session created",
		zap.String("principal", principal), zap.String("session", logging.RedactSecret(s.ID)))
	return s
}

func (a *Authority) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.byID {
		if a.expiredLocked(s) {
			a.dropLocked(s)
		}
	}
}

func (a *Authority) expiredLocked(s *Session) bool {
	return a.clock.Since(s.lastActive) > a.cfg.SessionTimeout
}

func (a *Authority) dropLocked(s *Session) {
	delete(a.byID, s.ID)
	key := sessionKey{principal: s.Principal, machineUID: s.MachineUID}
	if a.byKey[key] == s {
		delete(a.byKey, key)
	}
	metrics.AuthSessions.Set(float64(len(a.byID)))
}

func (a *Authority) domainMatches(fromJID string) bool {
	return a.cfg.AuthenticatedDomain != "" &&
		strings.EqualFold(domainOf(fromJID), a.cfg.AuthenticatedDomain)
}

func sessionInvalid() *types.StanzaError {
	return &types.StanzaError{
		Kind:      types.KindNotAcceptable,
		Text:      "invalid session",
		Extension: "session-invalid",
	}
}

func bareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func domainOf(jid string) string {
	bare := bareJID(jid)
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}
