package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"sqlgate/internal/core"
	"sqlgate/internal/logger"
)

// ReleaseHook is invoked when a session ends (logout or sweep) so the
// connection store can free everything keyed to it.
type ReleaseHook func(username, sessionID string)

// Authority validates logins, mints session tokens and tracks session
// liveness. Verification itself is delegated to the per-database
// Authenticator chosen at configuration time.
type Authority struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session

	authenticators map[string]core.Authenticator // by database
	tokens         TokenCodec
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	onRelease      ReleaseHook

	stop     chan struct{}
	stopOnce sync.Once
}

func NewAuthority(authenticators map[string]core.Authenticator, tokens TokenCodec, idleTimeout, sweepInterval time.Duration) *Authority {
	if idleTimeout <= 0 {
		idleTimeout = 20 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Authority{
		sessions:       make(map[string]*core.Session),
		authenticators: authenticators,
		tokens:         tokens,
		idleTimeout:    idleTimeout,
		sweepInterval:  sweepInterval,
		stop:           make(chan struct{}),
	}
}

// SetReleaseHook wires the connection-store sweep. Must be called before
// Start.
func (a *Authority) SetReleaseHook(hook ReleaseHook) {
	a.onRelease = hook
}

// Login verifies credentials and mints a session token.
func (a *Authority) Login(ctx context.Context, username, secret, database, clientAddr string) (string, error) {
	auth, ok := a.authenticators[database]
	if !ok {
		return "", core.Protocolf("unknown database %q", database)
	}

	ok, err := auth.Authenticate(ctx, username, secret, database, clientAddr)
	if err != nil {
		return "", core.WrapError(core.ErrTypeAuthentication, "authentication backend failure", err)
	}
	if !ok {
		return "", core.NewError(core.ErrTypeAuthentication, "invalid credentials")
	}

	id, err := newSessionID()
	if err != nil {
		return "", core.WrapError(core.ErrTypeInternal, "cannot mint session id", err)
	}

	now := time.Now()
	s := &core.Session{
		ID:         id,
		Username:   username,
		Database:   database,
		ClientAddr: clientAddr,
		CreatedAt:  now,
		LastAccess: now,
	}

	token, err := a.tokens.Mint(s)
	if err != nil {
		return "", core.WrapError(core.ErrTypeInternal, "cannot mint session token", err)
	}

	a.mu.Lock()
	a.sessions[id] = s
	a.mu.Unlock()

	logger.Info.Printf("session %s opened for %s on %s from %s", id[:8], username, database, clientAddr)
	return token, nil
}

// Validate resolves a token to its live session and touches last access.
func (a *Authority) Validate(token string) (core.Session, error) {
	id, err := a.tokens.SessionID(token)
	if err != nil {
		return core.Session{}, core.ErrSessionInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return core.Session{}, core.ErrSessionInvalid
	}
	s.LastAccess = time.Now()
	return *s, nil
}

// Logout removes the session and fires the release hook. Calling it for an
// unknown or already-removed session is a safe no-op.
func (a *Authority) Logout(token string) bool {
	id, err := a.tokens.SessionID(token)
	if err != nil {
		return false
	}

	a.mu.Lock()
	s, ok := a.sessions[id]
	if ok {
		delete(a.sessions, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	if a.onRelease != nil {
		a.onRelease(s.Username, s.ID)
	}
	logger.Info.Printf("session %s closed for %s", id[:8], s.Username)
	return true
}

// Sessions returns a snapshot for the ops console.
func (a *Authority) Sessions() []core.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]core.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, *s)
	}
	return out
}

// Start launches the background inactivity sweep.
func (a *Authority) Start() {
	go func() {
		ticker := time.NewTicker(a.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sweep(time.Now())
			case <-a.stop:
				return
			}
		}
	}()
}

func (a *Authority) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Sweep removes sessions idle past the timeout and fires the release hook
// for each. Exported so tests can drive it with a synthetic clock.
func (a *Authority) Sweep(now time.Time) int {
	var expired []*core.Session

	a.mu.Lock()
	for id, s := range a.sessions {
		if now.Sub(s.LastAccess) > a.idleTimeout {
			delete(a.sessions, id)
			expired = append(expired, s)
		}
	}
	a.mu.Unlock()

	for _, s := range expired {
		logger.Info.Printf("session %s for %s timed out after %s idle", s.ID[:8], s.Username, a.idleTimeout)
		if a.onRelease != nil {
			a.onRelease(s.Username, s.ID)
		}
	}
	return len(expired)
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
