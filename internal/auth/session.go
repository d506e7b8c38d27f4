// Package auth provides the request-signing capability the remote gateway is
// constructed with. The gateway never reads or stores tokens itself; it asks
// a [TokenSource] for the current token and tells it when the server rejected
// one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// ErrNotAuthorized is returned by [TokenSource.Token] when no token is
// available, i.e. the user has never signed in or the last token was
// invalidated.
var ErrNotAuthorized = errors.New("not signed in")

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	// Token returns the current access token or ErrNotAuthorized.
	Token(ctx context.Context) (string, error)
	// Invalidate discards the current token after the server rejected it.
	Invalidate()
}

// Session is an in-memory [TokenSource]. The zero value is not usable; create
// one with [NewSession].
type Session struct {
	mu        sync.Mutex
	access    string
	refresh   string
	listeners []func()
	logger    *slog.Logger
}

// NewSession returns a session holding token. An empty token yields an
// unauthorized session.
func NewSession(token string, logger *slog.Logger) *Session {
	return &Session{access: token, logger: logger}
}

// Token implements [TokenSource].
func (s *Session) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == "" {
		return "", ErrNotAuthorized
	}
	return s.access, nil
}

// Set stores the tokens returned by a successful login.
func (s *Session) Set(access, refresh string) {
	s.mu.Lock()
	s.access, s.refresh = access, refresh
	s.mu.Unlock()
}

// Clear drops both tokens after a sign-out. Unlike [Session.Invalidate] it
// does not notify listeners.
func (s *Session) Clear() {
	s.mu.Lock()
	s.access, s.refresh = "", ""
	s.mu.Unlock()
}

// RefreshToken returns the refresh token from the last login, if any.
func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

// Authorized reports whether a token is currently held.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access != ""
}

// Invalidate implements [TokenSource]. Listeners registered with
// [Session.OnInvalidate] run once per held token, outside the lock.
func (s *Session) Invalidate() {
	s.mu.Lock()
	had := s.access != ""
	s.access, s.refresh = "", ""
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()

	if !had {
		return
	}
	s.logger.Warn("access token rejected by server; sign in again with 'leafsync setup'")
	for _, fn := range listeners {
		fn()
	}
}

// OnInvalidate registers fn to be called when the token is invalidated.
func (s *Session) OnInvalidate(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

var emailPattern = regexp.MustCompile(`^[\w.-]+@[\w.-]+\.[a-zA-Z]{2,}$`)

// MinPasswordLength is the shortest password the service accepts.
const MinPasswordLength = 6

// ValidateCredentials checks login input before it is sent.
func ValidateCredentials(email, password string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("invalid email address %q", email)
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
