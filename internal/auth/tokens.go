// Package auth holds the short-lived tokens that authenticate terminal
// WebSocket upgrades. Tokens live only in memory; a restart invalidates them
// and clients mint new ones.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	// TokenTTL is how long a minted token stays valid.
	TokenTTL = 5 * time.Minute
	// SweepSchedule removes expired tokens in the background.
	SweepSchedule = "@every 60s"

	tokenBytes = 32
)

// Validation failures. The messages double as the upgrade rejection reason.
var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpired      = errors.New("session expired")
)

type entry struct {
	userID  string
	expires time.Time
}

// Store maps opaque tokens to user ids. One Store is created at startup and
// shared by the mint handler and the terminal gateway.
type Store struct {
	mu     sync.Mutex
	tokens map[string]entry

	ttl time.Duration
	now func() time.Time
	log zerolog.Logger

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		tokens: make(map[string]entry),
		ttl:    TokenTTL,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the periodic sweep. Calling it more than once has no
// further effect.
func (s *Store) Start() error {
	var err error
	s.startOnce.Do(func() {
		c := cron.New()
		if _, err = c.AddFunc(SweepSchedule, func() {
			if n := s.Sweep(); n > 0 {
				s.log.Debug().Int("removed", n).Msg("Swept expired tokens")
			}
		}); err != nil {
			err = fmt.Errorf("schedule token sweep: %w", err)
			return
		}
		c.Start()
		s.cron = c
	})
	return err
}

// Stop halts the sweep and waits for a running sweep to finish.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// Mint issues a 256-bit random token for userID, valid for TokenTTL.
func (s *Store) Mint(userID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = entry{userID: userID, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return token, nil
}

// Validate returns the user id for token. A token may be validated any number
// of times before it expires; validation never extends its lifetime. An
// expired token is deleted, so validating it again reports ErrInvalidToken.
func (s *Store) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	if !s.now().Before(e.expires) {
		delete(s.tokens, token)
		return "", ErrExpired
	}
	return e.userID, nil
}

// Revoke deletes token. Unknown tokens are ignored.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// RevokeFor deletes token only when it belongs to userID. It reports whether
// a token was removed.
func (s *Store) RevokeFor(userID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tokens[token]
	if !ok || e.userID != userID {
		return false
	}
	delete(s.tokens, token)
	return true
}

// Sweep deletes every expired token and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, e := range s.tokens {
		if !now.Before(e.expires) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
