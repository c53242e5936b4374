package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/metrics"
)

const (
	// DefaultMargin is how long before real expiry a token stops being
	// handed out.
	DefaultMargin = 60 * time.Second

	refreshAttempts = 3
	refreshBaseWait = time.Second
)

// Store guards the one cross-task mutable token. Readers of a still-valid
// token never wait on a refresh in progress; concurrent callers that do
// hit the margin coalesce onto a single provider call.
type Store struct {
	provider Provider
	margin   time.Duration
	now      func() time.Time
	baseWait time.Duration

	mu  sync.RWMutex // guards tok and fatal
	tok *Token
	// fatal is set on invalid-grant or config errors; further calls fail
	// fast until an operator restarts with fixed credentials.
	fatal error

	refreshMu sync.Mutex // serializes refreshes without blocking readers
}

func NewStore(provider Provider, margin time.Duration) *Store {
	if margin <= 0 {
		margin = DefaultMargin
	}
	return &Store{
		provider: provider,
		margin:   margin,
		now:      time.Now,
		baseWait: refreshBaseWait,
	}
}

// Token returns a token guaranteed to be outside the expiry safety margin.
func (s *Store) Token(ctx context.Context) (*Token, error) {
	if tok, err, ok := s.cached(); ok {
		return tok, err
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have finished the refresh while we waited.
	if tok, err, ok := s.cached(); ok {
		return tok, err
	}

	tok, err := s.refresh(ctx)
	if err != nil {
		if !Retryable(err) {
			s.mu.Lock()
			s.fatal = err
			s.mu.Unlock()
		}
		return nil, err
	}

	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()

	return tok, nil
}

// Invalidate drops the current token so the next caller forces a refresh.
// Used when the upstream rejects a token before its computed expiry.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
}

func (s *Store) cached() (*Token, error, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.fatal != nil {
		return nil, s.fatal, true
	}
	if s.tok.ValidFor(s.now(), s.margin) {
		return s.tok, nil, true
	}
	return nil, nil, false
}

// refresh calls the provider, retrying transient network failures with
// exponential backoff. Invalid grants are never retried.
func (s *Store) refresh(ctx context.Context) (*Token, error) {
	var lastErr error

	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		tok, err := s.provider.Refresh(ctx)
		if err == nil {
			metrics.TokenRefreshes.Inc()
			slog.Debug("token refreshed", "flow", tok.IssuedVia, "expires_at", tok.ExpiresAt)
			return tok, nil
		}

		lastErr = err
		if !Retryable(err) {
			return nil, err
		}

		if attempt < refreshAttempts {
			wait := s.baseWait * time.Duration(1<<(attempt-1))
			slog.Warn("token refresh failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil, authErr(KindNetwork, "refresh cancelled: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	return nil, lastErr
}
