package talkwire

import (
	"context"
	"sync"

	"github.com/nvoronin/talkwire-go/talkwire/rest"
)

// Refresher exchanges a refresh token for a new token pair. *rest.Client
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, req rest.RefreshRequest) (*rest.TokenPair, error)
}

// MemoryTokenSource holds a token pair in memory and refreshes it through
// the fallback channel. Refreshes are serialized so concurrent auth
// rejections result in a single round trip.
type MemoryTokenSource struct {
	refresher Refresher

	mu      sync.Mutex
	access  string
	refresh string
}

// NewMemoryTokenSource seeds a token source with the pair obtained at login.
func NewMemoryTokenSource(refresher Refresher, access, refresh string) *MemoryTokenSource {
	return &MemoryTokenSource{refresher: refresher, access: access, refresh: refresh}
}

// AccessToken returns the current access token, or "" when logged out.
func (s *MemoryTokenSource) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

// Refresh exchanges the refresh token for a new pair.
func (s *MemoryTokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresh == "" {
		return NewError(CodeTokenRefresh, "no refresh token")
	}
	pair, err := s.refresher.Refresh(ctx, rest.RefreshRequest{RefreshToken: s.refresh})
	if err != nil {
		return WrapError(CodeTokenRefresh, "refresh token", err)
	}
	s.access = pair.AccessToken
	s.refresh = pair.RefreshToken
	return nil
}

// LoggedIn reports whether any credential exists.
func (s *MemoryTokenSource) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access != "" || s.refresh != ""
}

// Clear drops both tokens. Used on logout.
func (s *MemoryTokenSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
	s.refresh = ""
}
