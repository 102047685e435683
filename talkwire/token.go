package talkwire

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token used for the transport handshake and
// authenticated HTTP calls, and can be asked to refresh it after the server
// rejects it.
type TokenSource interface {
	// AccessToken returns the current token, or "" when none is available.
	AccessToken() string

	// Refresh obtains a new token pair. An error means the session cannot
	// recover without caller intervention.
	Refresh(ctx context.Context) error

	// LoggedIn reports whether a usable credential exists at all.
	LoggedIn() bool
}

// StaticTokenSource wraps a fixed token. Refresh always fails; it suits
// tests and short-lived tools.
type StaticTokenSource string

// AccessToken returns the wrapped token.
func (s StaticTokenSource) AccessToken() string { return string(s) }

// Refresh fails: a static token has no refresh path.
func (s StaticTokenSource) Refresh(context.Context) error {
	return NewError(CodeTokenRefresh, "static token cannot be refreshed")
}

// LoggedIn reports whether the token is non-empty.
func (s StaticTokenSource) LoggedIn() bool { return s != "" }

// UserIDFromToken extracts the user_id claim from an access token, falling
// back to the subject claim. The client is not the verifier, so the
// signature is not checked.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", WrapError(CodeUnauthenticated, "parse access token", err)
	}
	if id, _ := claims["user_id"].(string); id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", NewError(CodeUnauthenticated, "token carries no user id")
}
