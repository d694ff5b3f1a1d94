// Package auth adapts the host application's credential source for the chat
// client. Tokens are never cached here: every caller asks the provider again.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider returns a short-lived bearer token. An empty string means the
// user is not authenticated.
type TokenProvider func(ctx context.Context) (string, error)

// ErrNoSubject is returned when a token carries no "sub" claim.
var ErrNoSubject = errors.New("token has no subject")

// Static returns a provider that always yields token.
func Static(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// FromEnv returns a provider that reads key on every call, so a token rotated
// by the host process is picked up on the next request or reconnect.
func FromEnv(key string) TokenProvider {
	return func(context.Context) (string, error) {
		return strings.TrimSpace(os.Getenv(key)), nil
	}
}

// Token calls the provider, treating a nil provider as unauthenticated.
func (p TokenProvider) Token(ctx context.Context) (string, error) {
	if p == nil {
		return "", nil
	}
	token, err := p(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	return token, nil
}

// SubjectFromToken reads the "sub" claim of a JWT without verifying its
// signature. The server verifies tokens; the client only needs to know who it
// is to label its own optimistic messages.
func SubjectFromToken(token string) (string, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject: %w", err)
	}
	if sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

// ExpiresAt returns the "exp" claim, or the zero time when absent.
func ExpiresAt(token string) (time.Time, error) {
	claims, err := parseUnverified(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

func parseUnverified(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Identity resolves the current user id: explicit wins, otherwise the subject
// of the token the provider currently returns.
func Identity(ctx context.Context, explicit string, tokens TokenProvider) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoSubject
	}
	return SubjectFromToken(token)
}
