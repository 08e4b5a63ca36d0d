// Package auth implements the external token-verification collaborator used
// by the connection registry. Verification maps an opaque client token to a
// stable user identifier; failure is fatal to the presenting connection.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/duetchat/signaling-relay/internal/config"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates a client-presented token and returns the stable user
// identifier it encodes.
type Verifier interface {
	VerifyToken(token string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return InsecureVerifier{}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// InsecureVerifier accepts any non-empty token and treats the token itself as
// the user identifier. Dev/testing only; AUTH_MODE=jwt replaces it in
// production deployments.
type InsecureVerifier struct{}

func (InsecureVerifier) VerifyToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
