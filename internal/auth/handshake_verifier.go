package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "bearer "
	accessTokenQuery    = "access_token"
)

var errMissingTokenIssuer = errors.New("handshake verifier: token issuer required")

// HandshakeVerifier resolves the identity of an HTTP or WebSocket handshake.
type HandshakeVerifier struct {
	issuer     *TokenIssuer
	cookieName string
}

// NewHandshakeVerifier builds a verifier. An empty cookie name disables cookie lookup.
func NewHandshakeVerifier(issuer *TokenIssuer, cookieName string) (*HandshakeVerifier, error) {
	if issuer == nil {
		return nil, errMissingTokenIssuer
	}
	return &HandshakeVerifier{issuer: issuer, cookieName: strings.TrimSpace(cookieName)}, nil
}

// Resolve reads the token from the bearer header, the access_token query
// parameter or the session cookie, in that order, and validates it.
func (v *HandshakeVerifier) Resolve(_ context.Context, r *http.Request) (presence.Identity, error) {
	token := v.extractToken(r)
	if token == "" {
		return presence.Identity{}, ErrMissingToken
	}
	claims, err := v.issuer.ValidateToken(token)
	if err != nil {
		return presence.Identity{}, err
	}
	return claims.Identity(), nil
}

func (v *HandshakeVerifier) extractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if r.URL != nil {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
			return token
		}
	}
	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}
