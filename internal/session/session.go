package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAccessToken   = errors.New("session: access token required")
	ErrMalformedAccessToken = errors.New("session: malformed access token")
	ErrExpiredAccessToken   = errors.New("session: access token expired")
	ErrMissingSubject       = errors.New("session: subject claim required")
)

// AccessClaims mirrors the JWT payload the hosted backend issues.
type AccessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Identity is the local user derived from the access token.
type Identity struct {
	UserID string
	Email  string
	Token  string
}

type ParserConfig struct {
	Clock func() time.Time
}

// Parser reads identity claims out of backend-issued access tokens. The
// signature is never verified here; the hosted backend is the verifier and
// the claims are read only to learn who the local user is.
type Parser struct {
	clock func() time.Time
}

func NewParser(cfg ParserConfig) *Parser {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Parser{clock: clock}
}

// Identify extracts the local user identity from the raw access token,
// rejecting tokens that are malformed, expired, or missing a subject.
func (p *Parser) Identify(rawToken string) (Identity, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return Identity{}, ErrMissingAccessToken
	}

	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedAccessToken, err)
	}

	if claims.ExpiresAt != nil && !p.clock().Before(claims.ExpiresAt.Time) {
		return Identity{}, ErrExpiredAccessToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, ErrMissingSubject
	}

	return Identity{
		UserID: subject,
		Email:  strings.TrimSpace(claims.Email),
		Token:  token,
	}, nil
}
