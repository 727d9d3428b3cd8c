package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	"github.com/golang-jwt/jwt/v5"
)

// AuthHeader carries the caller's token.
const AuthHeader = "X-Auth-Token"

// RoleAdmin may act on behalf of other users.
const RoleAdmin = "admin"

var (
	errTokenMissing = fmt.Errorf("%w: missing %s header", domain.ErrUnauthorized, AuthHeader)
	errTokenExpired = fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	errForbidden    = errors.New("insufficient privileges")
)

// Claims is the token payload. The subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	User  string
	Admin bool
}

// Authenticator validates HS256 tokens signed with a shared secret.
// Tokens are issued elsewhere.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Authenticate returns the principal of token.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, errTokenMissing
	}
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, errTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return Principal{User: claims.Subject, Admin: claims.Role == RoleAdmin}, nil
}

// Effective resolves the user a request acts on. Only the same user or an
// admin may name a delegate.
func (p Principal) Effective(delegate string) (string, error) {
	if delegate == "" || delegate == p.User {
		return p.User, nil
	}
	if !p.Admin {
		return "", fmt.Errorf("%w: %s may not act for %s", errForbidden, p.User, delegate)
	}
	return delegate, nil
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
