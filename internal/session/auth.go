package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

func (r Role) valid() bool { return r == RoleRider || r == RoleDriver || r == RoleAdmin }

// Identity is who a connection or request acts as.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens whose subject is the identity id.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Authenticate fails with an Auth error if the token is missing, malformed, badly
// signed, expired, or carries an unknown role.
func (a *Authenticator) Authenticate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.Auth("missing token")
	}
	if len(a.secret) == 0 {
		return Identity{}, apperr.Auth("authentication is not configured")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, apperr.Auth("token expired")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Identity{}, apperr.Auth("malformed token")
		default:
			return Identity{}, apperr.Auth("invalid token")
		}
	}
	if claims.Subject == "" || !claims.Role.valid() {
		return Identity{}, apperr.Auth("token has no usable identity")
	}
	return Identity{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for id. Token issuance belongs to the auth collaborator; this
// exists for local tooling and tests.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// BearerToken extracts the token from "Authorization: Bearer <t>", falling back to the
// token query parameter browsers use for websocket upgrades.
func BearerToken(header, query string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return query
}
