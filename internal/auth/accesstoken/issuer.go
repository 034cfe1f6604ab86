// Package accesstoken issues and validates the short-lived signed access
// tokens handed out by the token endpoint.
package accesstoken

import (
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/smallbiznis/grove/internal/clock"
	"github.com/smallbiznis/grove/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired or signed with another key.
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingKey   = errors.New("access token signing key is required")
)

var Module = fx.Module("auth.accesstoken",
	fx.Provide(NewFromConfig),
)

// Claims carried in every access token.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// Scopes splits the space-delimited scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Issuer signs HS256 access tokens.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func New(key []byte, issuer string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	return &Issuer{key: key, issuer: issuer, ttl: ttl, clock: clk}, nil
}

// NewFromConfig builds the issuer from AUTH_JWT_SECRET. Outside production an
// empty secret falls back to a per-process random key.
func NewFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Issuer, error) {
	key := []byte(cfg.OAuth2.JWTSecret)
	if len(key) == 0 && !cfg.IsProduction() {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		log.Warn("AUTH_JWT_SECRET not set, using an ephemeral signing key")
	}
	return New(key, cfg.OAuth2.Issuer, cfg.OAuth2.AccessTTL, clk)
}

// TTL is the lifetime of newly issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs an access token for userID acting through clientID.
func (i *Issuer) Issue(userID, clientID string, scopes []string) (string, time.Time, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    strings.Join(scopes, " "),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate checks signature, issuer and expiry and returns the claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
