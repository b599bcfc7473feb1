// ABOUTME: JWT issuing and validation for WebSocket client authentication
// ABOUTME: HS256 tokens with distinct expired and bad-signature errors plus a validation cache

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Token errors
var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpiredToken     = errors.New("token expired")
	ErrMissingClaim     = errors.New("missing required claim")
	ErrWeakSecret       = errors.New("jwt secret must be at least 32 bytes")
)

// MinSecretLength is the shortest HS256 secret NewIssuer accepts.
const MinSecretLength = 32

// DefaultTokenTTL is used when IssuerConfig.TTL is zero.
const DefaultTokenTTL = time.Hour

// Identity is the authenticated principal behind a token.
type Identity struct {
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Secret    []byte
	TTL       time.Duration
	Issuer    string
	Audience  string
	CacheTTL  time.Duration // zero disables the validation cache
	CacheSize int
	Clock     clock.Clock
}

// Issuer mints and validates HS256 JWTs.
type Issuer struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	clock    clock.Clock
	cache    *expirable.LRU[string, *Identity]
}

// NewIssuer creates an Issuer from cfg.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	i := &Issuer{
		secret:   cfg.Secret,
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
	if i.ttl <= 0 {
		i.ttl = DefaultTokenTTL
	}
	if i.clock == nil {
		i.clock = clock.New()
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		i.cache = expirable.NewLRU[string, *Identity](size, nil, cfg.CacheTTL)
	}
	return i, nil
}

// TTL returns the lifetime given to issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates a signed token for subject, valid for the configured TTL.
func (i *Issuer) Issue(subject string) (string, *Identity, error) {
	return i.IssueWithTTL(subject, i.ttl)
}

// IssueWithTTL creates a signed token for subject with an explicit lifetime.
func (i *Issuer) IssueWithTTL(subject string, ttl time.Duration) (string, *Identity, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := i.clock.Now().Truncate(time.Second)
	id := &Identity{
		Subject:   subject,
		TokenID:   uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	claims := jwt.RegisteredClaims{
		Subject:   id.Subject,
		ID:        id.TokenID,
		IssuedAt:  jwt.NewNumericDate(id.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(id.ExpiresAt),
		Issuer:    i.issuer,
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, id, nil
}

// Validate verifies signature and expiry and returns the token's identity.
// A token that parses but fails its signature, or does not parse at all,
// yields ErrInvalidSignature; a correctly signed but stale token yields
// ErrExpiredToken.
func (i *Issuer) Validate(token string) (*Identity, error) {
	if i.cache != nil {
		if id, ok := i.cache.Get(token); ok {
			if !i.clock.Now().Before(id.ExpiresAt) {
				i.cache.Remove(token)
				return nil, ErrExpiredToken
			}
			return id, nil
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}
	if i.audience != "" {
		opts = append(opts, jwt.WithAudience(i.audience))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	id := &Identity{Subject: claims.Subject, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if i.cache != nil {
		i.cache.Add(token, id)
	}
	return id, nil
}
