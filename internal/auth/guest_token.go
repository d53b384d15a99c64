package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const guestTokenIssuer = "coinchat"

var ErrInvalidGuestToken = errors.New("invalid guest token")

// GuestClaims carries the anonymous id that keys guest provisioning.
type GuestClaims struct {
	jwt.RegisteredClaims
	AnonymousID string `json:"anon_id"`
}

type GuestTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewGuestTokens(secret string, ttl time.Duration) GuestTokens {
	return GuestTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (g GuestTokens) TTL() time.Duration {
	return g.ttl
}

func (g GuestTokens) Issue(anonymousID string) (string, time.Time, error) {
	now := g.now()
	expiresAt := now.Add(g.ttl)
	claims := GuestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    guestTokenIssuer,
			Subject:   anonymousID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		AnonymousID: anonymousID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse returns the anonymous id inside a valid, unexpired token.
func (g GuestTokens) Parse(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrInvalidGuestToken
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, &GuestClaims{}, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	})
	if err != nil {
		return "", ErrInvalidGuestToken
	}

	claims, ok := token.Claims.(*GuestClaims)
	if !ok || !token.Valid || claims.Issuer != guestTokenIssuer || strings.TrimSpace(claims.AnonymousID) == "" {
		return "", ErrInvalidGuestToken
	}
	return claims.AnonymousID, nil
}
