// Package token mints and checks the media channel token carried by call.request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSecret        = errors.New("token secret not configured")
	ErrInvalid         = errors.New("invalid media token")
	ErrChannelMismatch = errors.New("media token channel mismatch")
)

type Claims struct {
	Channel domain.ChannelRef `json:"channel"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock is used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Mint signs a token that lets sub join channel until ttl elapses.
func (i *Issuer) Mint(channel domain.ChannelRef, sub domain.UserID) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	now := i.now()
	claims := Claims{
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(sub),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign media token: %w", err)
	}
	return signed, nil
}

// Verify accepts only an unexpired HS256 token issued for channel.
func (i *Issuer) Verify(tok string, channel domain.ChannelRef) error {
	if len(i.secret) == 0 {
		return ErrNoSecret
	}
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	_, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Channel != channel {
		return ErrChannelMismatch
	}
	return nil
}
