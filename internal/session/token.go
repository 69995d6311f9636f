package session

import (
	"errors"
	"fmt"
	"time"

	"sqlgate/internal/core"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// TokenCodec turns a minted session row into the client-visible token and
// back. Opaque tokens are the session id itself; signed tokens wrap it in
// an HMAC JWT so a tampered id fails before any table lookup.
type TokenCodec interface {
	Mint(s *core.Session) (string, error)
	SessionID(token string) (string, error)
}

type OpaqueTokens struct{}

func (OpaqueTokens) Mint(s *core.Session) (string, error) { return s.ID, nil }

func (OpaqueTokens) SessionID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	Username  string `json:"sub_user"`
	jwt.RegisteredClaims
}

type SignedTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewSignedTokens(secret string, ttl time.Duration) *SignedTokens {
	return &SignedTokens{secret: []byte(secret), ttl: ttl}
}

func (t *SignedTokens) Mint(s *core.Session) (string, error) {
	claims := sessionClaims{
		SessionID: s.ID,
		Username:  s.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "sqlgate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *SignedTokens) SessionID(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.SessionID, nil
}
