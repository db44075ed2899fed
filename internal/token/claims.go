package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/subscriber-dash/authcore/internal/autherr"
	"github.com/subscriber-dash/authcore/internal/tier"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Claims are carried by bridge-issued access and refresh tokens. The subject
// is the backend account id.
type Claims struct {
	Email   string    `json:"email"`
	Tier    tier.Tier `json:"tier"`
	Version int       `json:"ver"`
	Type    string    `json:"typ"`
	jwt.RegisteredClaims
}

func sign(claims Claims, secret []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parse(raw string, secret []byte, wantType string, now func() time.Time) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("token expired: %w", autherr.ErrInvalidToken)
		}
		return Claims{}, fmt.Errorf("parse token: %w", autherr.ErrInvalidToken)
	}
	if claims.Type != wantType {
		return Claims{}, fmt.Errorf("unexpected token type %q: %w", claims.Type, autherr.ErrInvalidToken)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("token without subject: %w", autherr.ErrInvalidToken)
	}
	return claims, nil
}
