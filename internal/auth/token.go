// ABOUTME: JWT session tokens for dashboard auth, HS256 with typed claims
// ABOUTME: Tokens carry the user id and the plan held at login

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the verified content of a session token.
type Claims struct {
	UserID string
	Plan   string
}

// TokenVerifier verifies a session token into its claims.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// sessionClaims is the wire shape: the registered claim set plus the
// subscription plan at issue time.
type sessionClaims struct {
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier issues and verifies HS256 session tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the signature and expiry and returns the claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var sc sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &sc, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if sc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Claims{UserID: sc.Subject, Plan: sc.Plan}, nil
}

// Generate issues a session token for the user. The plan rides along
// so the dashboard can render entitlements without an extra lookup.
func (v *JWTVerifier) Generate(userID, plan string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Plan: plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(v.secret)
}
