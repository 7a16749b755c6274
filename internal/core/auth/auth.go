package auth

import (
	"errors"
	"time"

	"gemini-stealth-gateway/internal/core/config"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator validates bearer tokens for the introspection endpoints.
// An empty signing key disables auth entirely.
type Authenticator struct {
	signingKey []byte
}

func NewAuthenticator(cfg config.Config) *Authenticator {
	return &Authenticator{
		signingKey: []byte(cfg.AuthSecret),
	}
}

// Enabled reports whether token validation is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.signingKey) > 0
}

// StatsClaims are the claims carried by an introspection token.
type StatsClaims struct {
	Subject string `json:"sub,omitempty"`
	jwt.RegisteredClaims
}

// ValidateToken verifies an HMAC-signed bearer token and returns its claims.
func (a *Authenticator) ValidateToken(tokenString string) (*StatsClaims, error) {
	parsedToken, err := jwt.ParseWithClaims(tokenString, &StatsClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method for stats token")
		}
		return a.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsedToken.Claims.(*StatsClaims)
	if !ok || !parsedToken.Valid {
		return nil, errors.New("invalid stats token")
	}
	return claims, nil
}

// IssueToken mints a stats token, used by operational tooling.
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StatsClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}
