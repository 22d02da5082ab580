package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Scope of an issued token. API tokens authorize the REST surface; stream
// tokens are short-lived and only good for the WebSocket event stream.
type Scope string

const (
	ScopeAPI    Scope = "api"
	ScopeStream Scope = "stream"
)

const (
	APITokenTTL    = 15 * time.Minute
	StreamTokenTTL = 5 * time.Minute
)

type Claims struct {
	Scope Scope `json:"scope"`
	jwt.RegisteredClaims
}

// Manager signs and validates HS256 tokens with a single shared key.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

func (m *Manager) GenerateAPIToken() (string, error) {
	return m.generate(ScopeAPI, APITokenTTL)
}

func (m *Manager) GenerateStreamToken() (string, error) {
	return m.generate(ScopeStream, StreamTokenTTL)
}

func (m *Manager) generate(scope Scope, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Issuer:    "ts-nvr",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid for future key rotation support, even with a single key now
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
