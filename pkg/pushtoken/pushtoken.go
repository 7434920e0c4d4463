package pushtoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid push token")
	ErrExpiredToken = errors.New("push token has expired")
)

type Claims struct {
	DeviceId string `json:"deviceId"`
	jwt.RegisteredClaims
}

// Manager mints and verifies signed push tokens, provider-token style:
// the token itself carries the device identity, so the gateway never
// needs a token lookup table to address a device.
type Manager struct {
	secretKey string
	tokenTTL  time.Duration
}

func NewManager(secretKey string, tokenTTL time.Duration) *Manager {
	return &Manager{
		secretKey: secretKey,
		tokenTTL:  tokenTTL,
	}
}

// Issue mints a fresh token for a device. Each call produces a distinct
// token (issued-at advances), which is what drives refresh rotation.
func (m *Manager) Issue(deviceId string) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceId: deviceId,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        now.Format(time.RFC3339Nano),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.secretKey))
}

// Verify parses a token and returns the device it addresses.
func (m *Manager) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.DeviceId == "" {
		return "", ErrInvalidToken
	}

	return claims.DeviceId, nil
}
