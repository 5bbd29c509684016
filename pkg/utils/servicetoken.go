package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service tokens authenticate this service against its upstream
// collaborators (registration authority, push gateway). They are minted
// per call with a short lifetime rather than cached.

var (
	serviceTokenSecret = []byte("change-me-in-production")
	serviceTokenTTL    = 5 * time.Minute
)

type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

func ConfigureServiceToken(secret string, ttl time.Duration) {
	if secret != "" {
		serviceTokenSecret = []byte(secret)
	}
	if ttl > 0 {
		serviceTokenTTL = ttl
	}
}

func MintServiceToken(service string) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   service,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(serviceTokenSecret)
}

func ValidateServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return serviceTokenSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
