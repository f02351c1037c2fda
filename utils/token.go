package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// Shared-secret tokens protecting the Pub/Sub push endpoints. Full user auth
// lives in the upstream gateway; this only guards service-to-service pushes.

type PushClaim struct {
	Queue string `json:"queue"`
	jwt.StandardClaims
}

var pushSecret = []byte(getPushSecret())

func getPushSecret() string {
	secret := os.Getenv("PUSH_AUTH_SECRET")
	if secret == "" {
		return "Recruit-Push-Secret"
	}
	return secret
}

func PushTokenGenerate(queue string, lifespan time.Duration) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &PushClaim{
		Queue: queue,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(lifespan).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString(pushSecret)
}

func PushTokenValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &PushClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return pushSecret, nil
	})
}
