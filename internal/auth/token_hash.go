package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errTokenRequired = errors.New("api token required")

func hashToken(token string) (string, error) {
	if token == "" {
		return "", errTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

func generateHashedToken(length int, factory func(int) (string, error)) (string, string, error) {
	token, err := factory(length)
	if err != nil {
		return "", "", err
	}
	hashed, err := hashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hashed, nil
}
