package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPin = errors.New("invalid pin")

// GeneratePin returns a random numeric PIN of the given length.
func GeneratePin(length int) (string, error) {
	const digits = "0123456789"

	pin := make([]byte, length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", fmt.Errorf("generate pin: %w", err)
		}
		pin[i] = digits[num.Int64()]
	}
	return string(pin), nil
}

// HashPin returns the bcrypt hash of a plaintext PIN. The plaintext is only
// ever shown once, at session creation; only the hash is stored.
func HashPin(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(hash), nil
}

// VerifyPin checks a plaintext PIN against a stored hash.
func VerifyPin(pin, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrInvalidPin
	}
	return nil
}
