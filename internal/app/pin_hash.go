package app

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pinSaltBytes             = 16
	pinHashBytes             = 32
	DefaultPinHashIterations = 310000
)

// PinHasher derives the stored verifier for a PIN.
type PinHasher interface {
	Hash(pin string, salt []byte) []byte
}

// PBKDF2Hasher is the PBKDF2-HMAC-SHA256 slow hash.
type PBKDF2Hasher struct {
	Iterations int
}

// NewPBKDF2Hasher returns a hasher using the given iteration count, or the default
// when iterations is not positive.
func NewPBKDF2Hasher(iterations int) PBKDF2Hasher {
	if iterations <= 0 {
		iterations = DefaultPinHashIterations
	}
	return PBKDF2Hasher{Iterations: iterations}
}

func (h PBKDF2Hasher) Hash(pin string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pin), salt, h.Iterations, pinHashBytes, sha256.New)
}

func newPinSalt() ([]byte, error) {
	salt := make([]byte, pinSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate pin salt: %w", err)
	}
	return salt, nil
}

func pinMatches(hasher PinHasher, pin string, salt, stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(hasher.Hash(pin, salt), stored) == 1
}
