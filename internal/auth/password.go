package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters; changing them invalidates every stored digest.
const (
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
	scryptKeyLen  = 64
	scryptSaltLen = 16
)

// HashPassword derives a salted scrypt digest encoded as
// "<derived-key-hex>.<salt-hex>". Every call uses a fresh salt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return hex.EncodeToString(key) + "." + hex.EncodeToString(salt), nil
}

// VerifyPassword reports whether password matches digest. Malformed digests
// never match.
func VerifyPassword(password, digest string) bool {
	keyHex, saltHex, ok := strings.Cut(digest, ".")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(keyHex)
	if err != nil || len(want) != scryptKeyLen {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, len(want))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}
