package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SICC API keys have the form
//
//	sicc_<43 base64url characters>
//
// where the body encodes KeyLength random bytes without padding. The
// server keeps only the SHA-256 hex digest of the whole key plus its first
// KeyPrefixLength characters, which key listings show so an operator can
// tell keys apart without ever seeing the secret again.
const (
	DefaultKeyPrefix = "sicc_"
	KeyLength        = 32
	KeyPrefixLength  = 8
)

var keyBodyLength = base64.RawURLEncoding.EncodedLen(KeyLength)

// ErrNoCredential is returned when a request carries no usable credential.
var ErrNoCredential = errors.New("no credential in authorization header")

// GenerateAPIKey returns a fresh key and the digest to persist for it. The
// key itself is shown to the caller once and never stored.
func GenerateAPIKey() (key, digest string, err error) {
	secret := make([]byte, KeyLength)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("read key entropy: %w", err)
	}
	key = DefaultKeyPrefix + base64.RawURLEncoding.EncodeToString(secret)
	return key, HashKey(key), nil
}

// WellFormedKey reports whether key has the SICC key shape. A credential
// that fails this check cannot match any stored digest.
func WellFormedKey(key string) bool {
	body, ok := strings.CutPrefix(key, DefaultKeyPrefix)
	if !ok || len(body) != keyBodyLength {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(body)
	return err == nil
}

// HashKey returns the hex SHA-256 digest stored for key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyKey compares key against a stored digest in constant time.
func VerifyKey(key, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(key)), []byte(digest)) == 1
}

// ExtractKeyPrefix returns the display prefix persisted alongside a digest.
func ExtractKeyPrefix(key string) string {
	if len(key) <= KeyPrefixLength {
		return key
	}
	return key[:KeyPrefixLength]
}

// ParseAuthHeader pulls the credential out of an Authorization header.
// Both "Bearer <credential>" and a bare credential are accepted.
func ParseAuthHeader(header string) (string, error) {
	credential := header
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		credential = rest
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", ErrNoCredential
	}
	return credential, nil
}

// LooksLikeJWT reports whether a bearer credential has the three dot
// separated segments of a compact JWS.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2 && !strings.HasPrefix(token, DefaultKeyPrefix)
}

// MaskKey shortens key for log lines, e.g. "sicc_abc...wxyz".
func MaskKey(key string) string {
	if len(key) <= KeyPrefixLength+4 {
		return "***"
	}
	return key[:KeyPrefixLength] + "..." + key[len(key)-4:]
}
