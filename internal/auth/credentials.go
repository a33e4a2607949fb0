package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	agentIDBytes  = 8
	agentKeyBytes = 32
)

// Credentials identify one registered agent. ID is public and appears in
// access URLs; Key authenticates the agent's connection and is handed out
// exactly once, at registration.
type Credentials struct {
	ID  string `json:"agent_id"`
	Key string `json:"agent_key"`
}

// NewCredentials mints a fresh id/key pair.
func NewCredentials() (Credentials, error) {
	id, err := randomToken(agentIDBytes)
	if err != nil {
		return Credentials{}, err
	}
	key, err := randomToken(agentKeyBytes)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{ID: id, Key: key}, nil
}

// HashKey returns the form of a key kept in memory by the relay.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyKey reports whether key hashes to hash, in constant time.
func VerifyKey(key, hash string) bool {
	if key == "" || hash == "" {
		return false
	}
	got := HashKey(key)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand read: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
