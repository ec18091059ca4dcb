// Package password hashes and checks the credentials held by the mock identity stores.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// ErrMalformedHash is returned when an encoded hash is too short to contain a salt and a digest.
var ErrMalformedHash = errors.New("malformed password hash")

// Hash returns the base64 encoded salt and argon2id digest of password.
func Hash(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("could not generate salt: %w", err)
	}

	return base64.StdEncoding.EncodeToString(append(salt, hashPassword(password, salt)...)), nil
}

// Check reports whether password matches the encoded hash produced by Hash.
func Check(password, encoded string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("could not decode password: %w", err)
	}
	if len(decoded) <= saltLen {
		return false, ErrMalformedHash
	}

	salt, hash := decoded[:saltLen], decoded[saltLen:]
	return subtle.ConstantTimeCompare(hash, hashPassword(password, salt)) == 1, nil
}

func hashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
}

// Store holds hashed credentials by username. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewStore returns an empty credential store.
func NewStore() *Store {
	return &Store{hashes: make(map[string]string)}
}

// Set hashes and records the password of username, replacing any previous one.
func (s *Store) Set(username, password string) error {
	h, err := Hash(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[username] = h
	return nil
}

// Verify reports whether username is known and password matches its recorded hash.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	h, ok := s.hashes[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	match, err := Check(password, h)
	return err == nil && match
}
