package skill

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves credential references. Credentials are fetched
// immediately before each call and must never be logged.
type SecretStore interface {
	Resolve(ref string) (string, error)
}

// EnvSecretStore resolves references against environment variables. A ref
// like "producthunt_api" maps to NEXHUB_SECRET_PRODUCTHUNT_API.
type EnvSecretStore struct {
	Prefix string
}

// NewEnvSecretStore creates an env-backed store with the default prefix.
func NewEnvSecretStore() *EnvSecretStore {
	return &EnvSecretStore{Prefix: "NEXHUB_SECRET_"}
}

func (s *EnvSecretStore) Resolve(ref string) (string, error) {
	key := s.Prefix + strings.ToUpper(strings.ReplaceAll(ref, "-", "_"))
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("resolving %q: %w", ref, ErrSecretNotFound)
	}
	return v, nil
}

// StaticSecretStore is a fixed map of credentials for tests.
type StaticSecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticSecretStore creates a store over the given map.
func NewStaticSecretStore(secrets map[string]string) *StaticSecretStore {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &StaticSecretStore{secrets: cp}
}

func (s *StaticSecretStore) Resolve(ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[ref]
	if !ok {
		return "", fmt.Errorf("resolving %q: %w", ref, ErrSecretNotFound)
	}
	return v, nil
}
