// Package vault provides secret storage keyed by alias.
//
// Two implementations exist: Memory, which keeps secrets in process memory,
// and SealedFile, which persists age-encrypted secrets in a local file.
package vault

import (
	"context"
	"errors"
	"sync"
)

// ErrSecretNotFound is returned when no secret is stored under an alias.
var ErrSecretNotFound = errors.New("secret not found")

// Vault stores and resolves secrets by alias.
type Vault interface {
	// ResolveSecret returns the secret stored under alias or ErrSecretNotFound.
	ResolveSecret(ctx context.Context, alias string) (string, error)
	// StoreSecret creates or replaces the secret under alias.
	StoreSecret(ctx context.Context, alias, value string) error
	// DeleteSecret removes the secret under alias. Deleting a missing alias is not an error.
	DeleteSecret(ctx context.Context, alias string) error
}

// Memory is an in-process Vault.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemory returns an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

// ResolveSecret implements Vault.
func (m *Memory) ResolveSecret(_ context.Context, alias string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[alias]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// StoreSecret implements Vault.
func (m *Memory) StoreSecret(_ context.Context, alias, value string) error {
	if alias == "" {
		return errors.New("empty alias")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[alias] = value
	return nil
}

// DeleteSecret implements Vault.
func (m *Memory) DeleteSecret(_ context.Context, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, alias)
	return nil
}
