package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
)

// SealedFile is a Vault backed by a JSON file mapping aliases to
// base64-encoded age ciphertexts. Values are encrypted to the recipient of
// the configured x25519 identity and decrypted with that identity.
type SealedFile struct {
	mu       sync.Mutex
	path     string
	identity *age.X25519Identity
}

// GenerateIdentityFile writes a new age identity to path with 0600 permissions.
// It fails if the file already exists.
func GenerateIdentityFile(path string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating age identity: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", identity.Recipient(), identity); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// OpenSealedFile opens the vault file at path using the age identity stored
// in identityPath. A missing identity file is generated; a missing vault file
// is treated as an empty vault.
func OpenSealedFile(path, identityPath string) (*SealedFile, error) {
	if _, err := os.Stat(identityPath); errors.Is(err, os.ErrNotExist) {
		if err := GenerateIdentityFile(identityPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	var identity *age.X25519Identity
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			identity = x
			break
		}
	}
	if identity == nil {
		return nil, errors.New("identity file holds no x25519 identity")
	}

	return &SealedFile{path: path, identity: identity}, nil
}

// ResolveSecret implements Vault.
func (s *SealedFile) ResolveSecret(_ context.Context, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	sealed, ok := entries[alias]
	if !ok {
		return "", ErrSecretNotFound
	}
	return s.open(sealed)
}

// StoreSecret implements Vault.
func (s *SealedFile) StoreSecret(_ context.Context, alias, value string) error {
	if alias == "" {
		return errors.New("empty alias")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	entries[alias] = sealed
	return s.save(entries)
}

// DeleteSecret implements Vault.
func (s *SealedFile) DeleteSecret(_ context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[alias]; !ok {
		return nil
	}
	delete(entries, alias)
	return s.save(entries)
}

func (s *SealedFile) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	entries := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	return entries, nil
}

// save writes entries to a temp file in the same directory and renames it
// over the vault file.
func (s *SealedFile) save(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".vault-*")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

func (s *SealedFile) seal(value string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.Copy(w, strings.NewReader(value)); err != nil {
		return "", fmt.Errorf("writing secret to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *SealedFile) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted secret: %w", err)
	}
	return string(plain), nil
}
