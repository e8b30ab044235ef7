// Package seed provisions the privileged super-user participant on startup.
//
// EnsureSuperUser is idempotent: an existing super-user, whether found by the
// initial check or by losing a concurrent creation race, is left untouched.
package seed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/atinyakov/identityhub/internal/models"
	"github.com/atinyakov/identityhub/internal/service"
	"go.uber.org/zap"
)

// State is the position of a seeder in the bootstrap state machine.
type State string

const (
	StateNotChecked         State = "NOT_CHECKED"
	StateExists             State = "EXISTS"
	StateCreating           State = "CREATING"
	StateCreated            State = "CREATED"
	StateCredentialResolved State = "CREDENTIAL_RESOLVED"
	StateFailed             State = "FAILED"
)

// apiKeySeparator splits the participant segment of an API key from its random segment.
const apiKeySeparator = "."

// Directory is the participant directory the seeder provisions into.
type Directory interface {
	Exists(ctx context.Context, participantID string) (bool, error)
	Get(ctx context.Context, participantID string) (*models.ParticipantContext, error)
	Create(ctx context.Context, m models.ParticipantManifest) (*models.CreateParticipantResponse, error)
}

// SecretStore persists the operator supplied API key.
type SecretStore interface {
	StoreSecret(ctx context.Context, alias, value string) error
}

// BootstrapError is returned when the super-user could not be checked or created.
// The service must not start without it.
type BootstrapError struct {
	ParticipantID string
	Err           error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap super-user %q: %v", e.ParticipantID, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// SuperUserSeeder creates the super-user participant if it does not exist yet.
type SuperUserSeeder struct {
	directory      Directory
	secrets        SecretStore
	participantID  string
	apiKeyOverride string
	log            *zap.Logger

	mu    sync.RWMutex
	state State
}

// NewSuperUserSeeder returns a seeder for participantID. An empty apiKeyOverride
// means the generated API key is kept.
func NewSuperUserSeeder(directory Directory, secrets SecretStore, participantID, apiKeyOverride string, log *zap.Logger) *SuperUserSeeder {
	return &SuperUserSeeder{
		directory:      directory,
		secrets:        secrets,
		participantID:  participantID,
		apiKeyOverride: apiKeyOverride,
		log:            log.With(zap.String("component", "seed")),
		state:          StateNotChecked,
	}
}

// ParticipantID returns the id of the super-user this seeder manages.
func (s *SuperUserSeeder) ParticipantID() string { return s.participantID }

// State returns the last state reached by EnsureSuperUser.
func (s *SuperUserSeeder) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SuperUserSeeder) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// EnsureSuperUser checks for the super-user and creates it when absent. On
// creation the effective API key is logged once at info level; this is the
// only place it is ever shown. Failures of the existence check or of the
// creation are returned as *BootstrapError. Problems applying the API key
// override are logged as warnings and never fail the bootstrap.
func (s *SuperUserSeeder) EnsureSuperUser(ctx context.Context) (State, error) {
	exists, err := s.directory.Exists(ctx, s.participantID)
	if err != nil {
		return s.fail(fmt.Errorf("check existence: %w", err))
	}
	if exists {
		s.log.Debug("super-user already exists, skipping creation", zap.String("participantId", s.participantID))
		s.setState(StateExists)
		return StateExists, nil
	}

	s.setState(StateCreating)
	resp, err := s.directory.Create(ctx, models.NewSuperUserManifest(s.participantID))
	if errors.Is(err, service.ErrAlreadyExists) {
		s.log.Debug("super-user was created concurrently, skipping", zap.String("participantId", s.participantID))
		s.setState(StateExists)
		return StateExists, nil
	}
	if err != nil {
		return s.fail(fmt.Errorf("create: %w", err))
	}
	s.setState(StateCreated)

	apiKey := resp.APIKey
	if s.apiKeyOverride != "" && s.applyOverride(ctx) {
		apiKey = s.apiKeyOverride
	}

	s.log.Info(fmt.Sprintf("Created user '%s'. Please take note of the API Key: %s", s.participantID, apiKey))
	s.setState(StateCredentialResolved)
	return StateCredentialResolved, nil
}

// applyOverride stores the override under the super-user's API token alias.
// It reports whether the override took effect.
func (s *SuperUserSeeder) applyOverride(ctx context.Context) bool {
	if !strings.Contains(s.apiKeyOverride, apiKeySeparator) {
		s.log.Warn("Super-user key override: this key appears to have an invalid format, you may be unable to access some APIs. " +
			"It must follow the structure: 'base64(<participantId>).<random-string>'")
	}

	pc, err := s.directory.Get(ctx, s.participantID)
	if err != nil {
		s.log.Warn("error looking up super-user, API key override not applied",
			zap.String("participantId", s.participantID), zap.Error(err))
		return false
	}
	if err := s.secrets.StoreSecret(ctx, pc.APITokenAlias, s.apiKeyOverride); err != nil {
		s.log.Warn("error storing API key override, keeping generated key",
			zap.String("participantId", s.participantID), zap.Error(err))
		return false
	}
	s.log.Debug("super-user API key override stored", zap.String("alias", pc.APITokenAlias))
	return true
}

func (s *SuperUserSeeder) fail(err error) (State, error) {
	s.setState(StateFailed)
	return StateFailed, &BootstrapError{ParticipantID: s.participantID, Err: err}
}
