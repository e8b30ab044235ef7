// Package service provides the participant context service: the directory
// that checks, creates and looks up participants, generating their keys and
// credentials and delegating persistence to a ParticipantRepository.
package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/atinyakov/identityhub/internal/keygen"
	"github.com/atinyakov/identityhub/internal/models"
	"github.com/atinyakov/identityhub/internal/repository"
	"github.com/atinyakov/identityhub/internal/vault"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyExists is returned when creating a participant whose id is taken.
	ErrAlreadyExists = errors.New("participant already exists")
	// ErrNotFound is returned when a participant does not exist.
	ErrNotFound = errors.New("participant not found")
	// ErrInvalidManifest is returned for manifests missing required fields.
	ErrInvalidManifest = errors.New("invalid participant manifest")
)

// randomSegmentBytes yields a 64 character base64url segment.
const randomSegmentBytes = 48

// ParticipantRepository defines the persistence operations
// required by the participant context service.
type ParticipantRepository interface {
	// ParticipantExists returns true if a participant with the given id exists.
	ParticipantExists(ctx context.Context, participantID string) (bool, error)
	// GetParticipant returns the participant or sql.ErrNoRows.
	GetParticipant(ctx context.Context, participantID string) (*models.ParticipantContext, error)
	// CreateParticipant persists the participant with its key pair and STS client
	// in one transaction, calling beforeCommit before committing.
	CreateParticipant(ctx context.Context, pc models.ParticipantContext, kp models.KeyPairResource,
		sts *models.STSClient, beforeCommit func(context.Context) error) error
}

// ParticipantContextService implements participant directory operations.
type ParticipantContextService struct {
	repo  ParticipantRepository
	vault vault.Vault
	log   *zap.Logger

	generateKey func(params map[string]string) (*keygen.KeyPair, error)
	random      io.Reader
	now         func() time.Time
}

// NewParticipantContextService constructs a service over repo that keeps
// private keys and credentials in v.
func NewParticipantContextService(repo ParticipantRepository, v vault.Vault, log *zap.Logger) *ParticipantContextService {
	return &ParticipantContextService{
		repo:        repo,
		vault:       v,
		log:         log.With(zap.String("component", "participantcontext")),
		generateKey: keygen.Generate,
		random:      rand.Reader,
		now:         time.Now,
	}
}

// Exists reports whether a participant with the given id exists.
func (s *ParticipantContextService) Exists(ctx context.Context, participantID string) (bool, error) {
	return s.repo.ParticipantExists(ctx, participantID)
}

// Get returns the participant with the given id or ErrNotFound.
func (s *ParticipantContextService) Get(ctx context.Context, participantID string) (*models.ParticipantContext, error) {
	pc, err := s.repo.GetParticipant(ctx, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", participantID, err)
	}
	return pc, nil
}

// Create generates the key pair, API key and STS client secret for the
// manifest and persists the participant. Secrets are written to the vault
// while the insert transaction is open; if the transaction fails they are
// removed again. A taken id yields ErrAlreadyExists.
func (s *ParticipantContextService) Create(ctx context.Context, m models.ParticipantManifest) (*models.CreateParticipantResponse, error) {
	if err := validate(m); err != nil {
		return nil, err
	}

	exists, err := s.repo.ParticipantExists(ctx, m.ParticipantID)
	if err != nil {
		return nil, fmt.Errorf("check participant %s: %w", m.ParticipantID, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, m.ParticipantID)
	}

	kp, err := s.generateKey(m.Key.KeyGeneratorParams)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	apiKey, err := s.newAPIKey(m.ParticipantID)
	if err != nil {
		return nil, err
	}
	clientSecret, err := s.randomSegment()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	state := models.StateCreated
	if m.Active {
		state = models.StateActivated
	}
	pc := models.ParticipantContext{
		ParticipantID: m.ParticipantID,
		DID:           m.DID,
		State:         state,
		Roles:         m.Roles,
		APITokenAlias: models.APITokenAliasFor(m.ParticipantID),
		CreatedAt:     now,
		LastModified:  now,
	}
	if pc.Roles == nil {
		pc.Roles = []string{}
	}
	resource := models.KeyPairResource{
		ID:              uuid.NewString(),
		ParticipantID:   m.ParticipantID,
		KeyID:           m.Key.KeyID,
		PrivateKeyAlias: m.Key.PrivateKeyAlias,
		PublicKeyPEM:    string(kp.PublicKeyPEM),
		Algorithm:       kp.Algorithm,
		Curve:           kp.Curve,
		CreatedAt:       now,
	}
	sts := &models.STSClient{
		ID:                   uuid.NewString(),
		ClientID:             m.ParticipantID,
		DID:                  m.DID,
		Name:                 m.ParticipantID,
		SecretAlias:          models.STSClientSecretAliasFor(m.ParticipantID),
		PrivateKeyAlias:      m.Key.PrivateKeyAlias,
		PublicKeyRef:         m.DID + "#" + m.Key.KeyID,
		ParticipantContextID: m.ParticipantID,
		CreatedAt:            now,
	}

	secrets := []struct{ alias, value string }{
		{m.Key.PrivateKeyAlias, string(kp.PrivateKeyPEM)},
		{pc.APITokenAlias, apiKey},
		{sts.SecretAlias, clientSecret},
	}
	var written []string
	storeSecrets := func(ctx context.Context) error {
		for _, sec := range secrets {
			if err := s.vault.StoreSecret(ctx, sec.alias, sec.value); err != nil {
				return fmt.Errorf("store secret %s: %w", sec.alias, err)
			}
			written = append(written, sec.alias)
		}
		return nil
	}

	if err := s.repo.CreateParticipant(ctx, pc, resource, sts, storeSecrets); err != nil {
		s.discard(ctx, written)
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, m.ParticipantID)
		}
		return nil, fmt.Errorf("create participant %s: %w", m.ParticipantID, err)
	}

	s.log.Debug("participant created",
		zap.String("participantId", m.ParticipantID),
		zap.String("state", string(state)),
		zap.Strings("roles", pc.Roles))

	return &models.CreateParticipantResponse{
		APIKey:        apiKey,
		APITokenAlias: pc.APITokenAlias,
		ClientID:      sts.ClientID,
		ClientSecret:  clientSecret,
	}, nil
}

// discard removes vault entries written for a participant whose creation failed.
func (s *ParticipantContextService) discard(ctx context.Context, aliases []string) {
	for _, alias := range aliases {
		if err := s.vault.DeleteSecret(ctx, alias); err != nil {
			s.log.Warn("failed to remove secret of aborted participant",
				zap.String("alias", alias), zap.Error(err))
		}
	}
}

// newAPIKey returns base64(participantID) + "." + a random segment.
func (s *ParticipantContextService) newAPIKey(participantID string) (string, error) {
	random, err := s.randomSegment()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(participantID)) + "." + random, nil
}

func (s *ParticipantContextService) randomSegment() (string, error) {
	buf := make([]byte, randomSegmentBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validate(m models.ParticipantManifest) error {
	switch {
	case m.ParticipantID == "":
		return fmt.Errorf("%w: participant id is required", ErrInvalidManifest)
	case m.Key.KeyID == "":
		return fmt.Errorf("%w: key id is required", ErrInvalidManifest)
	case m.Key.PrivateKeyAlias == "":
		return fmt.Errorf("%w: private key alias is required", ErrInvalidManifest)
	}
	return nil
}
