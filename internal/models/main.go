// Package models defines the core data structures for participant contexts,
// their manifests and the key pairs attached to them.
package models

import (
	"fmt"
	"time"
)

// RoleAdmin is the role granted to the super-user.
const RoleAdmin = "admin"

// ParticipantState describes the lifecycle state of a participant context.
type ParticipantState string

const (
	// StateCreated is set for participants created without activation.
	StateCreated ParticipantState = "CREATED"
	// StateActivated is set for participants that may use the APIs.
	StateActivated ParticipantState = "ACTIVATED"
	// StateDeactivated is set for participants that were switched off.
	StateDeactivated ParticipantState = "DEACTIVATED"
)

// KeyDescriptor describes the key pair that should be generated for a participant.
type KeyDescriptor struct {
	// KeyID is the logical identifier of the key, e.g. used as the kid.
	KeyID string `json:"keyId"`
	// PrivateKeyAlias is the vault alias under which the private key is stored.
	PrivateKeyAlias string `json:"privateKeyAlias"`
	// KeyGeneratorParams selects the algorithm ("algorithm") and curve ("curve").
	KeyGeneratorParams map[string]string `json:"keyGeneratorParams"`
}

// ParticipantManifest is the request to create a participant context.
type ParticipantManifest struct {
	// ParticipantID is the unique identifier of the participant.
	ParticipantID string `json:"participantId"`
	// DID is informational only and never resolved.
	DID string `json:"did"`
	// Active controls whether the participant is activated on creation.
	Active bool `json:"active"`
	// Key describes the key pair to generate.
	Key KeyDescriptor `json:"key"`
	// Roles granted to the participant.
	Roles []string `json:"roles"`
}

// ParticipantContext is the persisted record of a participant.
type ParticipantContext struct {
	ParticipantID string           `json:"participantId"`
	DID           string           `json:"did"`
	State         ParticipantState `json:"state"`
	Roles         []string         `json:"roles"`
	// APITokenAlias is the vault alias that holds the participant's API key.
	APITokenAlias string    `json:"apiTokenAlias"`
	CreatedAt     time.Time `json:"createdAt"`
	LastModified  time.Time `json:"lastModified"`
}

// KeyPairResource is the persisted public half of a participant key pair.
// The private key lives in the vault under PrivateKeyAlias.
type KeyPairResource struct {
	ID              string    `json:"id"`
	ParticipantID   string    `json:"participantId"`
	KeyID           string    `json:"keyId"`
	PrivateKeyAlias string    `json:"privateKeyAlias"`
	PublicKeyPEM    string    `json:"publicKeyPem"`
	Algorithm       string    `json:"algorithm"`
	Curve           string    `json:"curve,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// STSClient is the secure token service account of a participant.
type STSClient struct {
	ID                   string
	ClientID             string
	DID                  string
	Name                 string
	SecretAlias          string
	PrivateKeyAlias      string
	PublicKeyRef         string
	ParticipantContextID string
	CreatedAt            time.Time
}

// CreateParticipantResponse is returned by a successful participant creation.
type CreateParticipantResponse struct {
	// APIKey is the generated bearer token, already stored under APITokenAlias.
	APIKey        string `json:"apiKey"`
	APITokenAlias string `json:"apiTokenAlias"`
	// ClientID and ClientSecret are set when an STS client account was provisioned.
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// DIDFor returns the synthetic did:web identifier for a participant id.
// It is metadata only and not meant to be resolved.
func DIDFor(participantID string) string {
	return fmt.Sprintf("did:web:%s", participantID)
}

// KeyIDFor returns the key id derived from a participant id.
func KeyIDFor(participantID string) string {
	return participantID + "-key"
}

// PrivateKeyAliasFor returns the private key vault alias derived from a participant id.
func PrivateKeyAliasFor(participantID string) string {
	return participantID + "-alias"
}

// APITokenAliasFor returns the vault alias of a participant's API key.
func APITokenAliasFor(participantID string) string {
	return participantID + "-apikey"
}

// STSClientSecretAliasFor returns the vault alias of a participant's STS client secret.
func STSClientSecretAliasFor(participantID string) string {
	return participantID + "-sts-client-secret"
}

// NewSuperUserManifest builds the manifest of the privileged super-user:
// active, admin role, and an Ed25519 key with id-derived key id and alias.
func NewSuperUserManifest(participantID string) ParticipantManifest {
	return ParticipantManifest{
		ParticipantID: participantID,
		DID:           DIDFor(participantID),
		Active:        true,
		Key: KeyDescriptor{
			KeyID:           KeyIDFor(participantID),
			PrivateKeyAlias: PrivateKeyAliasFor(participantID),
			KeyGeneratorParams: map[string]string{
				"algorithm": "EdDSA",
				"curve":     "Ed25519",
			},
		},
		Roles: []string{RoleAdmin},
	}
}
