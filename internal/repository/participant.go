// Package repository provides PostgreSQL persistence for participant contexts,
// their key pairs and STS client accounts.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/identityhub/internal/models"
	"github.com/lib/pq"
)

// ErrDuplicate is returned when a participant, key pair or STS client with the
// same unique key already exists.
var ErrDuplicate = errors.New("duplicate record")

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresParticipantRepository implements participant persistence using a PostgreSQL database.
type PostgresParticipantRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresParticipantRepository creates a new PostgresParticipantRepository with the given database connection.
// db must be a valid *sql.DB connected to a PostgreSQL instance with the
// participantcontext, keypair and stsclient schemas migrated.
func NewPostgresParticipantRepository(db *sql.DB) *PostgresParticipantRepository {
	return &PostgresParticipantRepository{DB: db}
}

// ParticipantExists checks whether a participant context with the specified id exists.
func (r *PostgresParticipantRepository) ParticipantExists(ctx context.Context, participantID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(
		ctx,
		`SELECT EXISTS(SELECT 1 FROM edc_participant_context WHERE participant_id = $1)`,
		participantID,
	).Scan(&exists)
	return exists, err
}

// GetParticipant fetches a participant context by id.
// It returns sql.ErrNoRows if no such participant exists.
func (r *PostgresParticipantRepository) GetParticipant(ctx context.Context, participantID string) (*models.ParticipantContext, error) {
	var (
		pc    models.ParticipantContext
		did   sql.NullString
		state string
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT participant_id, did, state, roles, api_token_alias, created_date, last_modified_date
		FROM edc_participant_context WHERE participant_id = $1
	`, participantID).Scan(
		&pc.ParticipantID, &did, &state, pq.Array(&pc.Roles), &pc.APITokenAlias, &pc.CreatedAt, &pc.LastModified,
	)
	if err != nil {
		return nil, err
	}
	pc.DID = did.String
	pc.State = models.ParticipantState(state)
	return &pc, nil
}

// CreateParticipant inserts the participant context, its key pair and, when
// sts is non-nil, its STS client account within a single transaction.
// A unique key violation is reported as ErrDuplicate.
//
// beforeCommit, if non-nil, runs after all rows were inserted and before the
// commit; an error from it rolls the transaction back. Concurrent inserts of
// the same participant block on the primary key until the first transaction
// ends, so beforeCommit only ever runs for the winning insert.
func (r *PostgresParticipantRepository) CreateParticipant(
	ctx context.Context,
	pc models.ParticipantContext,
	kp models.KeyPairResource,
	sts *models.STSClient,
	beforeCommit func(context.Context) error,
) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO edc_participant_context (participant_id, did, state, roles, api_token_alias, created_date, last_modified_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pc.ParticipantID, pc.DID, string(pc.State), pq.Array(pc.Roles), pc.APITokenAlias, pc.CreatedAt, pc.LastModified)
	if err != nil {
		return fmt.Errorf("insert participant: %w", mapError(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO edc_keypair_resource (id, participant_id, key_id, private_key_alias, public_key_pem, algorithm, curve, created_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, kp.ID, kp.ParticipantID, kp.KeyID, kp.PrivateKeyAlias, kp.PublicKeyPEM, kp.Algorithm, kp.Curve, kp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key pair: %w", mapError(err))
	}

	if sts != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edc_sts_client (id, client_id, did, name, secret_alias, private_key_alias, public_key_ref, created_at, participant_context_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, sts.ID, sts.ClientID, sts.DID, sts.Name, sts.SecretAlias, sts.PrivateKeyAlias, sts.PublicKeyRef,
			sts.CreatedAt.UnixMilli(), sts.ParticipantContextID)
		if err != nil {
			return fmt.Errorf("insert sts client: %w", mapError(err))
		}
	}

	if beforeCommit != nil {
		if err := beforeCommit(ctx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Message)
	}
	return err
}
