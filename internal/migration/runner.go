package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/atinyakov/identityhub/internal/db"
	"github.com/atinyakov/identityhub/internal/vault"
	"go.uber.org/zap"
)

// ErrChecksumMismatch is returned when an applied script was changed afterwards.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// historyLockKey serializes creation of the history table, which all
// subsystems share.
const historyLockKey = "schema_migrations"

const historyTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    subsystem    VARCHAR NOT NULL,
    version      INTEGER NOT NULL,
    description  VARCHAR NOT NULL,
    checksum     VARCHAR NOT NULL,
    installed_on TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (subsystem, version)
);
`

// MigrationError reports a failed migration of a subsystem. Version is zero
// when the failure happened before any script was attempted.
type MigrationError struct {
	Subsystem string
	Version   int
	Err       error
}

func (e *MigrationError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("migrate %s to version %d: %v", e.Subsystem, e.Version, e.Err)
	}
	return fmt.Sprintf("migrate %s: %v", e.Subsystem, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Result summarizes one Migrate call.
type Result struct {
	Subsystem string `json:"subsystem"`
	// From is the version found before migrating, To the version reached.
	From int `json:"from"`
	To   int `json:"to"`
	// Applied lists the versions applied by this runner.
	Applied []int `json:"applied,omitempty"`
}

// Opener opens a verified database connection for a DSN.
type Opener func(ctx context.Context, dsn string) (*sql.DB, error)

// PasswordAlias returns the vault alias holding the datasource password of subsystem.
func PasswordAlias(subsystem string) string {
	return "datasource." + subsystem + ".password"
}

// Runner migrates subsystem stores to the latest embedded script version.
type Runner struct {
	fsys       fs.FS
	datasource func(subsystem string) string
	open       Opener
	log        *zap.Logger
}

// NewRunner creates a Runner reading scripts from fsys. datasource returns the
// connection string of a subsystem, empty when none is configured.
func NewRunner(fsys fs.FS, datasource func(subsystem string) string, log *zap.Logger) *Runner {
	return &Runner{
		fsys:       fsys,
		datasource: datasource,
		open:       db.InitPostgres,
		log:        log.With(zap.String("component", "migration")),
	}
}

// WithOpener replaces the function used to connect to the stores.
func (r *Runner) WithOpener(open Opener) *Runner {
	r.open = open
	return r
}

// Open connects to dsn the way the runner does.
func (r *Runner) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return r.open(ctx, dsn)
}

// MigrateAll migrates the given subsystems in order and stops at the first failure.
func (r *Runner) MigrateAll(ctx context.Context, v vault.Vault, subsystems ...string) ([]Result, error) {
	results := make([]Result, 0, len(subsystems))
	for _, s := range subsystems {
		res, err := r.Migrate(ctx, s, v)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// Migrate brings the store of subsystem to the latest script version.
// Credentials are taken from v under PasswordAlias(subsystem). Each script is
// applied in its own transaction together with its history row, so a failure
// leaves the store at the last applied version.
func (r *Runner) Migrate(ctx context.Context, subsystem string, v vault.Vault) (*Result, error) {
	scripts, err := LoadScripts(r.fsys, subsystem)
	if err != nil {
		return nil, &MigrationError{Subsystem: subsystem, Err: err}
	}

	dsn, err := r.DSN(ctx, subsystem, v)
	if err != nil {
		return nil, &MigrationError{Subsystem: subsystem, Err: err}
	}

	conn, err := r.open(ctx, dsn)
	if err != nil {
		return nil, &MigrationError{Subsystem: subsystem, Err: err}
	}
	defer conn.Close()

	return r.apply(ctx, conn, subsystem, scripts)
}

// DSN returns the connection string of subsystem with the password from v
// under PasswordAlias(subsystem) applied, if the vault holds one.
func (r *Runner) DSN(ctx context.Context, subsystem string, v vault.Vault) (string, error) {
	dsn := r.datasource(subsystem)
	if dsn == "" {
		return "", errors.New("no datasource configured")
	}

	password, err := v.ResolveSecret(ctx, PasswordAlias(subsystem))
	switch {
	case errors.Is(err, vault.ErrSecretNotFound):
		r.log.Debug("no datasource password in vault, using dsn as configured",
			zap.String("subsystem", subsystem))
		return dsn, nil
	case err != nil:
		return "", fmt.Errorf("resolve datasource password: %w", err)
	}
	return db.WithPassword(dsn, password)
}

func (r *Runner) apply(ctx context.Context, conn *sql.DB, subsystem string, scripts []Script) (*Result, error) {
	if err := r.ensureHistory(ctx, conn); err != nil {
		return nil, &MigrationError{Subsystem: subsystem, Err: err}
	}

	applied, err := r.history(ctx, conn, subsystem)
	if err != nil {
		return nil, &MigrationError{Subsystem: subsystem, Err: err}
	}

	current := 0
	for version := range applied {
		current = max(current, version)
	}
	known := make(map[int]bool, len(scripts))
	for _, s := range scripts {
		known[s.Version] = true
		if sum, ok := applied[s.Version]; ok && sum != s.Checksum {
			return nil, &MigrationError{Subsystem: subsystem, Version: s.Version, Err: ErrChecksumMismatch}
		}
	}
	for version := range applied {
		if !known[version] {
			r.log.Warn("store has a migration that is not known locally",
				zap.String("subsystem", subsystem), zap.Int("version", version))
		}
	}

	res := &Result{Subsystem: subsystem, From: current, To: current}
	for _, s := range scripts {
		if s.Version <= current {
			if _, ok := applied[s.Version]; !ok {
				r.log.Warn("local migration is older than the store version and was never applied",
					zap.String("subsystem", subsystem),
					zap.Int("version", s.Version),
					zap.Int("storeVersion", current))
			}
			continue
		}
		done, err := r.applyScript(ctx, conn, subsystem, s)
		if err != nil {
			r.log.Error("migration failed",
				zap.String("subsystem", subsystem),
				zap.Int("version", s.Version),
				zap.Error(err))
			return res, &MigrationError{Subsystem: subsystem, Version: s.Version, Err: err}
		}
		if done {
			res.Applied = append(res.Applied, s.Version)
			r.log.Info("applied migration",
				zap.String("subsystem", subsystem),
				zap.Int("version", s.Version),
				zap.String("description", s.Description))
		}
		res.To = s.Version
	}

	if len(res.Applied) == 0 {
		r.log.Debug("schema is up to date", zap.String("subsystem", subsystem), zap.Int("version", res.To))
	}
	return res, nil
}

// ensureHistory creates the history table under an advisory lock, so runners
// of different subsystems starting together do not race on the DDL.
func (r *Runner) ensureHistory(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, historyLockKey); err != nil {
		return fmt.Errorf("lock history table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, historyTable); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history table: %w", err)
	}
	return nil
}

// history returns applied version -> checksum for subsystem.
func (r *Runner) history(ctx context.Context, conn *sql.DB, subsystem string) (map[int]string, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT version, checksum FROM schema_migrations WHERE subsystem = $1 ORDER BY version`,
		subsystem)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

// applyScript runs s in a transaction serialized per subsystem by an advisory
// lock. It reports false when another runner already reached s.Version.
func (r *Runner) applyScript(ctx context.Context, conn *sql.DB, subsystem string, s Script) (bool, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, subsystem); err != nil {
		return false, fmt.Errorf("lock: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE subsystem = $1`,
		subsystem).Scan(&current)
	if err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if current >= s.Version {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return false, fmt.Errorf("exec script: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (subsystem, version, description, checksum) VALUES ($1, $2, $3, $4)`,
		subsystem, s.Version, s.Description, s.Checksum); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
