package main

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"

	"github.com/atinyakov/identityhub/internal/config"
	"github.com/atinyakov/identityhub/internal/logger"
	"github.com/atinyakov/identityhub/internal/migration"
	"github.com/atinyakov/identityhub/internal/repository"
	"github.com/atinyakov/identityhub/internal/seed"
	"github.com/atinyakov/identityhub/internal/service"
	"github.com/atinyakov/identityhub/internal/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app carries what every command needs once flags were parsed.
type app struct {
	opts  *config.Options
	log   *zap.Logger
	vault vault.Vault
	// open connects to the stores; nil means db.InitPostgres.
	open migration.Opener
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "identityhub",
		Short:         "Identity hub bootstrap: schema migrations, super-user seed and status API",
		Version:       fmt.Sprintf("%s (built %s)", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A")),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	loader := config.RegisterFlags(root.PersistentFlags())

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		opts, err := loader.Load()
		if err != nil {
			return err
		}
		a.opts = opts

		l := logger.New()
		if err := l.Init(opts.LogLevel); err != nil {
			return err
		}
		a.log = l.Log

		a.vault, err = openVault(opts.Vault, a.log)
		return err
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			_ = a.log.Sync()
		}
	}

	root.AddCommand(serveCmd(a), bootstrapCmd(a), migrateCmd(a), certsCmd(), statusCmd())
	return root
}

func openVault(opts config.VaultOptions, log *zap.Logger) (vault.Vault, error) {
	if opts.File == "" {
		log.Warn("using in-memory vault, generated secrets are lost on exit")
		return vault.NewMemory(), nil
	}
	v, err := vault.OpenSealedFile(opts.File, opts.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	log.Info("using sealed vault", zap.String("file", opts.File))
	return v, nil
}

func (a *app) newRunner() *migration.Runner {
	r := migration.NewRunner(migration.Embedded(), a.opts.DSNFor, a.log)
	if a.open != nil {
		r.WithOpener(a.open)
	}
	return r
}

// bootstrapResult is the outcome of the startup sequence.
type bootstrapResult struct {
	Migrations []migration.Result `json:"migrations"`
	SuperUser  string             `json:"superUser"`
	State      seed.State         `json:"state"`

	seeder *seed.SuperUserSeeder
	conn   *sql.DB
}

func (r *bootstrapResult) Close() error { return r.conn.Close() }

// bootstrap migrates every subsystem and then ensures the super-user exists.
// The participant repository connects through the participantcontext
// datasource, which must also hold the keypair and stsclient tables.
func (a *app) bootstrap(ctx context.Context) (*bootstrapResult, error) {
	runner := a.newRunner()
	results, err := runner.MigrateAll(ctx, a.vault, migration.Subsystems...)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		a.log.Info("subsystem schema ready",
			zap.String("subsystem", r.Subsystem), zap.Int("version", r.To), zap.Ints("applied", r.Applied))
	}

	dsn, err := runner.DSN(ctx, migration.ParticipantContext, a.vault)
	if err != nil {
		return nil, err
	}
	conn, err := runner.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot init database: %w", err)
	}

	repo := repository.NewPostgresParticipantRepository(conn)
	directory := service.NewParticipantContextService(repo, a.vault, a.log)
	seeder := seed.NewSuperUserSeeder(directory, a.vault, a.opts.SuperUserID, a.opts.SuperUserKey, a.log)

	state, err := seeder.EnsureSuperUser(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &bootstrapResult{Migrations: results, SuperUser: a.opts.SuperUserID, State: state, seeder: seeder, conn: conn}, nil
}
