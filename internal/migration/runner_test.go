package migration

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/identityhub/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testScripts = fstest.MapFS{
	"stsclient/V1__create.sql": {Data: []byte("CREATE TABLE one (id INT);")},
	"stsclient/V2__alter.sql":  {Data: []byte("ALTER TABLE one ADD COLUMN a INT;")},
	"stsclient/V3__index.sql":  {Data: []byte("CREATE INDEX one_a ON one (a);")},
}

func scriptsFor(t *testing.T) []Script {
	t.Helper()
	scripts, err := LoadScripts(testScripts, STSClient)
	require.NoError(t, err)
	return scripts
}

func staticDSN(dsn string) func(string) string {
	return func(string) string { return dsn }
}

// newTestRunner returns a runner whose opener hands out db and records the DSN.
func newTestRunner(t *testing.T, db *sql.DB, log *zap.Logger) (*Runner, *string) {
	t.Helper()
	var gotDSN string
	r := NewRunner(testScripts, staticDSN("postgres://ih@localhost:5432/ih"), log).
		WithOpener(func(_ context.Context, dsn string) (*sql.DB, error) {
			gotDSN = dsn
			return db, nil
		})
	return r, &gotDSN
}

func expectHistoryTable(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func expectHistory(mock sqlmock.Sqlmock, applied ...Script) {
	expectHistoryTable(mock)
	rows := sqlmock.NewRows([]string{"version", "checksum"})
	for _, s := range applied {
		rows.AddRow(s.Version, s.Checksum)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version, checksum FROM schema_migrations WHERE subsystem = $1`)).
		WithArgs(STSClient).
		WillReturnRows(rows)
}

func expectApply(mock sqlmock.Sqlmock, s Script, current int) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs(STSClient).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE subsystem = $1`)).
		WithArgs(STSClient).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(current))
	mock.ExpectExec(regexp.QuoteMeta(s.SQL)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations (subsystem, version, description, checksum)`)).
		WithArgs(STSClient, s.Version, s.Description, s.Checksum).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestMigrate_AppliesPendingInOrder(t *testing.T) {
	scripts := scriptsFor(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	expectHistory(mock, scripts[0])
	expectApply(mock, scripts[1], 1)
	expectApply(mock, scripts[2], 2)
	mock.ExpectClose()

	r, _ := newTestRunner(t, db, zap.NewNop())
	res, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.NoError(t, err)

	assert.Equal(t, 1, res.From)
	assert.Equal(t, 3, res.To)
	assert.Equal(t, []int{2, 3}, res.Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SecondRunIsNoop(t *testing.T) {
	scripts := scriptsFor(t)

	first, mock1, err := sqlmock.New()
	require.NoError(t, err)
	expectHistory(mock1)
	for i, s := range scripts {
		expectApply(mock1, s, i)
	}
	mock1.ExpectClose()

	r, _ := newTestRunner(t, first, zap.NewNop())
	res, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, res.Applied)
	assert.NoError(t, mock1.ExpectationsWereMet())

	second, mock2, err := sqlmock.New()
	require.NoError(t, err)
	expectHistory(mock2, scripts...)
	mock2.ExpectClose()

	r, _ = newTestRunner(t, second, zap.NewNop())
	res, err = r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 3, res.From)
	assert.Equal(t, 3, res.To)
	assert.NoError(t, mock2.ExpectationsWereMet())
}

func TestMigrate_FailureStopsAtLastAppliedVersion(t *testing.T) {
	scripts := scriptsFor(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	expectHistory(mock)
	expectApply(mock, scripts[0], 0)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs(STSClient).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
		WithArgs(STSClient).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(scripts[1].SQL)).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	mock.ExpectClose()

	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.ErrorLevel,
	)

	r, _ := newTestRunner(t, db, zap.New(core))
	res, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.Error(t, err)

	var merr *MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, STSClient, merr.Subsystem)
	assert.Equal(t, 2, merr.Version)
	assert.Equal(t, 1, res.To)
	assert.Equal(t, []int{1}, res.Applied)
	assert.Contains(t, buf.String(), "migration failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ConcurrentRunnerAlreadyApplied(t *testing.T) {
	scripts := scriptsFor(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	expectHistory(mock, scripts[0])
	// Another instance applied V2 and V3 between the history read and the lock.
	for range scripts[1:] {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
			WithArgs(STSClient).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
			WithArgs(STSClient).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
		mock.ExpectRollback()
	}
	mock.ExpectClose()

	r, _ := newTestRunner(t, db, zap.NewNop())
	res, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 3, res.To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ChecksumMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	expectHistory(mock, Script{Version: 1, Checksum: "tampered"})
	mock.ExpectClose()

	r, _ := newTestRunner(t, db, zap.NewNop())
	_, err = r.Migrate(context.Background(), STSClient, vault.NewMemory())
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_PasswordFromVault(t *testing.T) {
	scripts := scriptsFor(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	expectHistory(mock, scripts...)
	mock.ExpectClose()

	v := vault.NewMemory()
	require.NoError(t, v.StoreSecret(context.Background(), PasswordAlias(STSClient), "pw"))

	r, gotDSN := newTestRunner(t, db, zap.NewNop())
	r.datasource = func(subsystem string) string {
		if subsystem == STSClient {
			return "postgres://sts@db:5432/sts"
		}
		return "postgres://ih@db:5432/ih"
	}
	_, err = r.Migrate(context.Background(), STSClient, v)
	require.NoError(t, err)
	assert.Equal(t, "postgres://sts:pw@db:5432/sts", *gotDSN)
}

func TestMigrate_OpenFailure(t *testing.T) {
	r := NewRunner(testScripts, staticDSN("postgres://ih@localhost/ih"), zap.NewNop()).
		WithOpener(func(context.Context, string) (*sql.DB, error) {
			return nil, errors.New("ping postgres: connection refused")
		})

	_, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	var merr *MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 0, merr.Version)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMigrate_NoDatasource(t *testing.T) {
	r := NewRunner(testScripts, staticDSN(""), zap.NewNop())
	_, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no datasource configured")
}

func TestMigrateAll_StopsAtFirstFailure(t *testing.T) {
	r := NewRunner(testScripts, staticDSN("postgres://ih@localhost/ih"), zap.NewNop()).
		WithOpener(func(context.Context, string) (*sql.DB, error) {
			t.Fatal("open must not be called for a subsystem without scripts")
			return nil, nil
		})

	results, err := r.MigrateAll(context.Background(), vault.NewMemory(), "unknown", STSClient)
	assert.ErrorIs(t, err, ErrNoScripts)
	assert.Empty(t, results)
}

func TestMigrate_HistoryTableLockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	// the DDL must not run unless the lock was taken
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("schema_migrations").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()
	mock.ExpectClose()

	r, _ := newTestRunner(t, db, zap.NewNop())
	_, err = r.Migrate(context.Background(), STSClient, vault.NewMemory())

	var merr *MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 0, merr.Version)
	assert.Contains(t, err.Error(), "lock history table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_HistoryTableCreateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	mock.ExpectClose()

	r, _ := newTestRunner(t, db, zap.NewNop())
	_, err = r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create history table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_WarnsAboutSkippedOlderScript(t *testing.T) {
	scripts := scriptsFor(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	// V2 was added locally after the store already reached V3.
	expectHistory(mock, scripts[0], scripts[2])
	mock.ExpectClose()

	core, logs := observer.New(zapcore.WarnLevel)
	r, _ := newTestRunner(t, db, zap.New(core))
	res, err := r.Migrate(context.Background(), STSClient, vault.NewMemory())
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 3, res.To)

	warned := logs.FilterMessageSnippet("never applied").AllUntimed()
	require.Len(t, warned, 1)
	assert.Equal(t, int64(2), warned[0].ContextMap()["version"])
	assert.Equal(t, int64(3), warned[0].ContextMap()["storeVersion"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
