package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoader(t *testing.T, env map[string]string, args ...string) *Loader {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	l := RegisterFlags(fs)
	l.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	require.NoError(t, fs.Parse(args))
	return l
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	l := newLoader(t, nil, "--config", "")

	opts, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", opts.Address)
	assert.Equal(t, "info", opts.LogLevel)
	assert.Equal(t, DefaultSuperUserID, opts.SuperUserID)
	assert.Empty(t, opts.SuperUserKey)
	assert.Empty(t, opts.Vault.File)
}

func TestLoad_MissingDefaultFileIsIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	l := newLoader(t, nil)

	opts, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "config.json", opts.Config)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	l := newLoader(t, nil, "-c", filepath.Join(t.TempDir(), "nope.json"))

	_, err := l.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_JSONCFile(t *testing.T) {
	path := writeFile(t, "ih.jsonc", `{
		// listen address
		"address": "0.0.0.0:9000",
		"database_dsn": "postgres://ih@db/ih",
		"datasources": {"stsclient": "postgres://sts@db/sts"},
		"vault": {"file": "/var/lib/ih/vault.json"},
	}`)
	l := newLoader(t, nil, "--config", path)

	opts, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", opts.Address)
	assert.Equal(t, "postgres://sts@db/sts", opts.DSNFor("stsclient"))
	assert.Equal(t, "postgres://ih@db/ih", opts.DSNFor("keypair"))
	assert.Equal(t, "/var/lib/ih/vault.json.identity", opts.Vault.IdentityFile)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "ih.yaml", "superuser_id: admin\nlog_level: debug\ntls:\n  cert_file: a.crt\n  key_file: a.key\n")
	l := newLoader(t, map[string]string{"CONFIG": path})

	opts, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "admin", opts.SuperUserID)
	assert.Equal(t, "debug", opts.LogLevel)
	assert.Equal(t, "a.crt", opts.TLS.CertFile)
	assert.Equal(t, path, opts.Config)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "ih.json", `{"address": "file:1", "superuser_id": "from-file", "superuser_key": "file.key"}`)
	env := map[string]string{
		"SERVER_ADDRESS":           "env:2",
		"EDC_IH_API_SUPERUSER_ID":  "from-env",
		"EDC_IH_API_SUPERUSER_KEY": "",
	}
	l := newLoader(t, env, "-c", path, "-a", "flag:3")

	opts, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "flag:3", opts.Address)
	assert.Equal(t, "from-env", opts.SuperUserID)
	assert.Equal(t, "file.key", opts.SuperUserKey, "empty env value must not clear the file value")
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"empty superuser id": {"--config", "", "--superuser-id", ""},
		"cert without key":   {"--config", "", "--tls-cert", "a.crt"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newLoader(t, nil, args...).Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := writeFile(t, "ih.json", `{"address": `)
	_, err := newLoader(t, nil, "-c", path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}
