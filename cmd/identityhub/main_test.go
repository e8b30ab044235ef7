package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/atinyakov/identityhub/internal/config"
	"github.com/atinyakov/identityhub/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenVault(t *testing.T) {
	v, err := openVault(config.VaultOptions{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &vault.Memory{}, v)

	dir := t.TempDir()
	opts := config.VaultOptions{File: filepath.Join(dir, "vault.json"), IdentityFile: filepath.Join(dir, "vault.identity")}
	v, err = openVault(opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, v.StoreSecret(context.Background(), "a", "b"))
	assert.FileExists(t, opts.IdentityFile)
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := loadTLSConfig(config.TLSOptions{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	dir := t.TempDir()
	require.NoError(t, writeCerts(dir, "localhost", []string{"operator"}))

	cfg, err = loadTLSConfig(config.TLSOptions{
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Nil(t, cfg.ClientCAs)

	cfg, err = loadTLSConfig(config.TLSOptions{
		CertFile:     filepath.Join(dir, "server.crt"),
		KeyFile:      filepath.Join(dir, "server.key"),
		ClientCAFile: filepath.Join(dir, "ca.crt"),
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = loadTLSConfig(config.TLSOptions{
		CertFile:     filepath.Join(dir, "server.crt"),
		KeyFile:      filepath.Join(dir, "server.key"),
		ClientCAFile: filepath.Join(dir, "operator.key"),
	})
	assert.Error(t, err)
}

func TestWriteCerts_ReusesCA(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeCerts(dir, "localhost", nil))
	first, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)

	require.NoError(t, writeCerts(dir, "127.0.0.1", []string{"ops"}))
	second, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, filepath.Join(dir, "ops.crt"))
}

func TestRootCmd_Args(t *testing.T) {
	cases := map[string][]string{
		"unknown subsystem":   {"migrate", "billing"},
		"serve takes no args": {"serve", "extra"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := newRootCmd(&app{})
			cmd.SetArgs(append(args, "--config", ""))
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestRootCmd_Version(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetArgs([]string{"--version"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "N/A")
}

func TestCertsCmd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	var out bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetArgs([]string{"certs", "--out", dir, "--client", "alice,bob"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	for _, f := range []string{"ca.crt", "server.crt", "server.key", "alice.crt", "bob.key"} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	assert.Contains(t, out.String(), dir)
}
