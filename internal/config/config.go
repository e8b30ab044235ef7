// Package config provides functionality for managing configuration options
// for the application using command-line flags, environment variables and an
// optional JSON(C) or YAML config file.
//
// Values resolve from lowest to highest precedence: defaults, config file,
// environment, explicitly set flags. Options are read once at startup and
// not changed afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// DefaultSuperUserID is the participant id of the super-user when none is configured.
const DefaultSuperUserID = "super-user"

const defaultConfigPath = "config.json"

// VaultOptions selects the secret store.
type VaultOptions struct {
	// File is the path of the sealed vault file. Empty selects the in-memory vault.
	File string `json:"file" yaml:"file"`
	// IdentityFile is the age identity used to seal File. Defaults to File + ".identity".
	IdentityFile string `json:"identity_file" yaml:"identity_file"`
}

// TLSOptions enables HTTPS for the status API when CertFile and KeyFile are set.
type TLSOptions struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	// ClientCAFile, if set, verifies client certificates against this CA.
	ClientCAFile string `json:"client_ca_file" yaml:"client_ca_file"`
}

// Options holds the configuration values for the application.
type Options struct {
	// Address defines the server's listening address (ip:port).
	Address string `json:"address" yaml:"address"`

	// LogLevel is the minimum zap level (debug, info, warn, error).
	LogLevel string `json:"log_level" yaml:"log_level"`

	// DatabaseDSN is the default connection string for every subsystem.
	DatabaseDSN string `json:"database_dsn" yaml:"database_dsn"`

	// Datasources overrides DatabaseDSN per migration subsystem.
	Datasources map[string]string `json:"datasources" yaml:"datasources"`

	// SuperUserID is the participant id of the super-user.
	SuperUserID string `json:"superuser_id" yaml:"superuser_id"`

	// SuperUserKey overrides the generated super-user API key. Empty means absent.
	SuperUserKey string `json:"superuser_key" yaml:"superuser_key"`

	Vault VaultOptions `json:"vault" yaml:"vault"`
	TLS   TLSOptions   `json:"tls" yaml:"tls"`

	// Config is the path to the config file that was read.
	Config string `json:"-" yaml:"-"`
}

// Default returns the options used when nothing is configured.
func Default() *Options {
	return &Options{
		Address:     "localhost:8080",
		LogLevel:    "info",
		SuperUserID: DefaultSuperUserID,
	}
}

// DSNFor returns the connection string of a migration subsystem.
func (o *Options) DSNFor(subsystem string) string {
	if dsn := o.Datasources[subsystem]; dsn != "" {
		return dsn
	}
	return o.DatabaseDSN
}

// Validate reports configuration that cannot work.
func (o *Options) Validate() error {
	if o.SuperUserID == "" {
		return errors.New("superuser id must not be empty")
	}
	if (o.TLS.CertFile == "") != (o.TLS.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}
	return nil
}

// Loader resolves Options from flags registered on a FlagSet, the
// environment and the config file.
type Loader struct {
	fs     *pflag.FlagSet
	flags  Options
	lookup func(string) (string, bool)
}

// RegisterFlags registers the configuration flags on fs and returns a Loader
// reading them back after fs was parsed.
func RegisterFlags(fs *pflag.FlagSet) *Loader {
	l := &Loader{fs: fs, lookup: os.LookupEnv}
	d := Default()

	fs.StringVarP(&l.flags.Address, "address", "a", d.Address, "run on ip:port server")
	fs.StringVar(&l.flags.LogLevel, "log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVarP(&l.flags.DatabaseDSN, "database-dsn", "d", "", "db address")
	fs.StringVar(&l.flags.SuperUserID, "superuser-id", d.SuperUserID, "participant id of the super-user")
	fs.StringVar(&l.flags.SuperUserKey, "superuser-key", "", "API key override for the super-user")
	fs.StringVar(&l.flags.Vault.File, "vault-file", "", "sealed vault file (empty: in-memory vault)")
	fs.StringVar(&l.flags.Vault.IdentityFile, "vault-identity", "", "age identity file of the sealed vault")
	fs.StringVar(&l.flags.TLS.CertFile, "tls-cert", "", "server TLS certificate")
	fs.StringVar(&l.flags.TLS.KeyFile, "tls-key", "", "server TLS key")
	fs.StringVar(&l.flags.TLS.ClientCAFile, "tls-client-ca", "", "CA for client certificate verification")
	fs.StringVarP(&l.flags.Config, "config", "c", defaultConfigPath, "path to config file")
	return l
}

// Load resolves the options. A missing config file is only an error when its
// path was set explicitly.
func (l *Loader) Load() (*Options, error) {
	opts := Default()

	path, explicit := l.flags.Config, l.fs.Changed("config")
	if env, ok := l.lookup("CONFIG"); ok && env != "" && !explicit {
		path, explicit = env, true
	}
	if err := loadFile(path, opts, explicit); err != nil {
		return nil, err
	}
	opts.Config = path

	l.applyEnv(opts)
	l.applyFlags(opts)

	if opts.Vault.File != "" && opts.Vault.IdentityFile == "" {
		opts.Vault.IdentityFile = opts.Vault.File + ".identity"
	}
	return opts, opts.Validate()
}

func (l *Loader) applyEnv(opts *Options) {
	for env, dst := range map[string]*string{
		"SERVER_ADDRESS":           &opts.Address,
		"LOG_LEVEL":                &opts.LogLevel,
		"DATABASE_DSN":             &opts.DatabaseDSN,
		"EDC_IH_API_SUPERUSER_ID":  &opts.SuperUserID,
		"EDC_IH_API_SUPERUSER_KEY": &opts.SuperUserKey,
		"VAULT_FILE":               &opts.Vault.File,
		"VAULT_IDENTITY_FILE":      &opts.Vault.IdentityFile,
	} {
		if v, ok := l.lookup(env); ok && v != "" {
			*dst = v
		}
	}
}

func (l *Loader) applyFlags(opts *Options) {
	for name, v := range map[string]struct{ dst, src *string }{
		"address":        {&opts.Address, &l.flags.Address},
		"log-level":      {&opts.LogLevel, &l.flags.LogLevel},
		"database-dsn":   {&opts.DatabaseDSN, &l.flags.DatabaseDSN},
		"superuser-id":   {&opts.SuperUserID, &l.flags.SuperUserID},
		"superuser-key":  {&opts.SuperUserKey, &l.flags.SuperUserKey},
		"vault-file":     {&opts.Vault.File, &l.flags.Vault.File},
		"vault-identity": {&opts.Vault.IdentityFile, &l.flags.Vault.IdentityFile},
		"tls-cert":       {&opts.TLS.CertFile, &l.flags.TLS.CertFile},
		"tls-key":        {&opts.TLS.KeyFile, &l.flags.TLS.KeyFile},
		"tls-client-ca":  {&opts.TLS.ClientCAFile, &l.flags.TLS.ClientCAFile},
	} {
		if l.fs.Changed(name) {
			*v.dst = *v.src
		}
	}
}

func loadFile(path string, opts *Options, explicit bool) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, opts)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), opts)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file %s: %w", path, err)
	}
	return nil
}
