// Package db opens PostgreSQL connections for the identity hub stores.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
)

// InitPostgres opens a connection pool for dsn and verifies it with a ping.
func InitPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// WithPassword returns dsn with its password replaced by password.
// Both URL ("postgres://...") and key/value ("host=... user=...") forms are supported.
// An empty password leaves dsn unchanged.
func WithPassword(dsn, password string) (string, error) {
	if password == "" {
		return dsn, nil
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		user := ""
		if u.User != nil {
			user = u.User.Username()
		}
		u.User = url.UserPassword(user, password)
		return u.String(), nil
	}

	settings, err := splitSettings(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	kept := settings[:0]
	for _, s := range settings {
		if settingKey(s) != "password" {
			kept = append(kept, s)
		}
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(password)
	kept = append(kept, fmt.Sprintf("password='%s'", escaped))
	return strings.Join(kept, " "), nil
}

// splitSettings splits a key/value connection string into its "key=value"
// settings, each kept with its original quoting. Values follow the libpq
// rules: single-quoted or bare, with backslash escapes in both.
func splitSettings(dsn string) ([]string, error) {
	var settings []string
	i := 0
	for {
		i = skipSpace(dsn, i)
		if i >= len(dsn) {
			return settings, nil
		}
		start := i
		eq := strings.IndexByte(dsn[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing \"=\" after %q", dsn[start:])
		}
		if key := strings.TrimSpace(dsn[start : i+eq]); key == "" || strings.ContainsAny(key, " \t\n\r\f\v") {
			return nil, fmt.Errorf("invalid setting name %q", key)
		}
		i = skipSpace(dsn, i+eq+1)

		if i < len(dsn) && dsn[i] == '\'' {
			i++
			for {
				if i >= len(dsn) {
					return nil, fmt.Errorf("unterminated quoted value in %q", dsn[start:])
				}
				if dsn[i] == '\\' {
					i += 2
					continue
				}
				i++
				if dsn[i-1] == '\'' {
					break
				}
			}
		} else {
			for i < len(dsn) && !isSpace(dsn[i]) {
				if dsn[i] == '\\' {
					i++
				}
				i++
			}
			i = min(i, len(dsn))
		}
		settings = append(settings, dsn[start:i])
	}
}

func settingKey(setting string) string {
	key, _, _ := strings.Cut(setting, "=")
	return strings.TrimSpace(key)
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
