// Package migration applies versioned SQL scripts to the relational stores
// of the identity hub subsystems.
//
// Scripts live under sql/<subsystem>/ and are named V<version>__<description>.sql.
// Every subsystem keeps its own version line in the schema_migrations table.
package migration

import (
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Known subsystems, in the order they are migrated on startup.
const (
	ParticipantContext = "participantcontext"
	KeyPair            = "keypair"
	STSClient          = "stsclient"
)

// Subsystems lists every subsystem with embedded scripts.
var Subsystems = []string{ParticipantContext, KeyPair, STSClient}

//go:embed sql
var embedded embed.FS

// Embedded returns the scripts shipped with the binary, rooted so that each
// subsystem is a top-level directory.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var (
	// ErrInvalidScriptName is returned for .sql files that do not follow V<version>__<description>.sql.
	ErrInvalidScriptName = errors.New("invalid migration script name")
	// ErrNoScripts is returned when a subsystem has no scripts.
	ErrNoScripts = errors.New("no migration scripts")
)

var scriptName = regexp.MustCompile(`^V(\d+)__([A-Za-z0-9_]+)\.sql$`)

// Script is one versioned migration.
type Script struct {
	Version     int
	Description string
	SQL         string
	Checksum    string
}

// Checksum returns the hex BLAKE3 digest of a script body.
func Checksum(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// LoadScripts reads the scripts of subsystem from fsys, ordered by ascending version.
func LoadScripts(fsys fs.FS, subsystem string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, subsystem)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w for subsystem %q", ErrNoScripts, subsystem)
		}
		return nil, fmt.Errorf("read scripts of %q: %w", subsystem, err)
	}

	seen := make(map[int]string)
	var scripts []Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := scriptName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrInvalidScriptName, subsystem, e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrInvalidScriptName, subsystem, e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate version %d in %s: %s and %s", version, subsystem, prev, e.Name())
		}
		seen[version] = e.Name()

		body, err := fs.ReadFile(fsys, path.Join(subsystem, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s/%s: %w", subsystem, e.Name(), err)
		}
		scripts = append(scripts, Script{
			Version:     version,
			Description: strings.ReplaceAll(m[2], "_", " "),
			SQL:         string(body),
			Checksum:    Checksum(body),
		})
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("%w for subsystem %q", ErrNoScripts, subsystem)
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })
	return scripts, nil
}
