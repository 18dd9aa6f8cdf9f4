package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// filenamePattern captures the numeric version prefix and the human-readable
// remainder. The zero-padded prefix makes lexicographic order chronological.
var filenamePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

const (
	rollbackMarker = "-- ROLLBACK:"
	dependsMarker  = "-- DEPENDS ON:"
)

// MigrationFile is the parsed, in-memory form of one migration source file.
// It is derived fresh from disk on every catalog read and never persisted.
type MigrationFile struct {
	Filename     string
	Version      string
	Name         string
	SQL          string
	Checksum     string
	RollbackSQL  string
	Dependencies []string
}

// Catalog reads and parses migration files from a source directory.
type Catalog struct {
	dir string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the directory the catalog reads from.
func (c *Catalog) Dir() string { return c.dir }

// ListAvailable parses every .sql file in the catalog directory, sorted
// lexicographically by filename.
func (c *Catalog) ListAvailable() ([]MigrationFile, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory %s: %w", c.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	files := make([]MigrationFile, 0, len(names))
	for _, name := range names {
		file, err := c.Load(name)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}

	return files, nil
}

// Load reads and parses a single migration file by name.
func (c *Catalog) Load(filename string) (MigrationFile, error) {
	content, err := os.ReadFile(filepath.Join(c.dir, filename))
	if err != nil {
		return MigrationFile{}, fmt.Errorf("read migration %s: %w", filename, err)
	}
	return ParseMigration(filename, content)
}

// ParseMigration builds a MigrationFile from raw file content. The checksum
// covers the full original content, rollback section included, so it detects
// tampering of the file as authored, not only of the applied portion.
func ParseMigration(filename string, content []byte) (MigrationFile, error) {
	match := filenamePattern.FindStringSubmatch(filename)
	if match == nil {
		return MigrationFile{}, fmt.Errorf("%w: %q must match <version>_<name>.sql", ErrInvalidFormat, filename)
	}

	sum := sha256.Sum256(content)

	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	forward, rollback := splitRollback(text)

	return MigrationFile{
		Filename:     filename,
		Version:      match[1],
		Name:         strings.ReplaceAll(match[2], "_", " "),
		SQL:          strings.TrimSpace(forward),
		Checksum:     hex.EncodeToString(sum[:]),
		RollbackSQL:  strings.TrimSpace(rollback),
		Dependencies: parseDependencies(forward),
	}, nil
}

// splitRollback separates the forward SQL from the rollback section. The
// rollback section always extends from the first marker to end of file; a
// second marker is not searched for, so later comment lines belong to the
// rollback SQL.
func splitRollback(text string) (forward, rollback string) {
	idx := markerIndex(text, rollbackMarker)
	if idx < 0 {
		return text, ""
	}
	rest := text[idx+len(rollbackMarker):]
	// Tolerate trailing text on the marker line itself ("-- ROLLBACK: drop").
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && strings.TrimSpace(rest[:nl]) != "" {
		rollback = strings.TrimSpace(rest[:nl]) + "\n" + rest[nl+1:]
	} else {
		rollback = rest
	}
	return text[:idx], rollback
}

// parseDependencies extracts the version list from a "-- DEPENDS ON: 001, 003"
// marker line. A missing or empty marker yields nil.
func parseDependencies(text string) []string {
	idx := markerIndex(text, dependsMarker)
	if idx < 0 {
		return nil
	}
	line := text[idx+len(dependsMarker):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}

	var deps []string
	for _, part := range strings.Split(line, ",") {
		version := strings.TrimSpace(part)
		if version == "" {
			continue
		}
		deps = append(deps, version)
	}
	return deps
}

// markerIndex finds a marker that starts a line, ignoring leading whitespace
// on that line. Returns the byte offset of the line start, or -1.
func markerIndex(text, marker string) int {
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), marker) {
			return offset + strings.Index(line, marker)
		}
		offset += len(line) + 1
	}
	return -1
}
