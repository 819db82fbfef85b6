/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

// Package catalog persists the content-addressed model index. An artifact is
// one physical file identified by its SHA-256; aliases are additional names
// pointing at an artifact. The catalog never stores credentials: source URLs
// are sanitized by the caller before they get here.
package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	// SQLite driver backing the catalog database.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound is returned when no artifact matches the query.
	ErrNotFound = errors.New("artifact not found")

	// ErrUnknownArtifact is returned when adding an alias for a hash the
	// catalog has never seen.
	ErrUnknownArtifact = errors.New("unknown artifact")

	// ErrAliasCollision is returned when an alias path is already bound to a
	// different artifact.
	ErrAliasCollision = errors.New("alias path already bound to another artifact")
)

var hashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Artifact is one content-addressed model file.
type Artifact struct {
	SHA256    string    `db:"sha256" json:"sha256"`
	Path      string    `db:"file_path" json:"path"`
	SizeBytes int64     `db:"size_bytes" json:"size_bytes"`
	SourceURL string    `db:"source_url" json:"source_url,omitempty"`
	Metadata  Metadata  `db:"metadata" json:"metadata,omitempty"`
	DateAdded time.Time `db:"date_added" json:"date_added"`
}

// Alias is an additional name for an artifact.
type Alias struct {
	ID        int64     `db:"id" json:"id"`
	SHA256    string    `db:"sha256" json:"sha256"`
	Path      string    `db:"alias_path" json:"path"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Stats summarizes the catalog content.
type Stats struct {
	ModelCount     int64   `db:"model_count" json:"model_count"`
	AliasCount     int64   `db:"alias_count" json:"alias_count"`
	TotalSizeBytes int64   `db:"total_size_bytes" json:"total_size_bytes"`
	TotalSizeGB    float64 `db:"-" json:"total_size_gb"`
}

// Metadata is the free-form JSON document attached to an artifact.
type Metadata map[string]interface{}

// Value implements the driver.Valuer interface.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	return string(b), nil
}

// Scan implements the sql.Scanner interface.
func (m *Metadata) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}

	if len(b) == 0 {
		*m = nil
		return nil
	}

	return json.Unmarshal(b, m)
}

// Store gives access to the catalog database.
type Store struct {
	db *sqlx.DB
}

// Open opens (and creates if needed) the catalog database at the given path
// and brings its schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	if err = migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// goose configuration is process-global.
var migrateMu sync.Mutex

func migrate(db *sqlx.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set catalog dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}

	return nil
}

// Close closes the catalog database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddArtifact registers an artifact. Registering the same hash twice is a
// no-op: the first row wins and false is returned.
func (s *Store) AddArtifact(ctx context.Context, artifact Artifact) (bool, error) {
	hash, err := NormalizeHash(artifact.SHA256)
	if err != nil {
		return false, err
	}
	artifact.SHA256 = hash

	if artifact.DateAdded.IsZero() {
		artifact.DateAdded = time.Now().UTC()
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO model_files (sha256, file_path, size_bytes, source_url, metadata, date_added)
		VALUES (:sha256, :file_path, :size_bytes, :source_url, :metadata, :date_added)
		ON CONFLICT (sha256) DO NOTHING`, artifact)
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count inserted artifacts: %w", err)
	}

	if n == 0 {
		log.Debug().Str("sha256", artifact.SHA256).Msg("Artifact already registered")
	}

	return n > 0, nil
}

// ReplaceArtifactPath repoints an artifact at a new canonical file. Used when
// the previous canonical file went missing and the content was fetched again.
func (s *Store) ReplaceArtifactPath(ctx context.Context, hash, path string, sizeBytes int64) error {
	hash, err := NormalizeHash(hash)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE model_files SET file_path = ?, size_bytes = ? WHERE sha256 = ?`,
		path, sizeBytes, hash)
	if err != nil {
		return fmt.Errorf("update artifact path: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count updated artifacts: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// AddAlias binds an additional path to a known artifact. Re-adding the same
// binding, or naming the artifact's own canonical file, is a no-op returning
// false. A path held by a different hash, as alias or canonical file, fails
// with ErrAliasCollision.
func (s *Store) AddAlias(ctx context.Context, hash, aliasPath string) (bool, error) {
	hash, err := NormalizeHash(hash)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin alias transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err = tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM model_files WHERE sha256 = ?`, hash); err != nil {
		return false, fmt.Errorf("check artifact: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("add alias %q: %w", aliasPath, ErrUnknownArtifact)
	}

	// The path must not be the canonical file of any artifact: of this one,
	// because the canonical name needs no alias row, nor of another one,
	// because that would shadow its content.
	var owner string
	err = tx.GetContext(ctx, &owner, `SELECT sha256 FROM model_files WHERE file_path = ?`, aliasPath)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("check canonical path: %w", err)
	case owner == hash:
		return false, nil
	default:
		return false, fmt.Errorf("alias %q: %w", aliasPath, ErrAliasCollision)
	}

	var bound string
	err = tx.GetContext(ctx, &bound, `SELECT sha256 FROM model_aliases WHERE alias_path = ?`, aliasPath)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("check alias: %w", err)
	case bound == hash:
		return false, nil
	default:
		return false, fmt.Errorf("alias %q: %w", aliasPath, ErrAliasCollision)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO model_aliases (sha256, alias_path, created_at)
		VALUES (?, ?, ?)`, hash, aliasPath, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert alias: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit alias: %w", err)
	}

	return true, nil
}

// ArtifactByHash returns the artifact with the given SHA-256.
func (s *Store) ArtifactByHash(ctx context.Context, hash string) (Artifact, error) {
	hash, err := NormalizeHash(hash)
	if err != nil {
		return Artifact{}, err
	}

	var artifact Artifact
	err = s.db.GetContext(ctx, &artifact, `
		SELECT sha256, file_path, size_bytes, source_url, metadata, date_added
		FROM model_files WHERE sha256 = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("select artifact: %w", err)
	}

	return artifact, nil
}

// ArtifactByPath returns the artifact stored at the given path, which can be
// either the canonical file or one of its aliases. The boolean reports
// whether the path is the canonical one.
func (s *Store) ArtifactByPath(ctx context.Context, path string) (Artifact, bool, error) {
	var artifact Artifact
	err := s.db.GetContext(ctx, &artifact, `
		SELECT sha256, file_path, size_bytes, source_url, metadata, date_added
		FROM model_files WHERE file_path = ?`, path)
	if err == nil {
		return artifact, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, fmt.Errorf("select artifact by path: %w", err)
	}

	err = s.db.GetContext(ctx, &artifact, `
		SELECT f.sha256, f.file_path, f.size_bytes, f.source_url, f.metadata, f.date_added
		FROM model_files f
		JOIN model_aliases a ON a.sha256 = f.sha256
		WHERE a.alias_path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, false, ErrNotFound
	}
	if err != nil {
		return Artifact{}, false, fmt.Errorf("select artifact by alias: %w", err)
	}

	return artifact, false, nil
}

// AliasesFor returns every alias of the given artifact.
func (s *Store) AliasesFor(ctx context.Context, hash string) ([]Alias, error) {
	hash, err := NormalizeHash(hash)
	if err != nil {
		return nil, err
	}

	var aliases []Alias
	err = s.db.SelectContext(ctx, &aliases, `
		SELECT id, sha256, alias_path, created_at
		FROM model_aliases WHERE sha256 = ? ORDER BY id`, hash)
	if err != nil {
		return nil, fmt.Errorf("select aliases: %w", err)
	}

	return aliases, nil
}

// ListArtifacts returns every artifact, most recently added first.
func (s *Store) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.SelectContext(ctx, &artifacts, `
		SELECT sha256, file_path, size_bytes, source_url, metadata, date_added
		FROM model_files ORDER BY date_added DESC, sha256`)
	if err != nil {
		return nil, fmt.Errorf("select artifacts: %w", err)
	}

	return artifacts, nil
}

// ListAliases returns every alias row.
func (s *Store) ListAliases(ctx context.Context) ([]Alias, error) {
	var aliases []Alias
	err := s.db.SelectContext(ctx, &aliases, `
		SELECT id, sha256, alias_path, created_at FROM model_aliases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select aliases: %w", err)
	}

	return aliases, nil
}

// DeleteAliasByPath removes the alias bound to the given path.
func (s *Store) DeleteAliasByPath(ctx context.Context, aliasPath string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_aliases WHERE alias_path = ?`, aliasPath)
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count deleted aliases: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveArtifact removes an artifact and all its aliases from the catalog.
// Files on disk are left untouched.
func (s *Store) RemoveArtifact(ctx context.Context, hash string) error {
	hash, err := NormalizeHash(hash)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM model_aliases WHERE sha256 = ?`, hash); err != nil {
		return fmt.Errorf("delete aliases: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM model_files WHERE sha256 = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("count deleted artifacts: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// Stats returns catalog-wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			(SELECT COUNT(1) FROM model_files)                        AS model_count,
			(SELECT COUNT(1) FROM model_aliases)                      AS alias_count,
			(SELECT COALESCE(SUM(size_bytes), 0) FROM model_files)    AS total_size_bytes`)
	if err != nil {
		return Stats{}, fmt.Errorf("select stats: %w", err)
	}

	stats.TotalSizeGB = math.Round(float64(stats.TotalSizeBytes)/float64(1<<30)*100) / 100

	return stats, nil
}

// NormalizeHash lower-cases a SHA-256 and rejects anything that is not 64 hex
// characters.
func NormalizeHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(h) {
		return "", fmt.Errorf("invalid sha256 %q", hash)
	}

	return h, nil
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Msgf(strings.TrimSpace(format), v...)
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Debug().Msgf(strings.TrimSpace(format), v...)
}
