package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ruteri/module-identity-provisioning/interfaces"
	"github.com/ruteri/module-identity-provisioning/twin"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteTwinStore persists documents in a SQLite database. Each row carries
// a version counter; updates are conditional on it.
type SQLiteTwinStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// NewSQLiteTwinStore opens or creates the database at path. The database is
// configured with WAL journaling, NORMAL synchronous mode and a 5 second
// busy timeout.
func NewSQLiteTwinStore(path string, log *slog.Logger) (*SQLiteTwinStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteTwinStore{db: db, path: path, log: log}, nil
}

func (s *SQLiteTwinStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTwinStore) Get(ctx context.Context, ref interfaces.ModuleRef) (*twin.Document, interfaces.ETag, error) {
	var (
		data    string
		version uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM twins WHERE device_id = ? AND module_id = ?`,
		ref.DeviceID, ref.ModuleID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &twin.Document{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	doc, err := twin.Parse([]byte(data))
	if err != nil {
		return nil, "", err
	}
	return doc, formatETag(version), nil
}

func (s *SQLiteTwinStore) Update(ctx context.Context, ref interfaces.ModuleRef, doc *twin.Document, etag interfaces.ETag) (interfaces.ETag, error) {
	expected, err := parseETag(etag)
	if err != nil {
		return "", err
	}
	data, err := doc.Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO twins (device_id, module_id, document, version, updated_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (device_id, module_id) DO NOTHING`,
			ref.DeviceID, ref.ModuleID, string(data), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE twins SET document = ?, version = version + 1, updated_at = ?
			 WHERE device_id = ? AND module_id = ? AND version = ?`,
			string(data), now, ref.DeviceID, ref.ModuleID, expected)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if affected == 0 {
		s.log.Debug("Twin version conflict",
			slog.String("module", ref.String()),
			slog.Uint64("expected", expected))
		return "", interfaces.ErrVersionConflict
	}
	return formatETag(expected + 1), nil
}

func (s *SQLiteTwinStore) LocationURI() string {
	return "sqlite://" + s.path
}
