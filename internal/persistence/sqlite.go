package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/otcollab/docengine/internal/ot"
)

// SQLiteAdapter persists documents and their version history to a
// SQLite database via database/sql.
type SQLiteAdapter struct {
	db *sql.DB
}

// NewSQLiteAdapter opens uri (a go-sqlite3 DSN) and runs migrations.
func NewSQLiteAdapter(uri string) (*SQLiteAdapter, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteAdapter{db: db}, nil
}

func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLiteAdapter) LoadDocument(ctx context.Context, documentID string) (Snapshot, error) {
	var snap Snapshot
	var language sql.NullString

	err := a.db.QueryRowContext(ctx,
		"SELECT content, language, version FROM document WHERE id = ?", documentID,
	).Scan(&snap.Content, &language, &snap.Version)

	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load document: %w", err)
	}
	if language.Valid {
		snap.Language = language.String
	}
	return snap, nil
}

func (a *SQLiteAdapter) SaveDocument(ctx context.Context, documentID, content string, version int, language string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO document (id, content, language, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			language = excluded.language,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, documentID, content, language, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) AppendVersion(ctx context.Context, rec VersionRecord) error {
	opJSON, err := json.Marshal(rec.Operation)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO document_version (document_id, version, operation, author_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id, version) DO NOTHING
	`, rec.DocumentID, rec.Version, string(opJSON), rec.AuthorID, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("append version: %w", err)
	}
	return nil
}

func (a *SQLiteAdapter) ListVersions(ctx context.Context, documentID string, limit int) ([]VersionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT version, operation, author_id, created_at
		FROM document_version
		WHERE document_id = ?
		ORDER BY version ASC
		LIMIT ?
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []VersionRecord
	for rows.Next() {
		var rec VersionRecord
		var opJSON string
		var createdAtUnix int64
		if err := rows.Scan(&rec.Version, &opJSON, &rec.AuthorID, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		var op ot.Operation
		if err := json.Unmarshal([]byte(opJSON), &op); err != nil {
			return nil, fmt.Errorf("unmarshal operation: %w", err)
		}
		rec.DocumentID = documentID
		rec.Operation = op
		rec.CreatedAt = time.Unix(createdAtUnix, 0)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}
