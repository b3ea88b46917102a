// Package memorystore implements the spec's persistent, full-text-searched
// memory store using modernc.org/sqlite's pure-Go FTS5 support — no cgo
// required, matching the rest of the pack's preference for a pure-Go
// sqlite driver in non-ORM contexts (thrapt-picobot, vanducng-goclaw).
package memorystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

// Store is a modernc.org/sqlite-backed repository.MemoryRepository. Its
// schema is a plain table plus an FTS5 virtual table kept in sync via
// triggers, so Search can rank by BM25 while Save/GetByCategory hit the
// plain table directly.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) the schema at path and returns a ready Store.
// path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memorystore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time keeps this simple

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id text PRIMARY KEY,
	user_id text NOT NULL,
	category text NOT NULL,
	topic text NOT NULL,
	content text NOT NULL,
	access_count integer NOT NULL DEFAULT 0,
	created_at text NOT NULL,
	last_accessed_at text NOT NULL,
	UNIQUE(user_id, category, topic)
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	topic, content, content='memories', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, topic, content) VALUES (new.rowid, new.topic, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, topic, content) VALUES ('delete', old.rowid, old.topic, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, topic, content) VALUES ('delete', old.rowid, old.topic, old.content);
	INSERT INTO memories_fts(rowid, topic, content) VALUES (new.rowid, new.topic, new.content);
END;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("memorystore: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ repository.MemoryRepository = (*Store)(nil)

// Save upserts by (userId, category, topic); re-saving identical content is
// idempotent (spec §8).
func (s *Store) Save(ctx context.Context, userID string, category entity.MemoryCategory, topic, content string) (*entity.MemoryRecord, error) {
	now := time.Now().UTC()

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE user_id = ? AND category = ? AND topic = ?`,
		userID, string(category), topic,
	).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		id := uuid.NewString()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memories (id, user_id, category, topic, content, access_count, created_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			id, userID, string(category), topic, content, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("memorystore: insert", err)
		}
		return &entity.MemoryRecord{
			ID: id, UserID: userID, Category: category, Topic: topic, Content: content,
			CreatedAt: now, LastAccessedAt: now,
		}, nil

	case err != nil:
		return nil, apperrors.NewInternalErrorWithCause("memorystore: lookup", err)

	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE memories SET content = ? WHERE id = ?`, content, existingID)
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("memorystore: update", err)
		}
		return s.getByID(ctx, existingID)
	}
}

func (s *Store) getByID(ctx context.Context, id string) (*entity.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		 FROM memories WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *Store) GetByCategory(ctx context.Context, userID string, category entity.MemoryCategory) ([]*entity.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		 FROM memories WHERE user_id = ? AND category = ? ORDER BY last_accessed_at DESC`,
		userID, string(category))
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("memorystore: query by category", err)
	}
	defer rows.Close()

	var out []*entity.MemoryRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Search full-text searches topic+content and increments accessCount
// exactly once per hit per call (spec §8).
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]entity.MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.category, m.topic, m.content, m.access_count, m.created_at, m.last_accessed_at, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ?
		ORDER BY rank
		LIMIT ?`, query, userID, limit)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("memorystore: search", err)
	}
	defer rows.Close()

	var hits []entity.MemoryHit
	var ids []string
	for rows.Next() {
		var rec entity.MemoryRecord
		var createdAt, lastAccessedAt string
		var rank float64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Category, &rec.Topic, &rec.Content, &rec.AccessCount, &createdAt, &lastAccessedAt, &rank); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("memorystore: scan search row", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedAt)
		rec.AccessCount++ // reflect the increment this call performs below
		hits = append(hits, entity.MemoryHit{Record: &rec, Rank: rank})
		ids = append(ids, rec.ID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, now, id); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("memorystore: bump access count", err)
		}
	}
	return hits, nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("memorystore: delete", err)
	}
	return nil
}

func (s *Store) DeleteByTopic(ctx context.Context, userID string, category entity.MemoryCategory, topic string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND category = ? AND topic = ?`,
		userID, string(category), topic)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("memorystore: delete by topic", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (*entity.MemoryRecord, error) {
	return scanInto(row)
}

func scanRecordRows(rows *sql.Rows) (*entity.MemoryRecord, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*entity.MemoryRecord, error) {
	var rec entity.MemoryRecord
	var createdAt, lastAccessedAt string
	if err := s.Scan(&rec.ID, &rec.UserID, &rec.Category, &rec.Topic, &rec.Content, &rec.AccessCount, &createdAt, &lastAccessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("memory not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("memorystore: scan", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedAt)
	return &rec, nil
}
