// Package sqlite provides an IndexStore backed by a local SQLite database.
// Documents are stored as JSON with a separate term table for lookups.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/zanzrukiav/SearchServices/internal/index"
)

// unindexed fields are stored but never written to the term table.
var unindexed = map[string]bool{
	index.FieldContent: true,
}

// Store is an IndexStore on SQLite. Writes accumulate in one open
// transaction that Commit closes; readers use separate connections and
// therefore only observe committed data.
type Store struct {
	db *sql.DB

	mu sync.Mutex
	tx *sql.Tx
}

var _ index.IndexStore = (*Store)(nil)

// New opens (or creates) the index database at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		fields JSON NOT NULL
	);

	-- One row per (field, value) of every document
	CREATE TABLE IF NOT EXISTS terms (
		field TEXT NOT NULL,
		term TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		PRIMARY KEY (field, term, doc_id)
	);

	CREATE INDEX IF NOT EXISTS idx_terms_doc ON terms(doc_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// Close rolls back uncommitted writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

// withTx runs fn inside the open write transaction, starting one if needed.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		// the write window outlives the request context
		tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return fmt.Errorf("begin index transaction: %w", err)
		}
		s.tx = tx
	}
	return fn(s.tx)
}

func writeDoc(ctx context.Context, tx *sql.Tx, doc *index.Document) error {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM terms WHERE doc_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear terms %s: %w", doc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO documents (id, fields) VALUES (?, ?)`, doc.ID, string(data)); err != nil {
		return fmt.Errorf("write document %s: %w", doc.ID, err)
	}
	for field, values := range doc.Fields {
		if unindexed[field] {
			continue
		}
		for _, v := range values {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO terms (field, term, doc_id) VALUES (?, ?, ?)`, field, v, doc.ID); err != nil {
				return fmt.Errorf("write term %s=%s: %w", field, v, err)
			}
		}
	}
	return nil
}

// Upsert stages a full replacement of the document.
func (s *Store) Upsert(ctx context.Context, doc *index.Document) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeDoc(ctx, tx, doc)
	})
}

// Delete stages removal of a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM terms WHERE doc_id = ?`, id); err != nil {
			return fmt.Errorf("delete terms %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
		return nil
	})
}

// Patch stages a field update. It reads through the open transaction so
// it applies on top of earlier uncommitted writes.
func (s *Store) Patch(ctx context.Context, id string, fields map[string][]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := scanDoc(tx.QueryRowContext(ctx, `SELECT id, fields FROM documents WHERE id = ?`, id))
		if err != nil {
			return err
		}
		doc.Apply(fields)
		return writeDoc(ctx, tx, doc)
	})
}

// Commit publishes every staged write.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}
	return nil
}

// Exists reports whether a committed document exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check document %s: %w", id, err)
	}
	return n > 0, nil
}

// Get returns a committed document.
func (s *Store) Get(ctx context.Context, id string) (*index.Document, error) {
	return scanDoc(s.db.QueryRowContext(ctx, `SELECT id, fields FROM documents WHERE id = ?`, id))
}

// Search returns committed documents with the term, ordered by id.
func (s *Store) Search(ctx context.Context, q index.Query) ([]*index.Document, error) {
	limit := -1
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.fields FROM terms t
		JOIN documents d ON d.id = t.doc_id
		WHERE t.field = ? AND t.term = ?
		ORDER BY d.id
		LIMIT ? OFFSET ?`, q.Field, q.Term, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("search %s=%s: %w", q.Field, q.Term, err)
	}
	defer rows.Close()

	var out []*index.Document
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(row scanner) (*index.Document, error) {
	var id, data string
	if err := row.Scan(&id, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, index.ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	doc := index.NewDocument(id)
	if err := json.Unmarshal([]byte(data), &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}
