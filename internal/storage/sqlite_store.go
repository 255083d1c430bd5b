package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	body TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_key
ON documents(collection, doc_id);
`

// SQLiteStore is a SQLite-backed implementation of Store. Every collection
// lives in one table keyed by (collection, doc_id); bodies are JSON.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListAll(ctx context.Context, collection string) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT body
			FROM documents
			WHERE collection = ?
			ORDER BY seq ASC
		`, collection)
		if err != nil {
			yield(nil, fmt.Errorf("query %s: %w", collection, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				yield(nil, fmt.Errorf("scan %s: %w", collection, err))
				return
			}
			doc, err := decodeDocument(body)
			if err != nil {
				yield(nil, fmt.Errorf("decode %s: %w", collection, err))
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate %s: %w", collection, err))
		}
	}
}

func (s *SQLiteStore) FindByID(ctx context.Context, collection string, id any) (Document, error) {
	if err := validateID(collection, id); err != nil {
		return nil, err
	}
	var body string
	row := s.db.QueryRowContext(ctx, `
		SELECT body
		FROM documents
		WHERE collection = ? AND doc_id = ?
	`, collection, IDKey(id))
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find %s/%s: %w", collection, IDKey(id), err)
	}
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, IDKey(id), err)
	}
	return doc, nil
}

func (s *SQLiteStore) UpsertByID(ctx context.Context, collection string, id any, doc Document) error {
	if err := validateID(collection, id); err != nil {
		return err
	}
	body, err := encodeDocument(id, doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, IDKey(id), err)
	}
	if _, err := s.db.ExecContext(ctx, upsertDocument, collection, IDKey(id), body, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, IDKey(id), err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceCollection(ctx context.Context, collection string, docs []Document) error {
	if collection == "" {
		return errors.New("collection is required")
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := transaction.ExecContext(ctx, "DELETE FROM documents WHERE collection = ?", collection); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	stmt, err := transaction.PrepareContext(ctx, upsertDocument)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, doc := range docs {
		if err := validateID(collection, doc.ID()); err != nil {
			_ = transaction.Rollback()
			return err
		}
		body, err := encodeDocument(doc.ID(), doc)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("encode %s/%s: %w", collection, doc.Key(), err)
		}
		if _, err := stmt.ExecContext(ctx, collection, doc.Key(), body, now); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("insert %s/%s: %w", collection, doc.Key(), err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", collection, err)
	}
	return nil
}

const upsertDocument = `
	INSERT INTO documents (collection, doc_id, body, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, doc_id) DO UPDATE SET
		body = excluded.body,
		updated_at = excluded.updated_at
`

func encodeDocument(id any, doc Document) (string, error) {
	body := doc.Clone()
	if body == nil {
		body = Document{}
	}
	body[IDField] = id
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeDocument(body string) (Document, error) {
	decoder := json.NewDecoder(strings.NewReader(body))
	decoder.UseNumber()
	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
