package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/ledger/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_documents (
	collection text NOT NULL,
	doc_key    text NOT NULL,
	body       jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, doc_key)
)`

// Store keeps remote documents as JSONB rows, one row per (collection, natural key).
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, describe(err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, describe(err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// UpsertMany merges each document into the stored body, mirroring Mongo's $set.
func (s *Store) UpsertMany(ctx context.Context, collection string, key string, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return describe(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sync_documents (collection, doc_key, body, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, doc_key)
		DO UPDATE SET body = sync_documents.body || EXCLUDED.body, updated_at = now()
	`)
	if err != nil {
		return describe(err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		keyValue, ok := doc[key]
		if !ok || keyValue == nil {
			return fmt.Errorf("%s: document without %q", collection, key)
		}
		body := make(store.Document, len(doc))
		for field, value := range doc {
			if field != "_id" {
				body[field] = value
			}
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, collection, fmt.Sprint(keyValue), payload); err != nil {
			return describe(err)
		}
	}

	return describe(tx.Commit())
}

func (s *Store) Find(ctx context.Context, collection string, opts store.FindOptions) ([]store.Document, error) {
	query := `SELECT body FROM sync_documents WHERE collection = $1`
	args := []any{collection}
	if opts.SortBy != "" {
		args = append(args, opts.SortBy)
		query += fmt.Sprintf(` ORDER BY body->>$%d DESC NULLS LAST`, len(args))
	} else {
		query += ` ORDER BY updated_at`
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, describe(err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, 64)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc store.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: decode document: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, describe(err)
	}
	return docs, nil
}

func (s *Store) FindOne(ctx context.Context, collection string) (store.Document, error) {
	docs, err := s.Find(ctx, collection, store.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

// describe prefixes server-side failures with their SQLSTATE.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", pgErr.Code, err)
	}
	return err
}
