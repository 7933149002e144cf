package templates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore persists templates in a notification_templates table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table and its unique key when absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notification_templates (
			id         UUID PRIMARY KEY,
			type       TEXT NOT NULL,
			language   TEXT NOT NULL,
			subject    TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (type, language)
		)`)
	if err != nil {
		return fmt.Errorf("templates: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, t *Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_templates (id, type, language, subject, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Type, t.Language, t.Subject, t.Body, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("templates: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Template) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_templates
		SET type = $2, language = $3, subject = $4, body = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Type, t.Language, t.Subject, t.Body, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("templates: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("templates: update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("templates: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("templates: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, typ, language string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, language, subject, body, created_at, updated_at
		FROM notification_templates
		WHERE type = $1 AND LOWER(language) = LOWER($2)`,
		typ, language)
	return scanTemplate(row)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, language, subject, body, created_at, updated_at
		FROM notification_templates
		ORDER BY type, language`)
	if err != nil {
		return nil, fmt.Errorf("templates: list: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListLanguages(ctx context.Context, typ string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT language FROM notification_templates WHERE type = $1 ORDER BY language`, typ)
	if err != nil {
		return nil, fmt.Errorf("templates: list languages: %w", err)
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("templates: list languages: %w", err)
		}
		langs = append(langs, lang)
	}
	return langs, rows.Err()
}

func (s *PostgresStore) Statistics(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM notification_templates GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("templates: statistics: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("templates: statistics: %w", err)
		}
		stats[typ] = count
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Type, &t.Language, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("templates: scan: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
