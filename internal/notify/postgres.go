package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const notifySchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	action_url TEXT NOT NULL DEFAULT '',
	priority   TEXT NOT NULL,
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	archived   BOOLEAN NOT NULL DEFAULT FALSE,
	data       JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	read_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notifications_user_created_idx
	ON notifications (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS notifications_user_unread_idx
	ON notifications (user_id) WHERE NOT read AND NOT archived;

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id           TEXT PRIMARY KEY,
	email_enabled     BOOLEAN NOT NULL,
	push_enabled      BOOLEAN NOT NULL,
	websocket_enabled BOOLEAN NOT NULL,
	digest_cadence    TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS digest_entries (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	notification_id TEXT NOT NULL,
	type            TEXT NOT NULL,
	title           TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	due_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS digest_entries_due_idx ON digest_entries (due_at);
CREATE INDEX IF NOT EXISTS digest_entries_user_idx ON digest_entries (user_id);

CREATE TABLE IF NOT EXISTS edge_users (
	id        TEXT PRIMARY KEY,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore backs the notification core with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the notification tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, notifySchema); err != nil {
		return fmt.Errorf("ensure notify schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	data, err := marshalData(n.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, user_id, type, title, content, action_url, priority, read, archived, data, created_at, updated_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.UserID, n.Type, n.Title, n.Content, n.ActionURL, n.Priority,
		n.Read, n.Archived, data, n.CreatedAt, n.UpdatedAt, n.ReadAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, title, content, action_url, priority, read, archived, data, created_at, updated_at, read_at
		FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Update(ctx context.Context, n *Notification) error {
	n.UpdatedAt = time.Now().UTC()
	data, err := marshalData(n.Data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET title = $2, content = $3, action_url = $4, priority = $5,
		    read = $6, archived = $7, data = $8, updated_at = $9, read_at = $10
		WHERE id = $1`,
		n.ID, n.Title, n.Content, n.ActionURL, n.Priority,
		n.Read, n.Archived, data, n.UpdatedAt, n.ReadAt)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, page, size int, unreadOnly bool) ([]*Notification, int, error) {
	filter := `user_id = $1 AND NOT archived`
	if unreadOnly {
		filter += ` AND NOT read`
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE `+filter, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, content, action_url, priority, read, archived, data, created_at, updated_at, read_at
		FROM notifications WHERE `+filter+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, size, page*size)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list notifications: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND NOT read AND NOT archived`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT (NOT EXISTS (SELECT 1 FROM edge_users))
		    OR EXISTS (SELECT 1 FROM edge_users WHERE id = $1)`, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	p := &Preferences{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT email_enabled, push_enabled, websocket_enabled, digest_cadence, updated_at
		FROM notification_preferences WHERE user_id = $1`, userID).
		Scan(&p.EmailEnabled, &p.PushEnabled, &p.WebsocketEnabled, &p.DigestCadence, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) PutPreferences(ctx context.Context, p *Preferences) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences
			(user_id, email_enabled, push_enabled, websocket_enabled, digest_cadence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			push_enabled = EXCLUDED.push_enabled,
			websocket_enabled = EXCLUDED.websocket_enabled,
			digest_cadence = EXCLUDED.digest_cadence,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.EmailEnabled, p.PushEnabled, p.WebsocketEnabled, p.DigestCadence, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put preferences: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddDigestEntry(ctx context.Context, e *DigestEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_entries (id, user_id, notification_id, type, title, created_at, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.NotificationID, e.Type, e.Title, e.CreatedAt, e.DueAt)
	if err != nil {
		return fmt.Errorf("add digest entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueDigestUsers(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM digest_entries WHERE due_at <= $1 ORDER BY user_id`, now)
	if err != nil {
		return nil, fmt.Errorf("due digest users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("due digest users: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *PostgresStore) PendingDigest(ctx context.Context, userID string) ([]*DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, notification_id, type, title, created_at, due_at
		FROM digest_entries WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("pending digest: %w", err)
	}
	defer rows.Close()

	var entries []*DigestEntry
	for rows.Next() {
		e := &DigestEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.NotificationID, &e.Type, &e.Title, &e.CreatedAt, &e.DueAt); err != nil {
			return nil, fmt.Errorf("pending digest: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ClearDigest(ctx context.Context, userID string, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM digest_entries WHERE user_id = $1 AND created_at <= $2`, userID, asOf)
	if err != nil {
		return fmt.Errorf("clear digest: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountDigestPending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM digest_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count digest pending: %w", err)
	}
	return count, nil
}

// SyncUsers upserts registry rows for the given IDs. Additive only;
// removing users stays with the user service.
func (s *PostgresStore) SyncUsers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO edge_users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("sync user %s: %w", id, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalData(data map[string]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}
	return raw, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	var data []byte
	var readAt sql.NullTime
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Content, &n.ActionURL,
		&n.Priority, &n.Read, &n.Archived, &data, &n.CreatedAt, &n.UpdatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	if readAt.Valid {
		at := readAt.Time
		n.ReadAt = &at
	}
	return n, nil
}
