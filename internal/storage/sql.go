package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "timerd/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with
// "?" placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool // postgres style $1, $2...
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if s == nil || s.db == nil {
		return Notification{}, ErrDisabled
	}
	n, err := prepareNew(n)
	if err != nil {
		return Notification{}, err
	}
	meta, err := encodeMeta(n.Meta)
	if err != nil {
		return Notification{}, err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO notifications(id, user_id, title, body, channel, meta, read, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`),
		n.ID, n.UserID, n.Title, n.Body, n.Channel, meta, n.Read, n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

const notificationCols = `id, user_id, title, body, channel, meta, read, created_at`

func (s *sqlStore) GetNotification(ctx context.Context, id string) (Notification, error) {
	if s == nil || s.db == nil {
		return Notification{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+notificationCols+` FROM notifications WHERE id = ?`), id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	return n, err
}

func (s *sqlStore) ListNotifications(ctx context.Context, f ListFilter) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.UnreadOnly {
		where = append(where, "read = ?")
		args = append(args, false)
	}
	query := `SELECT ` + notificationCols + ` FROM notifications`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkRead(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE notifications SET read = ? WHERE id = ?`, true, id)
}

func (s *sqlStore) DeleteNotification(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM notifications WHERE id = ?`, id)
}

func (s *sqlStore) PruneRead(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notifications WHERE read = ? AND created_at < ?`), true, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) UserTimezone(ctx context.Context, userID string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	var tz string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT tz FROM user_settings WHERE user_id = ?`), userID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tz, nil
}

func (s *sqlStore) SetUserTimezone(ctx context.Context, userID, tz string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO user_settings(user_id, tz) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET tz = excluded.tz`),
		userID, tz,
	)
	return err
}

func (s *sqlStore) execOne(ctx context.Context, query string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) migrate(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(r rowScanner) (Notification, error) {
	var (
		n       Notification
		meta    sql.NullString
		created int64
	)
	if err := r.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Channel, &meta, &n.Read, &created); err != nil {
		return Notification{}, err
	}
	n.CreatedAt = time.UnixMilli(created)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Meta); err != nil {
			return Notification{}, fmt.Errorf("notification %s: decode meta: %w", n.ID, err)
		}
	}
	return n, nil
}

func encodeMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return string(b), nil
}
