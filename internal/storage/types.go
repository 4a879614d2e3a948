package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
type Config struct {
	Driver       string
	Path         string        // sqlite only
	DSN          string        // postgres only
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// Notification is one persisted user notification.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	Channel   string
	Meta      map[string]any // stored as a JSON blob
	Read      bool
	CreatedAt time.Time
}

// ListFilter narrows ListNotifications. A zero Limit means no limit.
type ListFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

// Store is the persistence API used by the notification and clock services.
type Store interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	GetNotification(ctx context.Context, id string) (Notification, error)
	// ListNotifications returns newest first.
	ListNotifications(ctx context.Context, f ListFilter) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	// PruneRead deletes read notifications created before cutoff.
	PruneRead(ctx context.Context, cutoff time.Time) (int64, error)

	// UserTimezone returns the IANA zone name stored for userID, or ErrNotFound.
	UserTimezone(ctx context.Context, userID string) (string, error)
	SetUserTimezone(ctx context.Context, userID, tz string) error

	Close() error
}
