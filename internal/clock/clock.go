// Package clock supplies absolute-time semantics and per-user timezones.
package clock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	logx "timerd/pkg/logx"
)

var ErrInvalidTime = errors.New("invalid time")

// Accepted by Parse, tried in order. Layouts without a zone are read in
// the service's default location.
var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Named layouts for Format.
var namedLayouts = map[string]string{
	"":         time.RFC3339,
	"rfc3339":  time.RFC3339,
	"date":     "2006-01-02",
	"datetime": "2006-01-02 15:04",
	"time":     "15:04",
	"kitchen":  time.Kitchen,
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
}

// TimezoneSource looks up a user's stored zone name.
type TimezoneSource interface {
	UserTimezone(ctx context.Context, userID string) (string, error)
}

type Option func(*Service)

// WithNow replaces the wall clock, mostly for tests.
func WithNow(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

type Service struct {
	loc *time.Location
	tz  TimezoneSource
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, tz TimezoneSource, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if name := strings.TrimSpace(cfg.Timezone); name != "" {
		l, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("clock: timezone %q: %w", name, err)
		}
		loc = l
	}
	s := &Service{loc: loc, tz: tz, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Now() time.Time { return s.now().In(s.loc) }

// Parse reads an absolute time. Failures wrap ErrInvalidTime.
func (s *Service) Parse(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTime)
	}
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, v, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q (want RFC3339, YYYY-MM-DD HH:MM or YYYY-MM-DD)", ErrInvalidTime, v)
}

// Format renders t in the default location. layout is a Go layout or one
// of the names "rfc3339", "date", "datetime", "time", "kitchen".
func (s *Service) Format(t time.Time, layout string) string {
	if l, ok := namedLayouts[strings.ToLower(strings.TrimSpace(layout))]; ok {
		layout = l
	}
	return t.In(s.loc).Format(layout)
}

// ToUserTz converts t to the user's stored zone. An unknown user, a lookup
// failure or an invalid zone falls back to the default location.
func (s *Service) ToUserTz(ctx context.Context, t time.Time, userID string) time.Time {
	return t.In(s.UserLocation(ctx, userID))
}

func (s *Service) UserLocation(ctx context.Context, userID string) *time.Location {
	if s.tz == nil || strings.TrimSpace(userID) == "" {
		return s.loc
	}
	name, err := s.tz.UserTimezone(ctx, userID)
	if err != nil || strings.TrimSpace(name) == "" {
		return s.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn("user timezone invalid; using default", logx.String("user", userID), logx.String("tz", name), logx.Err(err))
		return s.loc
	}
	return loc
}
