// Package telegram delivers notifications to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"timerd/internal/notify"
	logx "timerd/pkg/logx"
)

// MetaChatID and MetaThreadID override the target chat per notification.
const (
	MetaChatID   = "telegram_chat_id"
	MetaThreadID = "telegram_thread_id"
)

type Config struct {
	Enabled       bool
	Token         string
	Channel       string // notification channel name, default "telegram"
	DefaultChatID int64
	ParseMode     string // "HTML" (default), "Markdown", "MarkdownV2" or "none"
	RatePerSec    int    // default 3
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = "telegram"
	}
	if c.ParseMode == "" {
		c.ParseMode = tele.ModeHTML
	}
	if strings.EqualFold(c.ParseMode, "none") {
		c.ParseMode = tele.ModeDefault
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	return c
}

// Sender is satisfied by *tele.Bot.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Channel struct {
	cfg     Config
	log     logx.Logger
	bot     Sender
	limiter *rate.Limiter
}

// New builds a bot client. The bot is created offline: it only sends and
// never polls for updates.
func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return NewWithSender(cfg, b, log), nil
}

func NewWithSender(cfg Config, bot Sender, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg: cfg,
		log: log,
		bot: bot,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Name is the notification channel this handler is registered under.
func (c *Channel) Name() string { return c.cfg.Channel }

// Handle is a notify.ChannelHandler.
func (c *Channel) Handle(ctx context.Context, p notify.Payload) error {
	chatID, err := metaInt(p.Meta, MetaChatID)
	if err != nil {
		return err
	}
	if chatID == 0 {
		chatID = c.cfg.DefaultChatID
	}
	if chatID == 0 {
		return fmt.Errorf("telegram: no chat for user %s", p.UserID)
	}
	threadID, err := metaInt(p.Meta, MetaThreadID)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	_, err = c.bot.Send(&tele.Chat{ID: chatID}, c.format(p), &tele.SendOptions{
		ParseMode:             c.cfg.ParseMode,
		DisableWebPagePreview: true,
		ThreadID:              int(threadID),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	c.log.Debug("telegram sent", logx.Int64("chat_id", chatID), logx.String("user", p.UserID), logx.Duration("took", time.Since(start)))
	return nil
}

func (c *Channel) format(p notify.Payload) string {
	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	if c.cfg.ParseMode == tele.ModeHTML {
		title = html.EscapeString(title)
		body = html.EscapeString(body)
		if title != "" {
			title = "<b>" + title + "</b>"
		}
	}
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n" + body
	}
}

// metaInt reads an integer meta value that may arrive as a JSON number or string.
func metaInt(meta map[string]any, key string) (int64, error) {
	v, ok := meta[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("telegram: meta %s: %w", key, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("telegram: meta %s: unsupported type %T", key, v)
	}
}
