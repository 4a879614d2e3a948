package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action describes what a timer does when it fires. The set of variants is
// closed: Notify, Event and Message.
type Action interface {
	// Apply calls the handler method matching the variant.
	Apply(ctx context.Context, h ActionHandler) error
	// Kind is the wire tag: "notify", "event" or "message".
	Kind() string
	sealed()
}

// ActionHandler has one method per Action variant. Adding a variant adds a
// method here, which breaks every dispatcher until it handles it.
type ActionHandler interface {
	HandleNotify(ctx context.Context, a Notify) error
	HandleEvent(ctx context.Context, a Event) error
	HandleMessage(ctx context.Context, a Message) error
}

// Notify delivers a notification to a user.
type Notify struct {
	UserID  string         `json:"userId"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Channel string         `json:"channel,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Event is published on the bus under Name.
type Event struct {
	Name    string
	Payload any
}

// Message is published on the bus under "msg:" + Channel.
type Message struct {
	Channel string
	Payload any
}

func (a Notify) Apply(ctx context.Context, h ActionHandler) error  { return h.HandleNotify(ctx, a) }
func (a Event) Apply(ctx context.Context, h ActionHandler) error   { return h.HandleEvent(ctx, a) }
func (a Message) Apply(ctx context.Context, h ActionHandler) error { return h.HandleMessage(ctx, a) }

func (Notify) Kind() string  { return "notify" }
func (Event) Kind() string   { return "event" }
func (Message) Kind() string { return "message" }

func (Notify) sealed()  {}
func (Event) sealed()   {}
func (Message) sealed() {}

var ErrInvalidAction = errors.New("invalid action")

// MessageTopic is the bus event name a Message action is published under.
func MessageTopic(channel string) string { return "msg:" + channel }

type actionWire struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeAction parses the JSON form used by request handlers:
//
//	{"type":"notify","payload":{"userId":"u1","title":"Hi","body":"there"}}
//	{"type":"event","event":"ping","payload":{"n":1}}
//	{"type":"message","channel":"ops","payload":"deploy done"}
func DecodeAction(b []byte) (Action, error) {
	var w actionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "notify":
		var n Notify
		if len(w.Payload) == 0 {
			return nil, fmt.Errorf("%w: notify payload required", ErrInvalidAction)
		}
		if err := json.Unmarshal(w.Payload, &n); err != nil {
			return nil, fmt.Errorf("%w: notify payload: %v", ErrInvalidAction, err)
		}
		if strings.TrimSpace(n.UserID) == "" {
			return nil, fmt.Errorf("%w: notify userId required", ErrInvalidAction)
		}
		return n, nil
	case "event":
		if strings.TrimSpace(w.Event) == "" {
			return nil, fmt.Errorf("%w: event name required", ErrInvalidAction)
		}
		p, err := decodePayload(w.Payload)
		if err != nil {
			return nil, err
		}
		return Event{Name: w.Event, Payload: p}, nil
	case "message":
		if strings.TrimSpace(w.Channel) == "" {
			return nil, fmt.Errorf("%w: message channel required", ErrInvalidAction)
		}
		p, err := decodePayload(w.Payload)
		if err != nil {
			return nil, err
		}
		return Message{Channel: w.Channel, Payload: p}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, w.Type)
	}
}

func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidAction, err)
	}
	return v, nil
}

func validAction(a Action) error {
	switch v := a.(type) {
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidAction)
	case Notify:
		if strings.TrimSpace(v.UserID) == "" {
			return fmt.Errorf("%w: notify userId required", ErrInvalidAction)
		}
	case Event:
		if strings.TrimSpace(v.Name) == "" {
			return fmt.Errorf("%w: event name required", ErrInvalidAction)
		}
	case Message:
		if strings.TrimSpace(v.Channel) == "" {
			return fmt.Errorf("%w: message channel required", ErrInvalidAction)
		}
	}
	return nil
}
