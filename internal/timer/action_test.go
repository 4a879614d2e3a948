package timer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction([]byte(`{"type":"notify","payload":{"userId":"u1","title":"Hi","body":"there","channel":"email","meta":{"k":"v"}}}`))
	require.NoError(t, err)
	n, ok := a.(Notify)
	require.True(t, ok)
	assert.Equal(t, Notify{UserID: "u1", Title: "Hi", Body: "there", Channel: "email", Meta: map[string]any{"k": "v"}}, n)
	assert.Equal(t, "notify", a.Kind())

	a, err = DecodeAction([]byte(`{"type":"event","event":"ping","payload":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Name: "ping", Payload: map[string]any{"n": float64(1)}}, a)

	a, err = DecodeAction([]byte(`{"type":"message","channel":"ops","payload":"deploy done"}`))
	require.NoError(t, err)
	assert.Equal(t, Message{Channel: "ops", Payload: "deploy done"}, a)

	a, err = DecodeAction([]byte(`{"type":"event","event":"bare"}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Name: "bare"}, a)
}

func TestDecodeActionErrors(t *testing.T) {
	for name, in := range map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"sms"}`,
		"missing type":    `{"event":"x"}`,
		"notify no user":  `{"type":"notify","payload":{"title":"x"}}`,
		"notify no body":  `{"type":"notify"}`,
		"event no name":   `{"type":"event","payload":1}`,
		"message no chan": `{"type":"message","payload":1}`,
	} {
		_, err := DecodeAction([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidAction, name)
	}
}

type recordingHandler struct{ got []string }

func (r *recordingHandler) HandleNotify(context.Context, Notify) error {
	r.got = append(r.got, "notify")
	return nil
}

func (r *recordingHandler) HandleEvent(context.Context, Event) error {
	r.got = append(r.got, "event")
	return nil
}

func (r *recordingHandler) HandleMessage(context.Context, Message) error {
	r.got = append(r.got, "message")
	return nil
}

func TestApplyRoutesEachVariantToOneMethod(t *testing.T) {
	h := &recordingHandler{}
	for _, a := range []Action{Notify{UserID: "u"}, Event{Name: "e"}, Message{Channel: "c"}} {
		require.NoError(t, a.Apply(context.Background(), h))
	}
	assert.Equal(t, []string{"notify", "event", "message"}, h.got)
	assert.Equal(t, "msg:c", MessageTopic("c"))
}
