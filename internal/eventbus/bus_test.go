package eventbus

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timerd/pkg/logx"
)

func TestEmitRegistrationOrder(t *testing.T) {
	b := New(logx.Nop())
	var got []int
	b.On("ping", func(Event) { got = append(got, 1) })
	b.On("ping", func(Event) { got = append(got, 2) })
	b.On("ping", func(Event) { got = append(got, 3) })

	n := b.Emit("ping", nil)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, got)

	b.Emit("ping", nil)
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, got)
}

func TestEmitWithoutSubscribers(t *testing.T) {
	b := New(logx.Nop())
	assert.Zero(t, b.Emit("nobody", 1))
}

func TestPayloadAndName(t *testing.T) {
	b := New(logx.Nop())
	var seen Event
	b.On("user.created", func(e Event) { seen = e })
	b.Emit("user.created", map[string]any{"n": 1})
	assert.Equal(t, "user.created", seen.Name)
	assert.Equal(t, map[string]any{"n": 1}, seen.Payload)
	assert.False(t, seen.Time.IsZero())
}

func TestOnceDeregistersEvenOnPanic(t *testing.T) {
	b := New(logx.Nop())
	var calls int
	b.Once("x", func(Event) {
		calls++
		panic("handler failure")
	})
	var after int
	b.On("x", func(Event) { after++ })

	b.Emit("x", nil)
	b.Emit("x", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, after, "a panicking handler must not stop later handlers")
	assert.Equal(t, 1, b.Count("x"))
}

func TestOff(t *testing.T) {
	b := New(logx.Nop())
	var a, c int
	subA := b.On("e", func(Event) { a++ })
	b.On("e", func(Event) { c++ })

	b.Off(subA)
	b.Off(subA)
	b.Emit("e", nil)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, c)

	b.Off(Subscription{name: "missing", id: 42})
}

func TestLateSubscriberMissesEmission(t *testing.T) {
	b := New(logx.Nop())
	b.Emit("early", 1)
	var calls int
	b.On("early", func(Event) { calls++ })
	assert.Zero(t, calls)
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	b := New(logx.Nop())
	var sub Subscription
	var calls int
	sub = b.On("e", func(Event) {
		calls++
		b.Off(sub)
	})
	b.Emit("e", nil)
	b.Emit("e", nil)
	assert.Equal(t, 1, calls)
}

func TestGoFailureBoundary(t *testing.T) {
	var buf bytes.Buffer
	b := New(logx.NewWriter(&buf, "debug"))
	var ran atomic.Int32

	b.On("job", func(Event) {
		b.Go("job.async", func() error {
			ran.Add(1)
			return errors.New("downstream down")
		})
		b.Go("job.panic", func() error {
			ran.Add(1)
			panic("oops")
		})
	})
	require.Equal(t, 1, b.Emit("job", nil))
	b.Wait()

	assert.EqualValues(t, 2, ran.Load())
	assert.Contains(t, buf.String(), "downstream down")
	assert.Contains(t, buf.String(), "panic: oops")
}
