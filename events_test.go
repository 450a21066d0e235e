package chatsync

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusOrder(t *testing.T) {
	b := newEventBus(zerolog.Nop())
	var (
		mu  sync.Mutex
		got []any
	)
	b.On(EventMessage, func(_ string, p any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
	})

	for i := range 100 {
		b.emit(EventMessage, i)
	}
	b.close()

	require.Len(t, got, 100, "close flushes queued events")
	for i, p := range got {
		assert.Equal(t, i, p)
	}
}

func TestEventBusWildcardAndPanics(t *testing.T) {
	b := newEventBus(zerolog.Nop())
	rec := &recorder{}
	b.On(EventTyping, func(string, any) { panic("boom") })
	b.On(EventAll, rec.handler)

	b.emit(EventTyping, TypingEvent{ConversationID: "c1"})
	b.emit(EventPresence, PresenceEvent{})
	b.close()

	assert.Len(t, rec.named(EventTyping), 1)
	assert.Len(t, rec.named(EventPresence), 1)
}

func TestEventBusEmitAfterClose(t *testing.T) {
	b := newEventBus(zerolog.Nop())
	rec := &recorder{}
	b.On(EventAll, rec.handler)
	b.close()
	b.close()

	b.emit(EventError, ErrorEvent{Message: "late"})
	assert.Empty(t, rec.named(EventError))
}
