package chatsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Presentation events emitted on the bus.
const (
	EventConnectionState = "connection.state"
	EventMessage         = "message"
	EventTyping          = "typing"
	EventPresence        = "presence"
	EventDirectory       = "directory"
	EventError           = "error"

	// EventAll subscribes a handler to every event.
	EventAll = "*"
)

// EventHandler receives presentation events. Handlers run on the bus
// goroutine, one at a time, in emission order.
type EventHandler func(event string, payload any)

// ConnectionEvent reports a connection state transition.
type ConnectionEvent struct {
	State   ConnState     `json:"state"`
	Err     error         `json:"-"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// TypingEvent carries the live typing snapshot of a conversation.
type TypingEvent struct {
	ConversationID string       `json:"conversationId"`
	Users          []TypingUser `json:"users"`
}

// PresenceEvent carries the presence entries that changed.
type PresenceEvent struct {
	Changes []PresenceUpdate `json:"changes"`
}

// DirectoryEvent signals that a conversation entry changed or was removed.
type DirectoryEvent struct {
	ConversationID string `json:"conversationId"`
	Removed        bool   `json:"removed,omitempty"`
}

// ErrorEvent relays a server-side error.
type ErrorEvent struct {
	Message string `json:"message"`
}

type busEvent struct {
	name    string
	payload any
}

// eventBus delivers events in order on its own goroutine so that slow
// presentation code never stalls the sync loop.
type eventBus struct {
	log zerolog.Logger

	mu        sync.Mutex
	listeners map[string][]EventHandler
	pending   []busEvent
	closed    bool

	wake    chan struct{}
	stopped chan struct{}
}

func newEventBus(log zerolog.Logger) *eventBus {
	b := &eventBus{
		log:       log,
		listeners: make(map[string][]EventHandler),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *eventBus) On(event string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], handler)
}

func (b *eventBus) emit(event string, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, busEvent{name: event, payload: payload})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *eventBus) run() {
	defer close(b.stopped)
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.pending) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := b.pending[0]
			b.pending = b.pending[1:]
			handlers := append([]EventHandler{}, b.listeners[ev.name]...)
			handlers = append(handlers, b.listeners[EventAll]...)
			b.mu.Unlock()

			for _, h := range handlers {
				b.deliver(h, ev)
			}
		}
	}
}

func (b *eventBus) deliver(h EventHandler, ev busEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", ev.name).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h(ev.name, ev.payload)
}

// close flushes what is already queued and stops the dispatcher.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.stopped
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.stopped
}
