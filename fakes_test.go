package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due, in
// deadline order, outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var keep []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *fakeTimer) int { return a.at.Compare(b.at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// ============================================================================
// Transport
// ============================================================================

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	pingErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

// newAuthedConn returns a connection whose first frame authenticates userID.
func newAuthedConn(t *testing.T, userID string) *fakeConn {
	c := newFakeConn()
	c.push(t, EvtAuthenticated, AuthenticatedPayload{UserID: userID, Username: userID})
	return c
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return d, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) push(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) pushRaw(data string) {
	c.in <- []byte(data)
}

// drop ends the stream as if the server went away.
func (c *fakeConn) drop() {
	close(c.in)
}

type sentCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *fakeConn) commands(t *testing.T) []sentCommand {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentCommand, 0, len(c.written))
	for _, d := range c.written {
		var cmd sentCommand
		require.NoError(t, json.Unmarshal(d, &cmd))
		out = append(out, cmd)
	}
	return out
}

func (c *fakeConn) commandsOf(t *testing.T, typ string) []sentCommand {
	var out []sentCommand
	for _, cmd := range c.commands(t) {
		if cmd.Type == typ {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	tokens []string
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) add(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// ============================================================================
// Backend
// ============================================================================

type fakeBackend struct {
	mu            sync.Mutex
	conversations ConversationPage
	history       map[string]MessagePage
	sendFn        func(conv string, msg OutgoingMessage) (*Message, error)
	sent          []OutgoingMessage
	markedRead    []string
	left          []string
	err           error
}

func (b *fakeBackend) ListConversations(context.Context, PageRequest) (*ConversationPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	p := b.conversations
	return &p, nil
}

func (b *fakeBackend) ListMessages(_ context.Context, conv string, _ PageRequest) (*MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	p := b.history[conv]
	return &p, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, conv string, msg OutgoingMessage) (*Message, error) {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	fn := b.sendFn
	b.mu.Unlock()
	return fn(conv, msg)
}

func (b *fakeBackend) MarkAllRead(_ context.Context, conv string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markedRead = append(b.markedRead, conv)
	return b.err
}

func (b *fakeBackend) LeaveConversation(_ context.Context, conv string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.left = append(b.left, conv)
	return nil
}

// ============================================================================
// Event recorder
// ============================================================================

type recordedEvent struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) handler(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name, payload})
}

func (r *recorder) named(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.name == name {
			out = append(out, ev.payload)
		}
	}
	return out
}

func (r *recorder) states() []ConnState {
	var out []ConnState
	for _, p := range r.named(EventConnectionState) {
		out = append(out, p.(ConnectionEvent).State)
	}
	return out
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
