package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTypingFixture() (*typingCoordinator, *fakeClock) {
	clk := newFakeClock()
	cfg := DefaultConfig().Sync
	return newTypingCoordinator(&cfg, clk, clk.AfterFunc, func() string { return "me" }), clk
}

func TestLocalTyping(t *testing.T) {
	t.Run("start is sent once per session", func(t *testing.T) {
		tc, clk := newTypingFixture()
		idle := 0

		assert.True(t, tc.startLocal("c1", func() { idle++ }))
		clk.Advance(2 * time.Second)
		assert.False(t, tc.startLocal("c1", func() { idle++ }))
		clk.Advance(2 * time.Second)
		assert.Equal(t, 0, idle, "renewal pushes the idle deadline")

		clk.Advance(time.Second)
		assert.Equal(t, 1, idle)
		assert.True(t, tc.startLocal("c1", func() {}), "a new session starts after idle")
	})

	t.Run("stop cancels the idle timer", func(t *testing.T) {
		tc, clk := newTypingFixture()
		idle := 0
		tc.startLocal("c1", func() { idle++ })

		assert.True(t, tc.stopLocal("c1"))
		assert.False(t, tc.stopLocal("c1"))
		clk.Advance(time.Minute)
		assert.Equal(t, 0, idle)
		assert.Equal(t, 0, clk.pending())
	})

	t.Run("sessions are per conversation", func(t *testing.T) {
		tc, _ := newTypingFixture()
		assert.True(t, tc.startLocal("c1", func() {}))
		assert.True(t, tc.startLocal("c2", func() {}))
	})
}

func TestRemoteTyping(t *testing.T) {
	start := func(user string) *UserTypingPayload {
		return &UserTypingPayload{ConversationID: "c1", UserID: user, Username: user, Typing: true}
	}

	t.Run("expires without renewal", func(t *testing.T) {
		tc, clk := newTypingFixture()
		expired := 0

		assert.True(t, tc.applyRemote(start("u2"), func() { expired++ }))
		require.Len(t, tc.users("c1"), 1)

		clk.Advance(3 * time.Second)
		assert.Equal(t, 1, expired)
		assert.Empty(t, tc.users("c1"))
	})

	t.Run("renewal keeps the entry", func(t *testing.T) {
		tc, clk := newTypingFixture()
		expired := 0
		tc.applyRemote(start("u2"), func() { expired++ })

		clk.Advance(2 * time.Second)
		assert.False(t, tc.applyRemote(start("u2"), func() { expired++ }))
		clk.Advance(2 * time.Second)

		assert.Equal(t, 0, expired)
		assert.Len(t, tc.users("c1"), 1)
	})

	t.Run("explicit stop", func(t *testing.T) {
		tc, clk := newTypingFixture()
		tc.applyRemote(start("u2"), func() { t.Fatal("expired after stop") })

		assert.True(t, tc.applyRemote(&UserTypingPayload{ConversationID: "c1", UserID: "u2"}, nil))
		assert.False(t, tc.applyRemote(&UserTypingPayload{ConversationID: "c1", UserID: "u2"}, nil))
		clk.Advance(time.Minute)
		assert.Empty(t, tc.users("c1"))
	})

	t.Run("self is ignored", func(t *testing.T) {
		tc, _ := newTypingFixture()
		assert.False(t, tc.applyRemote(start("me"), func() {}))
		assert.Empty(t, tc.users("c1"))
	})

	t.Run("stale entries are hidden before their timer fires", func(t *testing.T) {
		tc, clk := newTypingFixture()
		tc.applyRemote(start("u2"), func() {})
		// move the clock without running timers
		clk.mu.Lock()
		clk.now = clk.now.Add(4 * time.Second)
		clk.mu.Unlock()

		assert.Empty(t, tc.users("c1"))
		assert.True(t, tc.applyRemote(start("u2"), func() {}), "a stale entry that renews becomes visible")
	})

	t.Run("ordered by user", func(t *testing.T) {
		tc, _ := newTypingFixture()
		tc.applyRemote(start("zed"), func() {})
		tc.applyRemote(start("amy"), func() {})

		users := tc.users("c1")
		require.Len(t, users, 2)
		assert.Equal(t, "amy", users[0].UserID)
		assert.Equal(t, "zed", users[1].UserID)
	})
}

func TestTypingTeardownAndClear(t *testing.T) {
	tc, clk := newTypingFixture()
	tc.startLocal("c1", func() { t.Fatal("idle after teardown") })
	tc.applyRemote(&UserTypingPayload{ConversationID: "c1", UserID: "u2", Typing: true}, func() { t.Fatal("expired after teardown") })
	tc.applyRemote(&UserTypingPayload{ConversationID: "c2", UserID: "u2", Typing: true}, func() {})
	tc.applyRemote(&UserTypingPayload{ConversationID: "c3", UserID: "u3", Typing: true}, func() {})

	tc.teardown("c1")
	assert.Empty(t, tc.users("c1"))

	assert.Equal(t, []string{"c2", "c3"}, tc.clear())
	assert.Equal(t, 0, clk.pending())
	clk.Advance(time.Minute)

	assert.False(t, tc.removeUser("c9", "u9"))
}
