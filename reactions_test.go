package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMergerFixture(t *testing.T) (*syncFixture, *reactionMerger) {
	f := newSyncFixture(t, nil)
	require.NoError(t, f.s.applyAuthoritative(Message{ID: "m1", ConversationID: "c1", SenderID: "u2"}, "", true))
	require.NoError(t, f.s.applyAuthoritative(Message{ID: "m2", ConversationID: "c1", SenderID: "me"}, "", true))
	return f, &reactionMerger{store: f.s}
}

func TestAddReaction(t *testing.T) {
	t.Run("redelivery keeps one record", func(t *testing.T) {
		f, r := newMergerFixture(t)
		at := f.clock.Now()

		changed, err := r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3", CreatedAt: at}, true)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3", CreatedAt: at}, true)
		require.NoError(t, err)
		assert.False(t, changed)

		m, _ := f.s.get("m1")
		assert.Len(t, m.Reactions, 1)
	})

	t.Run("newer timestamp moves forward only", func(t *testing.T) {
		f, r := newMergerFixture(t)
		at := f.clock.Now()
		_, err := r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3", CreatedAt: at}, true)
		require.NoError(t, err)

		changed, _ := r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3", CreatedAt: at.Add(-time.Hour)}, true)
		assert.False(t, changed)
		changed, _ = r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3", CreatedAt: at.Add(time.Minute)}, true)
		assert.True(t, changed)

		m, _ := f.s.get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, at.Add(time.Minute), m.Reactions[0].CreatedAt)
	})

	t.Run("different users and emoji coexist", func(t *testing.T) {
		f, r := newMergerFixture(t)
		for _, rx := range []Reaction{
			{Emoji: "👍", UserID: "u3"},
			{Emoji: "👍", UserID: "u4"},
			{Emoji: "🎉", UserID: "u3"},
		} {
			_, err := r.addReaction("m1", rx, true)
			require.NoError(t, err)
		}
		m, _ := f.s.get("m1")
		assert.Len(t, m.Reactions, 3)
		for _, rx := range m.Reactions {
			assert.False(t, rx.CreatedAt.IsZero())
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		_, r := newMergerFixture(t)
		_, err := r.addReaction("nope", Reaction{Emoji: "👍", UserID: "u3"}, true)
		assert.ErrorIs(t, err, ErrUnknownMessage)
	})
}

func TestRemoveReaction(t *testing.T) {
	f, r := newMergerFixture(t)
	_, err := r.addReaction("m1", Reaction{Emoji: "👍", UserID: "u3"}, true)
	require.NoError(t, err)
	before := len(f.events)

	changed, err := r.removeReaction("m1", "u3", "🎉", true)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, len(f.events))

	changed, err = r.removeReaction("m1", "u3", "👍", true)
	require.NoError(t, err)
	assert.True(t, changed)
	m, _ := f.s.get("m1")
	assert.Empty(t, m.Reactions)

	changed, err = r.removeReaction("m1", "u3", "👍", true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestLocalReactionRollback(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		f, r := newMergerFixture(t)
		undo, err := r.localAdd("m1", "❤️")
		require.NoError(t, err)

		m, _ := f.s.get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, "me", m.Reactions[0].UserID)

		undo()
		m, _ = f.s.get("m1")
		assert.Empty(t, m.Reactions)
	})

	t.Run("add of an existing reaction undoes nothing", func(t *testing.T) {
		f, r := newMergerFixture(t)
		_, err := r.addReaction("m1", Reaction{Emoji: "❤️", UserID: "me"}, true)
		require.NoError(t, err)

		undo, err := r.localAdd("m1", "❤️")
		require.NoError(t, err)
		undo()

		m, _ := f.s.get("m1")
		assert.Len(t, m.Reactions, 1)
	})

	t.Run("remove", func(t *testing.T) {
		f, r := newMergerFixture(t)
		at := f.clock.Now().Add(-time.Minute)
		_, err := r.addReaction("m1", Reaction{Emoji: "❤️", UserID: "me", CreatedAt: at}, true)
		require.NoError(t, err)

		undo, err := r.localRemove("m1", "❤️")
		require.NoError(t, err)
		m, _ := f.s.get("m1")
		assert.Empty(t, m.Reactions)

		undo()
		m, _ = f.s.get("m1")
		require.Len(t, m.Reactions, 1)
		assert.Equal(t, at, m.Reactions[0].CreatedAt)
	})
}

func TestApplyRead(t *testing.T) {
	t.Run("reader raises to read", func(t *testing.T) {
		f, r := newMergerFixture(t)

		unknown := r.applyRead("c1", "u2", []string{"m2", "ghost"})

		assert.Equal(t, []string{"ghost"}, unknown)
		m, _ := f.s.get("m2")
		assert.Equal(t, StatusRead, m.Status)
		assert.Equal(t, []string{"u2"}, m.ReadBy)
	})

	t.Run("sender reading own message does not raise", func(t *testing.T) {
		f, r := newMergerFixture(t)

		r.applyRead("c1", "me", []string{"m2"})

		m, _ := f.s.get("m2")
		assert.Equal(t, StatusSent, m.Status)
		assert.True(t, m.HasRead("me"))
	})

	t.Run("receipts only add", func(t *testing.T) {
		f, r := newMergerFixture(t)
		r.applyRead("c1", "u3", []string{"m2"})
		r.applyRead("c1", "u2", []string{"m2"})
		before := len(f.events)
		r.applyRead("c1", "u3", []string{"m2"})

		m, _ := f.s.get("m2")
		assert.Equal(t, []string{"u2", "u3"}, m.ReadBy)
		assert.Equal(t, before, len(f.events), "a repeated receipt changes nothing")
	})

	t.Run("wrong conversation is unknown", func(t *testing.T) {
		_, r := newMergerFixture(t)
		assert.Equal(t, []string{"m1"}, r.applyRead("c2", "u3", []string{"m1"}))
	})
}

func TestUnreadBy(t *testing.T) {
	f, r := newMergerFixture(t)
	f.s.createPending("c1", "draft", &SendOptions{})
	require.NoError(t, f.s.applyAuthoritative(Message{ID: "m3", ConversationID: "c1", SenderID: "u4"}, "", true))
	r.applyRead("c1", "me", []string{"m3"})

	assert.Equal(t, []string{"m1"}, r.unreadBy("c1", "me"))
}
