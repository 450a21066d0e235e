package chatsync

import (
	"slices"
)

// addReader inserts userID into a sorted reader set.
func addReader(readBy []string, userID string) []string {
	i, found := slices.BinarySearch(readBy, userID)
	if found {
		return readBy
	}
	return slices.Insert(readBy, i, userID)
}

func findReaction(rs []Reaction, userID, emoji string) int {
	return slices.IndexFunc(rs, func(r Reaction) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
}

// reactionMerger applies reactions and read receipts to the messages
// owned by messageSync. Every operation is idempotent.
type reactionMerger struct {
	store *messageSync
}

// addReaction upserts one (user, emoji) record. A redelivery keeps the
// single record and only moves its timestamp forward.
func (r *reactionMerger) addReaction(messageID string, rx Reaction, live bool) (bool, error) {
	m, ok := r.store.get(messageID)
	if !ok {
		return false, ErrUnknownMessage
	}
	if i := findReaction(m.Reactions, rx.UserID, rx.Emoji); i >= 0 {
		if rx.CreatedAt.After(m.Reactions[i].CreatedAt) {
			m.Reactions[i].CreatedAt = rx.CreatedAt
			r.store.notify(MessageUpdated, m, "", live, nil)
			return true, nil
		}
		return false, nil
	}
	if rx.CreatedAt.IsZero() {
		rx.CreatedAt = r.store.clock.Now()
	}
	m.Reactions = append(m.Reactions, rx)
	r.store.notify(MessageUpdated, m, "", live, nil)
	return true, nil
}

// removeReaction deletes one (user, emoji) record; absent is a no-op.
func (r *reactionMerger) removeReaction(messageID, userID, emoji string, live bool) (bool, error) {
	m, ok := r.store.get(messageID)
	if !ok {
		return false, ErrUnknownMessage
	}
	i := findReaction(m.Reactions, userID, emoji)
	if i < 0 {
		return false, nil
	}
	m.Reactions = slices.Delete(m.Reactions, i, i+1)
	r.store.notify(MessageUpdated, m, "", live, nil)
	return true, nil
}

// localAdd applies the local user's reaction optimistically and returns
// the rollback for a failed write.
func (r *reactionMerger) localAdd(messageID, emoji string) (func(), error) {
	self := r.store.self()
	changed, err := r.addReaction(messageID, Reaction{Emoji: emoji, UserID: self}, true)
	if err != nil {
		return nil, err
	}
	if !changed {
		return func() {}, nil
	}
	return func() {
		if _, err := r.removeReaction(messageID, self, emoji, true); err != nil {
			r.store.log.Debug().Str("message_id", messageID).Err(err).Msg("reaction rollback skipped")
		}
	}, nil
}

// localRemove removes the local user's reaction optimistically and
// returns the rollback for a failed write.
func (r *reactionMerger) localRemove(messageID, emoji string) (func(), error) {
	self := r.store.self()
	m, ok := r.store.get(messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	i := findReaction(m.Reactions, self, emoji)
	if i < 0 {
		return func() {}, nil
	}
	saved := m.Reactions[i]
	if _, err := r.removeReaction(messageID, self, emoji, true); err != nil {
		return nil, err
	}
	return func() {
		if _, err := r.addReaction(messageID, saved, true); err != nil {
			r.store.log.Debug().Str("message_id", messageID).Err(err).Msg("reaction rollback skipped")
		}
	}, nil
}

// applyRead adds reader to each named message of conv. A reader other
// than the sender raises the message to read. Unknown IDs are skipped
// and returned.
func (r *reactionMerger) applyRead(conv, reader string, ids []string) (unknown []string) {
	for _, id := range ids {
		m, ok := r.store.get(id)
		if !ok || m.ConversationID != conv {
			unknown = append(unknown, id)
			continue
		}
		changed := false
		if !m.HasRead(reader) {
			m.ReadBy = addReader(m.ReadBy, reader)
			changed = true
		}
		if reader != m.SenderID && r.store.raise(m, StatusRead) {
			changed = true
		}
		if changed {
			r.store.notify(MessageUpdated, m, "", true, nil)
		}
	}
	return unknown
}

// unreadBy lists the messages of conv from other senders that reader has
// not acknowledged yet.
func (r *reactionMerger) unreadBy(conv, reader string) []string {
	var ids []string
	for _, m := range r.store.byConv[conv] {
		if m.SenderID == reader || m.Status == StatusPending || m.Status == StatusFailed {
			continue
		}
		if !m.HasRead(reader) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
