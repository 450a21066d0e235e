package chatsync

import (
	"slices"
	"strings"
)

// directory holds the conversation list. It keeps only a back-reference
// to each conversation's last message; previews resolve through the
// message store.
type directory struct {
	self   func() string
	latest func(conv string) *Message

	entries  map[string]*Conversation
	order    []string
	selected string
}

func newDirectory(self func() string, latest func(string) *Message) *directory {
	return &directory{
		self:    self,
		latest:  latest,
		entries: make(map[string]*Conversation),
	}
}

func (d *directory) sort() {
	d.order = d.order[:0]
	for id := range d.entries {
		d.order = append(d.order, id)
	}
	slices.SortFunc(d.order, func(a, b string) int {
		ca, cb := d.entries[a], d.entries[b]
		if c := cb.LastActivity.Compare(ca.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}

// upsert inserts or replaces an entry by ID. Fields the update leaves
// empty keep their current value, and activity never moves backwards.
func (d *directory) upsert(c Conversation) {
	c = c.clone()
	if old, ok := d.entries[c.ID]; ok {
		if c.LastActivity.Before(old.LastActivity) {
			c.LastActivity = old.LastActivity
		}
		if c.LastMessageID == "" {
			c.LastMessageID = old.LastMessageID
		}
		if c.Kind == "" {
			c.Kind = old.Kind
		}
		if c.Participants == nil {
			c.Participants = old.Participants
		}
	}
	if m := d.latest(c.ID); m != nil {
		c.LastMessageID = m.ID
		if m.CreatedAt.After(c.LastActivity) {
			c.LastActivity = m.CreatedAt
		}
	}
	if c.ID == d.selected || c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	d.entries[c.ID] = &c
	d.sort()
}

// ensure returns the entry for id, creating a stub for a conversation
// the directory has not been told about yet.
func (d *directory) ensure(id string) (*Conversation, bool) {
	c, ok := d.entries[id]
	if !ok {
		c = &Conversation{ID: id}
		d.entries[id] = c
		d.sort()
	}
	return c, !ok
}

// onMessage folds a message mutation into the directory. It reports
// whether the conversation entry changed.
func (d *directory) onMessage(ev MessageEvent) bool {
	conv := ev.Message.ConversationID
	if conv == "" {
		return false
	}
	switch ev.Kind {
	case MessageInserted, MessageReconciled:
		c, created := d.ensure(conv)
		before := *c
		if m := d.latest(conv); m != nil {
			c.LastMessageID = m.ID
		}
		if ev.Message.CreatedAt.After(c.LastActivity) {
			c.LastActivity = ev.Message.CreatedAt
		}
		if ev.Kind == MessageInserted && ev.Live && ev.Message.SenderID != d.self() && conv != d.selected {
			c.UnreadCount++
		}
		changed := created || c.LastMessageID != before.LastMessageID || !c.LastActivity.Equal(before.LastActivity) ||
			c.UnreadCount != before.UnreadCount
		if changed {
			d.sort()
		}
		return changed
	case MessageRemoved:
		c, ok := d.entries[conv]
		if !ok || (c.LastMessageID != ev.Message.ID && c.LastMessageID != ev.PreviousID) {
			return false
		}
		c.LastMessageID = ""
		if m := d.latest(conv); m != nil {
			c.LastMessageID = m.ID
		}
		return true
	}
	return false
}

// selectConversation marks id active and clears its unread count. It
// reports whether anything changed.
func (d *directory) selectConversation(id string) bool {
	c, _ := d.ensure(id)
	changed := d.selected != id || c.UnreadCount != 0
	d.selected = id
	c.UnreadCount = 0
	if changed {
		d.sort()
	}
	return changed
}

func (d *directory) zeroUnread(id string) bool {
	c, ok := d.entries[id]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

func (d *directory) remove(id string) bool {
	if _, ok := d.entries[id]; !ok {
		return false
	}
	delete(d.entries, id)
	if d.selected == id {
		d.selected = ""
	}
	d.sort()
	return true
}

func (d *directory) get(id string) (Conversation, bool) {
	c, ok := d.entries[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// list returns copies ordered by last activity, newest first.
func (d *directory) list() []Conversation {
	out := make([]Conversation, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.entries[id].clone())
	}
	return out
}
