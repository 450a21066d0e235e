package chatsync

import (
	"slices"
	"strings"
	"time"
)

type localTyping struct {
	timer Timer
	gen   uint64
}

type remoteTyping struct {
	user  TypingUser
	timer Timer
	gen   uint64
}

// typingCoordinator tracks the local user's typing session per
// conversation and the remote typers with their expiry timers. Timer
// callbacks carry a generation so a late fire after a renewal is a no-op.
type typingCoordinator struct {
	idle   time.Duration
	expiry time.Duration
	clock  Clock
	after  func(time.Duration, func()) Timer
	self   func() string

	gen    uint64
	local  map[string]*localTyping
	remote map[string]map[string]*remoteTyping
}

func newTypingCoordinator(cfg *SyncConfig, clock Clock, after func(time.Duration, func()) Timer, self func() string) *typingCoordinator {
	return &typingCoordinator{
		idle:   cfg.TypingIdle,
		expiry: cfg.TypingExpiry,
		clock:  clock,
		after:  after,
		self:   self,
		local:  make(map[string]*localTyping),
		remote: make(map[string]map[string]*remoteTyping),
	}
}

// startLocal opens or renews the local session. It returns true when a
// typing_start must be sent. onIdle runs on the loop when the session
// lapses without renewal.
func (t *typingCoordinator) startLocal(conv string, onIdle func()) bool {
	t.gen++
	gen := t.gen
	fire := func() {
		s, ok := t.local[conv]
		if !ok || s.gen != gen {
			return
		}
		delete(t.local, conv)
		onIdle()
	}

	if s, ok := t.local[conv]; ok {
		s.timer.Stop()
		s.gen = gen
		s.timer = t.after(t.idle, fire)
		return false
	}
	t.local[conv] = &localTyping{gen: gen, timer: t.after(t.idle, fire)}
	return true
}

// stopLocal ends the session. It returns true when a typing_stop must be
// sent, false if there was nothing to stop.
func (t *typingCoordinator) stopLocal(conv string) bool {
	s, ok := t.local[conv]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(t.local, conv)
	return true
}

// applyRemote records a user_typing event. It returns true when the
// visible snapshot for conv changed. onExpire runs on the loop when the
// entry lapses.
func (t *typingCoordinator) applyRemote(p *UserTypingPayload, onExpire func()) bool {
	if p.UserID == t.self() {
		return false
	}
	users := t.remote[p.ConversationID]

	if !p.Typing {
		e, ok := users[p.UserID]
		if !ok {
			return false
		}
		e.timer.Stop()
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(t.remote, p.ConversationID)
		}
		return true
	}

	if users == nil {
		users = make(map[string]*remoteTyping)
		t.remote[p.ConversationID] = users
	}
	t.gen++
	gen := t.gen
	conv, uid := p.ConversationID, p.UserID
	fire := func() {
		e, ok := t.remote[conv][uid]
		if !ok || e.gen != gen {
			return
		}
		delete(t.remote[conv], uid)
		if len(t.remote[conv]) == 0 {
			delete(t.remote, conv)
		}
		onExpire()
	}

	now := t.clock.Now()
	e, existed := users[uid]
	visible := existed && now.Sub(e.user.UpdatedAt) < t.expiry
	if existed {
		e.timer.Stop()
	} else {
		e = &remoteTyping{}
		users[uid] = e
	}
	e.user = TypingUser{UserID: uid, Username: p.Username, UpdatedAt: now}
	e.gen = gen
	e.timer = t.after(t.expiry, fire)
	return !visible
}

// users returns the live typers of conv ordered by user ID. Entries past
// the expiry window are left out even if their timer has not fired.
func (t *typingCoordinator) users(conv string) []TypingUser {
	now := t.clock.Now()
	var out []TypingUser
	for _, e := range t.remote[conv] {
		if now.Sub(e.user.UpdatedAt) >= t.expiry {
			continue
		}
		out = append(out, e.user)
	}
	slices.SortFunc(out, func(a, b TypingUser) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// removeUser drops a remote typer, e.g. once their message lands.
func (t *typingCoordinator) removeUser(conv, userID string) bool {
	e, ok := t.remote[conv][userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.remote[conv], userID)
	if len(t.remote[conv]) == 0 {
		delete(t.remote, conv)
	}
	return true
}

// teardown cancels every timer for conv.
func (t *typingCoordinator) teardown(conv string) {
	if s, ok := t.local[conv]; ok {
		s.timer.Stop()
		delete(t.local, conv)
	}
	for _, e := range t.remote[conv] {
		e.timer.Stop()
	}
	delete(t.remote, conv)
}

// clear cancels everything and returns the conversations whose remote
// snapshot was non-empty.
func (t *typingCoordinator) clear() []string {
	var affected []string
	for conv := range t.local {
		t.local[conv].timer.Stop()
	}
	t.local = make(map[string]*localTyping)
	for conv, users := range t.remote {
		for _, e := range users {
			e.timer.Stop()
		}
		affected = append(affected, conv)
	}
	t.remote = make(map[string]map[string]*remoteTyping)
	slices.Sort(affected)
	return affected
}
