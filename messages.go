package chatsync

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrConversationLeft fails messages still pending when their
// conversation is torn down.
var ErrConversationLeft = errors.New("chatsync: conversation left")

const tempIDPrefix = "tmp-"

func newTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// MutationKind names what happened to a message.
type MutationKind string

const (
	MessageInserted   MutationKind = "inserted"
	MessageReconciled MutationKind = "reconciled"
	MessageUpdated    MutationKind = "updated"
	MessageFailed     MutationKind = "failed"
	MessageRemoved    MutationKind = "removed"
)

// MessageEvent describes one message mutation. PreviousID is set when a
// temporary ID was replaced. Live is false for history merges.
type MessageEvent struct {
	Kind       MutationKind `json:"kind"`
	Message    Message      `json:"message"`
	PreviousID string       `json:"previousId,omitempty"`
	Live       bool         `json:"live"`
	Err        error        `json:"-"`
}

// messageSync is the single owner of message state. It is only touched
// from the engine loop.
type messageSync struct {
	clock       Clock
	after       func(time.Duration, func()) Timer
	self        func() string
	sendTimeout time.Duration
	maxPerConv  int
	log         zerolog.Logger
	metrics     *Metrics

	byConv    map[string][]*Message
	byID      map[string]*Message
	timers    map[string]Timer
	observers []func(MessageEvent)
}

func newMessageSync(cfg *SyncConfig, clock Clock, after func(time.Duration, func()) Timer, self func() string, log zerolog.Logger, metrics *Metrics) *messageSync {
	return &messageSync{
		clock:       clock,
		after:       after,
		self:        self,
		sendTimeout: cfg.SendTimeout,
		maxPerConv:  cfg.MaxMessagesPerConversation,
		log:         log,
		metrics:     metrics,
		byConv:      make(map[string][]*Message),
		byID:        make(map[string]*Message),
		timers:      make(map[string]Timer),
	}
}

func (s *messageSync) observe(fn func(MessageEvent)) {
	s.observers = append(s.observers, fn)
}

func (s *messageSync) notify(kind MutationKind, m *Message, prev string, live bool, err error) {
	ev := MessageEvent{Kind: kind, Message: m.clone(), PreviousID: prev, Live: live, Err: err}
	for _, fn := range s.observers {
		fn(ev)
	}
}

func compareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (s *messageSync) insert(m *Message) {
	list := s.byConv[m.ConversationID]
	i, _ := slices.BinarySearchFunc(list, m, compareMessages)
	s.byConv[m.ConversationID] = slices.Insert(list, i, m)
	s.byID[m.ID] = m
}

func (s *messageSync) resort(conv string) {
	slices.SortStableFunc(s.byConv[conv], compareMessages)
}

func (s *messageSync) drop(m *Message) {
	list := s.byConv[m.ConversationID]
	if i := slices.Index(list, m); i >= 0 {
		s.byConv[m.ConversationID] = slices.Delete(list, i, i+1)
	}
	if len(s.byConv[m.ConversationID]) == 0 {
		delete(s.byConv, m.ConversationID)
	}
	delete(s.byID, m.ID)
	if t, ok := s.timers[m.ID]; ok {
		t.Stop()
		delete(s.timers, m.ID)
	}
}

// createPending materializes an optimistic message and arms its send
// timeout.
func (s *messageSync) createPending(conv, content string, opts *SendOptions) *Message {
	id := newTempID()
	m := &Message{
		ID:             id,
		TempID:         id,
		ConversationID: conv,
		SenderID:       s.self(),
		Content:        content,
		Type:           cmp.Or(opts.Type, "text"),
		ReplyToID:      opts.ReplyToID,
		CreatedAt:      s.clock.Now(),
		Status:         StatusPending,
	}
	s.insert(m)
	s.timers[id] = s.after(s.sendTimeout, func() {
		s.fail(id, &SendTimeoutError{TempID: id, Timeout: s.sendTimeout})
	})
	s.notify(MessageInserted, m, "", true, nil)
	return m
}

// fail moves a pending message to failed. Anything else is left alone,
// so a timer that lost the race with its echo is harmless.
func (s *messageSync) fail(tempID string, cause error) {
	m, ok := s.byID[tempID]
	if !ok || m.Status != StatusPending {
		return
	}
	if t, ok := s.timers[tempID]; ok {
		t.Stop()
		delete(s.timers, tempID)
	}
	m.Status = StatusFailed
	reason := "transport"
	var timeout *SendTimeoutError
	if errors.As(cause, &timeout) {
		reason = "timeout"
	}
	s.metrics.SendFailures.WithLabelValues(reason).Inc()
	s.log.Warn().Str("message_id", tempID).Str("conversation_id", m.ConversationID).Err(cause).Msg("message failed")
	s.notify(MessageFailed, m, "", true, cause)
}

// applyAuthoritative merges a server copy of a message. A hint naming a
// pending message reconciles it in place; a known durable ID is a
// duplicate; anything else is inserted.
func (s *messageSync) applyAuthoritative(msg Message, hint string, live bool) error {
	if hint != "" {
		if p, ok := s.byID[hint]; ok && p.Status == StatusPending && p.TempID == hint {
			if existing, dup := s.byID[msg.ID]; dup && existing != p {
				s.drop(p)
				s.notify(MessageRemoved, p, "", live, nil)
				return s.duplicate(msg.ID, live)
			}
			s.reconcile(p, msg, live)
			return nil
		}
	}
	if _, dup := s.byID[msg.ID]; dup {
		return s.duplicate(msg.ID, live)
	}

	m := msg.clone()
	if m.Type == "" {
		m.Type = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	if m.Status.rank() < StatusSent.rank() {
		if m.SenderID == s.self() {
			m.Status = StatusSent
		} else {
			m.Status = StatusDelivered
		}
	}
	slices.Sort(m.ReadBy)
	m.ReadBy = slices.Compact(m.ReadBy)
	s.insert(&m)
	s.notify(MessageInserted, &m, "", live, nil)
	s.evict(m.ConversationID)
	return nil
}

func (s *messageSync) duplicate(id string, live bool) error {
	err := &DuplicateEventError{ID: id}
	if live {
		s.metrics.DuplicatesAbsorbed.Inc()
		s.log.Debug().Str("message_id", id).Msg("duplicate message absorbed")
	}
	return err
}

func (s *messageSync) reconcile(p *Message, msg Message, live bool) {
	if t, ok := s.timers[p.ID]; ok {
		t.Stop()
		delete(s.timers, p.ID)
	}
	prev := p.ID
	delete(s.byID, prev)

	p.ID = msg.ID
	if msg.Content != "" {
		p.Content = msg.Content
	}
	if msg.Type != "" {
		p.Type = msg.Type
	}
	if msg.SenderID != "" {
		p.SenderID = msg.SenderID
	}
	if msg.ReplyToID != "" {
		p.ReplyToID = msg.ReplyToID
	}
	if !msg.CreatedAt.IsZero() {
		p.CreatedAt = msg.CreatedAt
	}
	if msg.Reactions != nil {
		p.Reactions = slices.Clone(msg.Reactions)
	}
	for _, r := range msg.ReadBy {
		p.ReadBy = addReader(p.ReadBy, r)
	}
	p.Status = StatusSent
	if msg.Status.rank() > p.Status.rank() {
		p.Status = msg.Status
	}

	s.byID[p.ID] = p
	s.resort(p.ConversationID)
	s.notify(MessageReconciled, p, prev, live, nil)
}

// mergeHistory inserts a fetched page, skipping IDs already present.
func (s *messageSync) mergeHistory(conv string, items []Message) int {
	added := 0
	for _, m := range items {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conv
		}
		if s.applyAuthoritative(m, m.TempID, false) == nil {
			added++
		}
	}
	return added
}

// raise moves a message forward. Status never goes backwards and a
// failed message stays failed.
func (s *messageSync) raise(m *Message, to MessageStatus) bool {
	if m.Status == StatusFailed || to.rank() <= m.Status.rank() {
		return false
	}
	m.Status = to
	return true
}

// markDelivered raises own messages named in a delivery receipt.
func (s *messageSync) markDelivered(conv string, ids []string) {
	for _, id := range ids {
		m, ok := s.byID[id]
		if !ok || m.ConversationID != conv || m.SenderID != s.self() {
			continue
		}
		if s.raise(m, StatusDelivered) {
			s.notify(MessageUpdated, m, "", true, nil)
		}
	}
}

// remove deletes a message outright.
func (s *messageSync) remove(id string) (*Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	s.drop(m)
	s.notify(MessageRemoved, m, "", true, nil)
	return m, true
}

// teardown fails what is still pending in conv and forgets the
// conversation's messages.
func (s *messageSync) teardown(conv string) {
	for _, m := range slices.Clone(s.byConv[conv]) {
		if m.Status == StatusPending {
			s.fail(m.ID, ErrConversationLeft)
		}
	}
	for _, m := range s.byConv[conv] {
		delete(s.byID, m.ID)
		if t, ok := s.timers[m.ID]; ok {
			t.Stop()
			delete(s.timers, m.ID)
		}
	}
	delete(s.byConv, conv)
}

// evict trims the oldest settled messages beyond the window. Pending and
// failed messages are kept.
func (s *messageSync) evict(conv string) {
	if s.maxPerConv <= 0 {
		return
	}
	for len(s.byConv[conv]) > s.maxPerConv {
		i := slices.IndexFunc(s.byConv[conv], func(m *Message) bool {
			return m.Status != StatusPending && m.Status != StatusFailed
		})
		if i < 0 {
			return
		}
		m := s.byConv[conv][i]
		s.drop(m)
		s.notify(MessageRemoved, m, "", false, nil)
	}
}

func (s *messageSync) get(id string) (*Message, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// list returns copies in display order.
func (s *messageSync) list(conv string) []Message {
	src := s.byConv[conv]
	out := make([]Message, len(src))
	for i, m := range src {
		out[i] = m.clone()
	}
	return out
}

func (s *messageSync) latest(conv string) *Message {
	list := s.byConv[conv]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (s *messageSync) stopTimers() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
