// Package chatsync keeps a client's view of conversations, messages,
// typing state and presence consistent with a chat server's event stream.
//
// Example:
//
//	rest := chatsync.NewRESTClient("https://chat.example.com", chatsync.StaticCredential(token))
//	dialer := &chatsync.WebSocketDialer{URL: chatsync.WebSocketURL("https://chat.example.com")}
//	engine := chatsync.New(rest, dialer, chatsync.WithLogger(logger))
//	defer engine.Close()
//
//	engine.On(chatsync.EventMessage, func(_ string, p any) { ... })
//	engine.Connect(ctx, chatsync.StaticCredential(token))
//	engine.Bootstrap(ctx)
//	engine.SendMessage(ctx, "conv-1", "hello", nil)
package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNoBackend is returned by REST-backed operations on an engine built
// without a Backend.
var ErrNoBackend = errors.New("chatsync: no backend configured")

// Engine is the sync core. All component state is owned by one loop
// goroutine; public methods post work to it and wait. Network I/O runs
// on the caller's goroutine.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	clock   Clock
	metrics *Metrics
	backend Backend
	conn    *connManager
	bus     *eventBus

	queue     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// loop-owned
	self      string
	messages  *messageSync
	reactions *reactionMerger
	typing    *typingCoordinator
	presence  *presenceTracker
	dir       *directory
}

// New builds an engine and starts its loop. backend may be nil when only
// the live transport is used.
func New(backend Backend, dialer Dialer, opts ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		log:     zerolog.Nop(),
		clock:   realClock{},
		backend: backend,
		queue:   make(chan func(), 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.self == "" {
		e.self = e.cfg.Server.UserID
	}

	selfFn := func() string { return e.self }
	e.bus = newEventBus(e.log)
	e.messages = newMessageSync(&e.cfg.Sync, e.clock, e.afterFunc, selfFn, e.log, e.metrics)
	e.reactions = &reactionMerger{store: e.messages}
	e.typing = newTypingCoordinator(&e.cfg.Sync, e.clock, e.afterFunc, selfFn)
	e.presence = newPresenceTracker()
	e.dir = newDirectory(selfFn, e.messages.latest)
	e.messages.observe(e.onMessageMutation)

	e.conn = newConnManager(dialer, &e.cfg.Sync, e.clock, e.log, e.metrics)
	e.conn.onState = func(ev ConnectionEvent) { e.post(func() { e.handleState(ev) }) }
	e.conn.onEnvelope = func(env Envelope) { e.post(func() { e.route(env) }) }
	e.conn.onAuth = func(p AuthenticatedPayload) { e.post(func() { e.self = p.UserID }) }

	go e.run()
	return e
}

// ============================================================================
// Loop
// ============================================================================

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case fn := <-e.queue:
			e.exec(fn)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("sync loop handler panicked")
		}
	}()
	fn()
}

// post queues fn without waiting. Work posted after Close is dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.done:
	}
}

// do runs fn on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	select {
	case e.queue <- wrapped:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-e.stopped:
		return ErrClosed
	}
}

func (e *Engine) afterFunc(d time.Duration, fn func()) Timer {
	return e.clock.AfterFunc(d, func() { e.post(fn) })
}

func (e *Engine) emit(event string, payload any) {
	e.bus.emit(event, payload)
}

// Close disconnects, cancels every timer and stops the loop and the
// event dispatcher. Events already queued are still delivered.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.conn.Disconnect()
		_ = e.do(context.Background(), func() {
			e.typing.clear()
			e.messages.stopTimers()
		})
		close(e.done)
		<-e.stopped
		e.bus.close()
	})
	return nil
}

// On registers a presentation event handler. Use EventAll to receive
// everything.
func (e *Engine) On(event string, h EventHandler) {
	e.bus.On(event, h)
}

// ============================================================================
// Connection
// ============================================================================

// Connect establishes the live connection, re-joining every joined
// conversation before reporting connected.
func (e *Engine) Connect(ctx context.Context, creds CredentialProvider) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	return e.conn.Connect(ctx, creds)
}

// Disconnect closes the live connection. Pending sends still time out.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

func (e *Engine) ConnectionState() ConnState {
	return e.conn.State()
}

func (e *Engine) connected() bool {
	return e.conn.State() == StateConnected
}

func (e *Engine) handleState(ev ConnectionEvent) {
	if ev.State != StateConnected && ev.State != StateConnecting {
		// Local sessions cannot be stopped remotely once the link is
		// gone; remote typers are stale.
		for _, conv := range e.typing.clear() {
			e.emit(EventTyping, TypingEvent{ConversationID: conv})
		}
	}
	e.emit(EventConnectionState, ev)
}

// Self returns the local user ID.
func (e *Engine) Self() string {
	var id string
	_ = e.do(context.Background(), func() { id = e.self })
	return id
}

// ============================================================================
// Inbound routing
// ============================================================================

func (e *Engine) dropMalformed(err error) {
	e.metrics.EventsDropped.WithLabelValues("malformed").Inc()
	e.log.Warn().Err(err).Msg("dropping malformed event")
}

func (e *Engine) dropUnknownMessage(event, messageID string) {
	e.metrics.EventsDropped.WithLabelValues("unknown_message").Inc()
	e.log.Debug().Str("event", event).Str("message_id", messageID).Msg("event names unknown message")
}

func (e *Engine) route(env Envelope) {
	e.metrics.EventsReceived.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case EvtAuthenticated:
		p, err := decodePayload(env, func(p *AuthenticatedPayload) error { return requireFields("userId", p.UserID) })
		if err != nil {
			e.dropMalformed(err)
			return
		}
		e.self = p.UserID

	case EvtNewMessage:
		p, err := decodePayload(env, func(p *NewMessagePayload) error {
			if p.Message.ConversationID == "" {
				p.Message.ConversationID = p.ConversationID
			}
			return requireFields("conversationId", p.Message.ConversationID, "message.id", p.Message.ID)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		_ = e.messages.applyAuthoritative(p.Message, p.tempHint(), true)
		if e.typing.removeUser(p.Message.ConversationID, p.Message.SenderID) {
			e.emitTyping(p.Message.ConversationID)
		}

	case EvtUserTyping:
		p, err := decodePayload(env, func(p *UserTypingPayload) error {
			return requireFields("conversationId", p.ConversationID, "userId", p.UserID)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		conv := p.ConversationID
		if e.typing.applyRemote(p, func() { e.emitTyping(conv) }) {
			e.emitTyping(conv)
		}

	case EvtReactionAdded:
		p, err := decodePayload(env, func(p *ReactionAddedPayload) error {
			return requireFields("messageId", p.MessageID, "reaction.userId", p.Reaction.UserID, "reaction.emoji", p.Reaction.Emoji)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		if _, err := e.reactions.addReaction(p.MessageID, p.Reaction, true); err != nil {
			e.dropUnknownMessage(env.Type, p.MessageID)
		}

	case EvtReactionRemoved:
		p, err := decodePayload(env, func(p *ReactionRemovedPayload) error {
			return requireFields("messageId", p.MessageID, "userId", p.UserID, "emoji", p.Emoji)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		if _, err := e.reactions.removeReaction(p.MessageID, p.UserID, p.Emoji, true); err != nil {
			e.dropUnknownMessage(env.Type, p.MessageID)
		}

	case EvtMessagesRead:
		p, err := decodePayload(env, func(p *MessagesReadPayload) error {
			return requireFields("conversationId", p.ConversationID, "userId", p.UserID)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		for _, id := range e.reactions.applyRead(p.ConversationID, p.UserID, p.MessageIDs) {
			e.dropUnknownMessage(env.Type, id)
		}
		if p.UserID == e.self && e.dir.zeroUnread(p.ConversationID) {
			e.emit(EventDirectory, DirectoryEvent{ConversationID: p.ConversationID})
		}

	case EvtMessagesDelivered:
		p, err := decodePayload(env, func(p *MessagesDeliveredPayload) error {
			return requireFields("conversationId", p.ConversationID)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		e.messages.markDelivered(p.ConversationID, p.MessageIDs)

	case EvtOnlineStatus:
		p, err := decodePayload(env, func(p *[]PresenceUpdate) error {
			for _, u := range *p {
				if err := requireFields("userId", u.UserID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		if changed := e.presence.apply(*p); len(changed) > 0 {
			e.emit(EventPresence, PresenceEvent{Changes: changed})
		}

	case EvtConversationUpdated:
		p, err := decodePayload(env, func(p *ConversationUpdatedPayload) error {
			return requireFields("conversation.id", p.Conversation.ID)
		})
		if err != nil {
			e.dropMalformed(err)
			return
		}
		e.upsertConversation(p.Conversation)

	case EvtError:
		p, err := decodePayload[ServerErrorPayload](env, nil)
		if err != nil {
			e.dropMalformed(err)
			return
		}
		e.log.Warn().Str("event", env.Type).Str("message", p.Message).Msg("server error")
		e.emit(EventError, ErrorEvent{Message: p.Message})

	default:
		e.metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		e.log.Debug().Str("event", env.Type).Msg("ignoring unknown event")
	}
}

func (e *Engine) onMessageMutation(ev MessageEvent) {
	e.emit(EventMessage, ev)
	if e.dir.onMessage(ev) {
		e.emit(EventDirectory, DirectoryEvent{ConversationID: ev.Message.ConversationID})
	}
}

func (e *Engine) emitTyping(conv string) {
	e.emit(EventTyping, TypingEvent{ConversationID: conv, Users: e.typing.users(conv)})
}

// upsertConversation merges an embedded last message into the store
// first so the directory keeps only its ID.
func (e *Engine) upsertConversation(rec ConversationRecord) {
	if lm := rec.LastMessage; lm != nil && lm.ID != "" {
		m := *lm
		if m.ConversationID == "" {
			m.ConversationID = rec.ID
		}
		_ = e.messages.applyAuthoritative(m, "", false)
		if rec.LastMessageID == "" {
			rec.LastMessageID = m.ID
		}
	}
	e.dir.upsert(rec.Conversation)
	e.emit(EventDirectory, DirectoryEvent{ConversationID: rec.ID})
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations fetches one page from the backend and merges it into
// the directory.
func (e *Engine) LoadConversations(ctx context.Context, page PageRequest) (*PageInfo, error) {
	p, err := e.loadConversations(ctx, page)
	if err != nil {
		return nil, err
	}
	return &p.Info, nil
}

func (e *Engine) loadConversations(ctx context.Context, page PageRequest) (*ConversationPage, error) {
	if e.backend == nil {
		return nil, ErrNoBackend
	}
	p, err := e.backend.ListConversations(ctx, page)
	if err != nil {
		return nil, err
	}
	err = e.do(ctx, func() {
		for _, rec := range p.Items {
			if rec.ID != "" {
				e.upsertConversation(rec)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Bootstrap loads the first conversation page, then joins each
// conversation and loads its first history page, four at a time.
func (e *Engine) Bootstrap(ctx context.Context) error {
	p, err := e.loadConversations(ctx, PageRequest{Page: 1, Limit: e.cfg.Sync.HistoryPageSize})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, rec := range p.Items {
		id := rec.ID
		if id == "" {
			continue
		}
		g.Go(func() error {
			if err := e.JoinConversation(gctx, id); err != nil && !errors.Is(err, ErrNotConnected) {
				return err
			}
			_, err := e.LoadHistory(gctx, id, PageRequest{Page: 1, Limit: e.cfg.Sync.HistoryPageSize})
			return err
		})
	}
	return g.Wait()
}

// JoinConversation subscribes to a conversation's live events. While
// disconnected the join is recorded and sent on the next connect.
func (e *Engine) JoinConversation(ctx context.Context, conversationID string) error {
	return e.conn.Join(ctx, conversationID)
}

// LeaveConversation leaves on the server, unsubscribes and drops all
// local state for the conversation.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID string) error {
	if e.backend == nil {
		return ErrNoBackend
	}
	if err := e.backend.LeaveConversation(ctx, conversationID); err != nil {
		return err
	}
	if err := e.conn.Leave(ctx, conversationID); err != nil {
		e.log.Warn().Str("conversation_id", conversationID).Err(err).Msg("leave not sent over transport")
	}
	return e.do(ctx, func() {
		e.typing.teardown(conversationID)
		e.messages.teardown(conversationID)
		if e.dir.remove(conversationID) {
			e.emit(EventDirectory, DirectoryEvent{ConversationID: conversationID, Removed: true})
		}
	})
}

func (e *Engine) view(c Conversation) ConversationView {
	v := ConversationView{Conversation: c, Selected: c.ID == e.dir.selected}
	for _, p := range c.Participants {
		v.Participants = append(v.Participants, ParticipantView{Participant: p, Online: e.presence.isOnline(p.UserID)})
	}
	if m, ok := e.messages.get(c.LastMessageID); ok {
		lm := m.clone()
		v.LastMessage = &lm
	}
	return v
}

// Conversations returns the directory, most recently active first.
func (e *Engine) Conversations() []ConversationView {
	var out []ConversationView
	_ = e.do(context.Background(), func() {
		for _, c := range e.dir.list() {
			out = append(out, e.view(c))
		}
	})
	return out
}

func (e *Engine) Conversation(conversationID string) (ConversationView, bool) {
	var (
		v  ConversationView
		ok bool
	)
	_ = e.do(context.Background(), func() {
		var c Conversation
		if c, ok = e.dir.get(conversationID); ok {
			v = e.view(c)
		}
	})
	return v, ok
}

// SelectConversation makes a conversation active, clears its unread
// count and sends a read receipt for what is visible.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	err := e.do(ctx, func() {
		if e.dir.selectConversation(conversationID) {
			e.emit(EventDirectory, DirectoryEvent{ConversationID: conversationID})
		}
	})
	if err != nil {
		return err
	}
	return e.MarkRead(ctx, conversationID)
}

// MarkRead acknowledges every unread message from other senders. It uses
// the live connection when up and falls back to the backend otherwise.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	var ids []string
	err := e.do(ctx, func() {
		ids = e.reactions.unreadBy(conversationID, e.self)
		e.reactions.applyRead(conversationID, e.self, ids)
		if e.dir.zeroUnread(conversationID) {
			e.emit(EventDirectory, DirectoryEvent{ConversationID: conversationID})
		}
	})
	if err != nil {
		return err
	}

	if e.connected() {
		if len(ids) == 0 {
			return nil
		}
		err := e.conn.Send(ctx, &Command{Type: CmdMarkRead, Payload: markReadPayload{ConversationID: conversationID, MessageIDs: ids}})
		if err == nil {
			return nil
		}
		e.log.Debug().Str("conversation_id", conversationID).Err(err).Msg("mark_read over transport failed, using backend")
	}
	if e.backend == nil {
		return ErrNotConnected
	}
	return e.backend.MarkAllRead(ctx, conversationID)
}

// ============================================================================
// Messages
// ============================================================================

// LoadHistory fetches a page of history and merges it. Messages already
// held are skipped.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string, page PageRequest) (*PageInfo, error) {
	if e.backend == nil {
		return nil, ErrNoBackend
	}
	if page.Limit == 0 {
		page.Limit = e.cfg.Sync.HistoryPageSize
	}
	p, err := e.backend.ListMessages(ctx, conversationID, page)
	if err != nil {
		return nil, err
	}
	err = e.do(ctx, func() {
		added := e.messages.mergeHistory(conversationID, p.Items)
		e.log.Debug().Str("conversation_id", conversationID).Int("page", p.Info.CurrentPage).Int("added", added).Msg("history merged")
	})
	if err != nil {
		return nil, err
	}
	return &p.Info, nil
}

// SendMessage shows the message immediately as pending and sends it.
// Text goes over the live connection and needs it to be up; a message
// with an attachment goes through the backend and the response
// confirms it. The returned copy reflects the state when the call ends.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	viaREST := opts.Attachment != nil
	if viaREST && e.backend == nil {
		return nil, ErrNoBackend
	}
	if !viaREST && !e.connected() {
		return nil, ErrNotConnected
	}

	var pending Message
	if err := e.do(ctx, func() {
		pending = e.messages.createPending(conversationID, content, opts).clone()
	}); err != nil {
		return nil, err
	}
	tempID := pending.TempID
	l := e.log.With().Str("conversation_id", conversationID).Str("message_id", tempID).Logger()

	if viaREST {
		msg, err := e.backend.SendMessage(ctx, conversationID, OutgoingMessage{
			TempID:     tempID,
			Content:    content,
			Type:       pending.Type,
			ReplyToID:  opts.ReplyToID,
			Attachment: opts.Attachment,
		})
		if err != nil {
			l.Warn().Err(err).Msg("attachment send failed")
			return e.finish(tempID, err)
		}
		e.metrics.MessagesSent.WithLabelValues("rest").Inc()
		var out Message
		if err := e.do(ctx, func() {
			_ = e.messages.applyAuthoritative(*msg, tempID, true)
			out = *msg
			if m, ok := e.messages.get(msg.ID); ok {
				out = m.clone()
			}
		}); err != nil {
			return nil, err
		}
		return &out, nil
	}

	err := e.conn.Send(ctx, &Command{Type: CmdSendMessage, Payload: sendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		Type:           pending.Type,
		ReplyToID:      opts.ReplyToID,
		TempID:         tempID,
	}})
	if err != nil {
		l.Warn().Err(err).Msg("send over transport failed")
		return e.finish(tempID, err)
	}
	e.metrics.MessagesSent.WithLabelValues("transport").Inc()
	return &pending, nil
}

// finish fails the pending message and returns its final copy with err.
func (e *Engine) finish(tempID string, cause error) (*Message, error) {
	var out *Message
	_ = e.do(context.Background(), func() {
		e.messages.fail(tempID, cause)
		if m, ok := e.messages.get(tempID); ok {
			c := m.clone()
			out = &c
		}
	})
	return out, cause
}

// RetryMessage re-sends a failed message under a fresh temporary ID. The
// failed entry is removed. Attachments are not retried.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) (*Message, error) {
	if !e.connected() {
		return nil, ErrNotConnected
	}
	var (
		old Message
		err error
	)
	if derr := e.do(ctx, func() {
		m, ok := e.messages.get(tempID)
		switch {
		case !ok:
			err = ErrUnknownMessage
		case m.Status != StatusFailed:
			err = ErrNotFailed
		default:
			old = m.clone()
			e.messages.remove(tempID)
		}
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return e.SendMessage(ctx, old.ConversationID, old.Content, &SendOptions{Type: old.Type, ReplyToID: old.ReplyToID})
}

// DiscardMessage drops a failed message.
func (e *Engine) DiscardMessage(ctx context.Context, tempID string) error {
	var err error
	if derr := e.do(ctx, func() {
		m, ok := e.messages.get(tempID)
		switch {
		case !ok:
			err = ErrUnknownMessage
		case m.Status != StatusFailed:
			err = ErrNotFailed
		default:
			e.messages.remove(tempID)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// Messages returns the conversation's messages, oldest first.
func (e *Engine) Messages(conversationID string) []Message {
	var out []Message
	_ = e.do(context.Background(), func() { out = e.messages.list(conversationID) })
	return out
}

// Message looks a message up by durable or temporary ID.
func (e *Engine) Message(id string) (Message, bool) {
	var (
		out Message
		ok  bool
	)
	_ = e.do(context.Background(), func() {
		var m *Message
		if m, ok = e.messages.get(id); ok {
			out = m.clone()
		}
	})
	return out, ok
}

// ============================================================================
// Reactions
// ============================================================================

// React adds the local user's reaction optimistically; a failed write
// rolls it back.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	return e.reactionCommand(ctx, CmdAddReaction, messageID, emoji, e.reactions.localAdd)
}

// Unreact removes the local user's reaction optimistically; a failed
// write restores it.
func (e *Engine) Unreact(ctx context.Context, messageID, emoji string) error {
	return e.reactionCommand(ctx, CmdRemoveReaction, messageID, emoji, e.reactions.localRemove)
}

func (e *Engine) reactionCommand(ctx context.Context, cmd, messageID, emoji string, apply func(string, string) (func(), error)) error {
	if !e.connected() {
		return ErrNotConnected
	}
	var (
		undo func()
		err  error
	)
	if derr := e.do(ctx, func() { undo, err = apply(messageID, emoji) }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	if err := e.conn.Send(ctx, &Command{Type: cmd, Payload: reactionPayload{MessageID: messageID, Emoji: emoji}}); err != nil {
		_ = e.do(context.Background(), undo)
		return err
	}
	return nil
}

// ============================================================================
// Typing
// ============================================================================

// StartTyping announces local typing. Repeated calls within the idle
// window only extend the session.
func (e *Engine) StartTyping(ctx context.Context, conversationID string) error {
	if !e.connected() {
		return ErrNotConnected
	}
	var first bool
	if err := e.do(ctx, func() {
		first = e.typing.startLocal(conversationID, func() { go e.sendTypingStop(conversationID) })
	}); err != nil {
		return err
	}
	if !first {
		return nil
	}
	err := e.conn.Send(ctx, &Command{Type: CmdTypingStart, Payload: conversationPayload{ConversationID: conversationID}})
	if err != nil {
		_ = e.do(context.Background(), func() { e.typing.stopLocal(conversationID) })
	}
	return err
}

// StopTyping ends the local session. Without one it does nothing.
func (e *Engine) StopTyping(ctx context.Context, conversationID string) error {
	var active bool
	if err := e.do(ctx, func() { active = e.typing.stopLocal(conversationID) }); err != nil {
		return err
	}
	if !active {
		return nil
	}
	return e.conn.Send(ctx, &Command{Type: CmdTypingStop, Payload: conversationPayload{ConversationID: conversationID}})
}

func (e *Engine) sendTypingStop(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Sync.HandshakeTimeout)
	defer cancel()
	err := e.conn.Send(ctx, &Command{Type: CmdTypingStop, Payload: conversationPayload{ConversationID: conversationID}})
	if err != nil {
		e.log.Debug().Str("conversation_id", conversationID).Err(err).Msg("idle typing_stop not sent")
	}
}

// TypingUsers returns who is typing in a conversation, ordered by user ID.
func (e *Engine) TypingUsers(conversationID string) []TypingUser {
	var out []TypingUser
	_ = e.do(context.Background(), func() { out = e.typing.users(conversationID) })
	return out
}

// ============================================================================
// Presence
// ============================================================================

// QueryStatus asks the server for the online state of userIDs. Answers
// arrive as presence events.
func (e *Engine) QueryStatus(ctx context.Context, userIDs []string) error {
	var ids []string
	if err := e.do(ctx, func() { ids = e.presence.touch(userIDs) }); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return e.conn.Send(ctx, &Command{Type: CmdQueryOnlineStatus, Payload: queryStatusPayload{UserIDs: ids}})
}

// IsOnline reports the last known state; unknown users are offline.
func (e *Engine) IsOnline(userID string) bool {
	var online bool
	_ = e.do(context.Background(), func() { online = e.presence.isOnline(userID) })
	return online
}
