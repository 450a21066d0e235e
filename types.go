package chatsync

import (
	"encoding/json"
	"io"
	"slices"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the REST collaborator.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the generic REST envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  *PageInfo       `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *apiResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Participant is a conversation member. Online state is not stored here;
// it is resolved from the presence tracker when a view is built.
type Participant struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	Active      bool   `json:"active"`
	Admin       bool   `json:"admin"`
	UnreadCount int    `json:"unreadCount"`
}

// Conversation is a directory entry. LastMessageID is a back-reference
// into the message synchronizer, never a copy of the message.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"type"`
	Name          string           `json:"name,omitempty"`
	AvatarURL     string           `json:"avatarUrl,omitempty"`
	Participants  []Participant    `json:"participants,omitempty"`
	LastMessageID string           `json:"lastMessageId,omitempty"`
	LastActivity  time.Time        `json:"lastActivity"`
	UnreadCount   int              `json:"unreadCount"`
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	return c
}

// ParticipantView is a participant with its derived online flag.
type ParticipantView struct {
	Participant
	Online bool `json:"online"`
}

// ConversationView is what the presentation layer reads: the directory
// entry with its last message and participant presence resolved.
type ConversationView struct {
	Conversation
	Participants []ParticipantView `json:"participants,omitempty"`
	LastMessage  *Message          `json:"lastMessage,omitempty"`
	Selected     bool              `json:"selected"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders the forward states. Failed is outside the progression.
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat message. TempID is the client-assigned identifier
// used until the server confirms the message; it is kept afterwards so
// callers can correlate.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Type           string        `json:"type"`
	ReplyToID      string        `json:"replyToId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	ReadBy         []string      `json:"readBy,omitempty"`
}

// IsPending reports whether the message still carries a temporary ID.
func (m *Message) IsPending() bool {
	return m.Status == StatusPending
}

// HasRead reports whether userID has acknowledged the message.
func (m *Message) HasRead(userID string) bool {
	_, found := slices.BinarySearch(m.ReadBy, userID)
	return found
}

func (m *Message) clone() Message {
	c := *m
	c.Reactions = slices.Clone(m.Reactions)
	c.ReadBy = slices.Clone(m.ReadBy)
	return c
}

// Attachment is a file sent alongside a message. Binary payloads go
// through the REST collaborator, never the persistent connection.
type Attachment struct {
	FileName string
	MimeType string
	Data     io.Reader
}

// SendOptions configures SendMessage.
type SendOptions struct {
	Type       string
	ReplyToID  string
	Attachment *Attachment
}

// ============================================================================
// Typing & Presence
// ============================================================================

// TypingUser is a remote participant currently composing.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PresenceUpdate is one entry of a batched online_status event.
type PresenceUpdate struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ============================================================================
// Pagination
// ============================================================================

// PageRequest selects a page from the REST collaborator.
type PageRequest struct {
	Page  int
	Limit int
}

// PageInfo is the pagination metadata returned with a page.
type PageInfo struct {
	CurrentPage int  `json:"currentPage"`
	HasNextPage bool `json:"hasNextPage"`
	Total       int  `json:"total,omitempty"`
}

// ConversationPage is one page of conversations.
type ConversationPage struct {
	Items []ConversationRecord
	Info  PageInfo
}

// MessagePage is one page of message history.
type MessagePage struct {
	Items []Message
	Info  PageInfo
}

// ConversationRecord is a conversation as delivered by the server, which
// may embed its last message.
type ConversationRecord struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
}
