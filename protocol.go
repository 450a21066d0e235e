package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Event names
// ============================================================================

// Outbound commands.
const (
	CmdJoinConversation  = "join_conversation"
	CmdLeaveConversation = "leave_conversation"
	CmdSendMessage       = "send_message"
	CmdTypingStart       = "typing_start"
	CmdTypingStop        = "typing_stop"
	CmdAddReaction       = "add_reaction"
	CmdRemoveReaction    = "remove_reaction"
	CmdMarkRead          = "mark_read"
	CmdQueryOnlineStatus = "query_online_status"
)

// Inbound events.
const (
	EvtAuthenticated       = "authenticated"
	EvtNewMessage          = "new_message"
	EvtUserTyping          = "user_typing"
	EvtReactionAdded       = "reaction_added"
	EvtReactionRemoved     = "reaction_removed"
	EvtMessagesRead        = "messages_read"
	EvtMessagesDelivered   = "messages_delivered"
	EvtOnlineStatus        = "online_status"
	EvtConversationUpdated = "conversation_updated"
	EvtError               = "error"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all inbound events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server event.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Inbound payloads
// ============================================================================

// AuthenticatedPayload is the first event on every connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// NewMessagePayload carries an authoritative message. TempID echoes the
// client-assigned ID of the send it confirms; it may also arrive inside
// the message itself.
type NewMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
	TempID         string  `json:"tempId,omitempty"`
}

func (p *NewMessagePayload) tempHint() string {
	if p.TempID != "" {
		return p.TempID
	}
	return p.Message.TempID
}

// UserTypingPayload is sent when another participant starts or stops typing.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Typing         bool   `json:"typing"`
}

// ReactionAddedPayload is sent when a reaction is added.
type ReactionAddedPayload struct {
	MessageID string   `json:"messageId"`
	Reaction  Reaction `json:"reaction"`
}

// ReactionRemovedPayload is sent when a reaction is removed.
type ReactionRemovedPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// MessagesReadPayload is a batched read receipt.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}

// MessagesDeliveredPayload raises own messages to delivered.
type MessagesDeliveredPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// ConversationUpdatedPayload replaces a directory entry.
type ConversationUpdatedPayload struct {
	Conversation ConversationRecord `json:"conversation"`
}

// ServerErrorPayload is sent when a server-side error occurs.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId,omitempty"`
	TempID         string `json:"tempId"`
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type markReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type queryStatusPayload struct {
	UserIDs []string `json:"userIds"`
}

// ============================================================================
// Decoding
// ============================================================================

var errMissingField = errors.New("missing required field")

// decodePayload unmarshals an envelope payload and runs a field check.
// Every failure comes back as a *MalformedEventError.
func decodePayload[T any](env Envelope, check func(*T) error) (*T, error) {
	var p T
	if len(env.Payload) == 0 {
		return nil, &MalformedEventError{Type: env.Type, Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, &MalformedEventError{Type: env.Type, Err: err}
	}
	if check != nil {
		if err := check(&p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
	}
	return &p, nil
}

func requireFields(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("%w: %s", errMissingField, fields[i])
		}
	}
	return nil
}
