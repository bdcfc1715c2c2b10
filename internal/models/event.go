package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types carried by an Event.
const (
	MsgTyping   = "typing"
	MsgText     = "text"
	MsgDocument = "document"
	MsgAudio    = "audio"
)

// EventChatPresence marks presence updates (the applicant is typing).
const EventChatPresence = "ChatPresence"

// TimestampLayout is the wire format of Event.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Event is the WhatsApp message envelope exchanged with the transport.
type Event struct {
	MID        string `json:"mid"`
	Timestamp  string `json:"timestamp"`
	ChatID     string `json:"chat_id"`
	ReceiverID int64  `json:"receiver_id,string"`
	SenderID   int64  `json:"sender_id,string"`
	MsgType    string `json:"msg_type"`
	Content    string `json:"content,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// NewMID returns a fresh message identifier.
func NewMID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// FormatTimestamp renders t in the envelope format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ChatIDFor returns the WhatsApp JID for a phone-number identity.
func ChatIDFor(id int64) string {
	return fmt.Sprintf("%d@s.whatsapp.net", id)
}

// OutboundText renders a text event from a recruiter to an applicant.
func OutboundText(recruiterID, applicantID int64, content string, at time.Time) Event {
	return Event{
		MID:        NewMID(),
		Timestamp:  FormatTimestamp(at),
		ChatID:     ChatIDFor(applicantID),
		ReceiverID: applicantID,
		SenderID:   recruiterID,
		MsgType:    MsgText,
		Content:    content,
	}
}

// TypingFor builds the "bot is composing" indicator answering an inbound event.
func TypingFor(inbound Event, at time.Time) Event {
	return Event{
		MID:        NewMID(),
		Timestamp:  FormatTimestamp(at),
		ChatID:     inbound.ChatID,
		ReceiverID: inbound.SenderID,
		SenderID:   inbound.ReceiverID,
		MsgType:    MsgTyping,
	}
}

// RoutingKey is the transport partition key for a recruiter/applicant conversation.
func RoutingKey(recruiterID, applicantID int64) string {
	return fmt.Sprintf("%d_%d", recruiterID, applicantID)
}

// ScheduledMessage is the backup payload of an outbound Delay Entry.
type ScheduledMessage struct {
	ActionID    int64 `json:"action_id"`
	ScheduledAt int64 `json:"scheduled_at"`
	Event       Event `json:"event"`
}

// EncodeScheduled serializes a ScheduledMessage for the Delay Store.
func EncodeScheduled(m ScheduledMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode scheduled message: %w", err)
	}
	return b, nil
}

// DecodeScheduled parses a backup payload written by EncodeScheduled.
func DecodeScheduled(raw []byte) (ScheduledMessage, error) {
	var m ScheduledMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode scheduled message: %w", err)
	}
	if m.ActionID == 0 {
		return m, fmt.Errorf("decode scheduled message: missing action_id")
	}
	return m, nil
}

// BufferedFragment is one inbound piece of a multi-line message.
type BufferedFragment = Event

// EncodeFragment serializes one buffered fragment.
func EncodeFragment(f BufferedFragment) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode fragment: %w", err)
	}
	return b, nil
}

// DecodeFragments parses fragments written by EncodeFragment, preserving order.
func DecodeFragments(raw []string) ([]BufferedFragment, error) {
	frags := make([]BufferedFragment, 0, len(raw))
	for i, r := range raw {
		var f BufferedFragment
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			return nil, fmt.Errorf("decode fragment %d: %w", i, err)
		}
		frags = append(frags, f)
	}
	return frags, nil
}

// Coalesce joins fragment contents with newlines using the first fragment's envelope.
func Coalesce(frags []BufferedFragment) (Event, bool) {
	if len(frags) == 0 {
		return Event{}, false
	}
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Content)
	}
	out := frags[0]
	out.Content = strings.Join(parts, "\n")
	return out, true
}
