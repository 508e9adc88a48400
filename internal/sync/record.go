package sync

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Recipient is a display name and address pair.
type Recipient struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

const (
	BodyTypeText = "text"
	BodyTypeHTML = "html"

	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
)

// MessageRecord is the flattened projection of one remote message. Its
// identity is (mailbox, ID).
type MessageRecord struct {
	ID                string      `json:"id"`
	InternetMessageID string      `json:"internet_message_id,omitempty"`
	ConversationID    string      `json:"conversation_id,omitempty"`
	SentAt            time.Time   `json:"sent_at,omitzero"`
	ReceivedAt        time.Time   `json:"received_at,omitzero"`
	CreatedAt         time.Time   `json:"created_at,omitzero"`
	ModifiedAt        time.Time   `json:"modified_at,omitzero"`
	ModifiedBy        string      `json:"modified_by,omitempty"`
	From              Recipient   `json:"from"`
	ReplyTo           []Recipient `json:"reply_to,omitempty"`
	To                []Recipient `json:"to,omitempty"`
	Cc                []Recipient `json:"cc,omitempty"`
	Importance        string      `json:"importance,omitempty"`
	Subject           string      `json:"subject"`
	Body              string      `json:"body,omitempty"`
	BodyType          string      `json:"body_type,omitempty"`
	SizeBytes         int64       `json:"size_bytes"`
	AttachmentCount   int         `json:"attachment_count"`
	AttachmentNames   []string    `json:"attachment_names,omitempty"`
	IsRead            bool        `json:"is_read"`
}

// BodyOptions controls whether and how much body text a Fetcher copies into
// a MessageRecord.
type BodyOptions struct {
	Include   bool
	MaxLength int
}

// Apply returns the body to store for text under o.
func (o BodyOptions) Apply(text string) string {
	if !o.Include {
		return ""
	}
	return TruncateRunes(strings.TrimSpace(text), o.MaxLength)
}

// TruncateRunes shortens s to at most n runes without splitting a UTF-8
// sequence. A negative n leaves s unchanged.
func TruncateRunes(s string, n int) string {
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
