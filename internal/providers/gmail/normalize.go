package gmail

import (
	"encoding/base64"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// normalize converts a message fetched in "full" format.
func normalize(m *gmail.Message, body sync.BodyOptions) *sync.MessageRecord {
	rec := &sync.MessageRecord{
		ID:             m.Id,
		ConversationID: m.ThreadId,
		SizeBytes:      m.SizeEstimate,
		IsRead:         !slices.Contains(m.LabelIds, unreadLabel),
	}
	if m.InternalDate > 0 {
		rec.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
		rec.CreatedAt = rec.ReceivedAt
	}
	if m.Payload == nil {
		return rec
	}

	h := partHeader(m.Payload)
	rec.InternetMessageID = h.Get("Message-Id")
	// Subject falls back to the raw value when a word cannot be decoded.
	rec.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil {
		rec.SentAt = date.UTC()
	}
	if from := addressList(h, "From"); len(from) > 0 {
		rec.From = from[0]
	}
	rec.ReplyTo = addressList(h, "Reply-To")
	rec.To = addressList(h, "To")
	rec.Cc = addressList(h, "Cc")
	rec.Importance = importance(h)

	if text, ok := findBody(m.Payload, "text/plain"); ok {
		rec.BodyType = sync.BodyTypeText
		rec.Body = body.Apply(text)
	} else if html, ok := findBody(m.Payload, "text/html"); ok {
		rec.BodyType = sync.BodyTypeHTML
		rec.Body = body.Apply(html)
	} else {
		rec.BodyType = sync.BodyTypeText
		rec.Body = body.Apply(m.Snippet)
	}

	walkParts(m.Payload, func(p *gmail.MessagePart) {
		if p.Filename == "" || isInline(p) {
			return
		}
		rec.AttachmentCount++
		rec.AttachmentNames = append(rec.AttachmentNames, p.Filename)
	})
	return rec
}

func partHeader(p *gmail.MessagePart) *mail.Header {
	var th textproto.Header
	for _, kv := range p.Headers {
		if kv == nil {
			continue
		}
		th.Add(kv.Name, kv.Value)
	}
	return &mail.Header{Header: message.Header{Header: th}}
}

func addressList(h *mail.Header, key string) []sync.Recipient {
	list, err := h.AddressList(key)
	if err != nil {
		// Undecodable header: keep the raw value as a bare address.
		if raw := strings.TrimSpace(h.Get(key)); raw != "" {
			return []sync.Recipient{{Address: raw}}
		}
		return nil
	}
	var out []sync.Recipient
	for _, a := range list {
		out = append(out, sync.Recipient{Name: a.Name, Address: a.Address})
	}
	return out
}

// importance maps Importance or X-Priority to low, normal or high.
func importance(h *mail.Header) string {
	switch strings.ToLower(strings.TrimSpace(h.Get("Importance"))) {
	case "high":
		return sync.ImportanceHigh
	case "low":
		return sync.ImportanceLow
	case "normal":
		return sync.ImportanceNormal
	}
	prio := strings.TrimSpace(h.Get("X-Priority"))
	if prio == "" {
		return sync.ImportanceNormal
	}
	switch prio[0] {
	case '1', '2':
		return sync.ImportanceHigh
	case '4', '5':
		return sync.ImportanceLow
	default:
		return sync.ImportanceNormal
	}
}

func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

// findBody returns the decoded content of the first non attachment part of
// mimeType.
func findBody(root *gmail.MessagePart, mimeType string) (string, bool) {
	var (
		text  string
		found bool
	)
	walkParts(root, func(p *gmail.MessagePart) {
		if found || p.Filename != "" || p.Body == nil || p.Body.Data == "" {
			return
		}
		if !strings.EqualFold(p.MimeType, mimeType) {
			return
		}
		if b, err := decodeData(p.Body.Data); err == nil {
			text, found = string(b), true
		}
	})
	return text, found
}

// decodeData decodes Gmail's URL-safe base64, with or without padding.
func decodeData(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func isInline(p *gmail.MessagePart) bool {
	for _, kv := range p.Headers {
		if kv != nil && strings.EqualFold(kv.Name, "Content-Disposition") {
			return strings.HasPrefix(strings.ToLower(strings.TrimSpace(kv.Value)), "inline")
		}
	}
	return false
}
