package outlook

import (
	"strconv"
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// normalize converts a Graph message into a MessageRecord.
func normalize(m models.Messageable, body sync.BodyOptions) *sync.MessageRecord {
	rec := &sync.MessageRecord{
		ID:                deref(m.GetId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		ConversationID:    deref(m.GetConversationId()),
		Subject:           deref(m.GetSubject()),
		ReplyTo:           recipients(m.GetReplyTo()),
		To:                recipients(m.GetToRecipients()),
		Cc:                recipients(m.GetCcRecipients()),
	}

	if t := m.GetSentDateTime(); t != nil {
		rec.SentAt = t.UTC()
	}
	if t := m.GetReceivedDateTime(); t != nil {
		rec.ReceivedAt = t.UTC()
	}
	if t := m.GetCreatedDateTime(); t != nil {
		rec.CreatedAt = t.UTC()
	}
	if t := m.GetLastModifiedDateTime(); t != nil {
		rec.ModifiedAt = t.UTC()
	}
	if from := m.GetFrom(); from != nil {
		rec.From = recipient(from)
	}
	if imp := m.GetImportance(); imp != nil {
		rec.Importance = strings.ToLower(imp.String())
	}
	if read := m.GetIsRead(); read != nil {
		rec.IsRead = *read
	}

	if b := m.GetBody(); b != nil {
		rec.BodyType = sync.BodyTypeText
		if ct := b.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			rec.BodyType = sync.BodyTypeHTML
		}
		rec.Body = body.Apply(deref(b.GetContent()))
	} else if preview := m.GetBodyPreview(); preview != nil {
		rec.BodyType = sync.BodyTypeText
		rec.Body = body.Apply(*preview)
	}

	for _, a := range m.GetAttachments() {
		if a == nil {
			continue
		}
		if inline := a.GetIsInline(); inline != nil && *inline {
			continue
		}
		rec.AttachmentCount++
		if name := deref(a.GetName()); name != "" {
			rec.AttachmentNames = append(rec.AttachmentNames, name)
		}
	}

	for _, p := range m.GetSingleValueExtendedProperties() {
		if p == nil {
			continue
		}
		switch deref(p.GetId()) {
		case propMessageSize:
			if n, err := strconv.ParseInt(deref(p.GetValue()), 10, 64); err == nil {
				rec.SizeBytes = n
			}
		case propLastModifierName:
			rec.ModifiedBy = deref(p.GetValue())
		}
	}
	return rec
}

func recipients(rs []models.Recipientable) []sync.Recipient {
	var out []sync.Recipient
	for _, r := range rs {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		out = append(out, recipient(r))
	}
	return out
}

func recipient(r models.Recipientable) sync.Recipient {
	addr := r.GetEmailAddress()
	if addr == nil {
		return sync.Recipient{}
	}
	return sync.Recipient{
		Name:    deref(addr.GetName()),
		Address: deref(addr.GetAddress()),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
