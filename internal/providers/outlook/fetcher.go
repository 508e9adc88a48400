// Package outlook implements the remote fetcher over Microsoft Graph. Every
// session is bound to the inbox folder of one mailbox.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const inboxFolder = "inbox"

// Extended MAPI properties not surfaced as first class Graph fields.
const (
	propMessageSize      = "Integer 0x0E08"
	propLastModifierName = "String 0x3FFA"
)

var messageSelect = []string{
	"id", "internetMessageId", "conversationId",
	"sentDateTime", "receivedDateTime", "createdDateTime", "lastModifiedDateTime",
	"from", "replyTo", "toRecipients", "ccRecipients",
	"importance", "subject", "body", "bodyPreview", "hasAttachments", "isRead",
}

var messageExpand = []string{
	"attachments($select=name,isInline,size)",
	fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s' or id eq '%s')", propMessageSize, propLastModifierName),
}

// Config configures a Fetcher.
type Config struct {
	Credential azcore.TokenCredential
	Scopes     []string
	Body       sync.BodyOptions
}

// Fetcher opens Graph sessions. One Graph client is shared by all sessions.
type Fetcher struct {
	client *msgraphsdk.GraphServiceClient
	body   sync.BodyOptions
}

// New creates a Graph client from cfg.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Credential == nil {
		return nil, errors.New("graph credential is required")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{auth.GraphScope}
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cfg.Credential, scopes)
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}
	return &Fetcher{client: client, body: cfg.Body}, nil
}

// OpenSession binds the inbox of address. It fails when the mailbox or its
// inbox cannot be reached.
func (f *Fetcher) OpenSession(ctx context.Context, address string) (sync.Session, error) {
	folder, err := f.client.Users().ByUserId(address).MailFolders().ByMailFolderId(inboxFolder).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bind inbox of %s: %w", address, err)
	}
	s := &session{client: f.client, address: address, body: f.body}
	if n := folder.GetTotalItemCount(); n != nil {
		s.inboxTotal = int(*n)
	}
	if n := folder.GetUnreadItemCount(); n != nil {
		s.inboxUnread = int(*n)
	}
	return s, nil
}

type session struct {
	client      *msgraphsdk.GraphServiceClient
	address     string
	body        sync.BodyOptions
	inboxTotal  int
	inboxUnread int
}

func (s *session) messages() *users.ItemMailFoldersItemMessagesRequestBuilder {
	return s.client.Users().ByUserId(s.address).MailFolders().ByMailFolderId(inboxFolder).Messages()
}

// CountSince uses the folder counters for the whole inbox and $count for a
// bounded window.
func (s *session) CountSince(ctx context.Context, since time.Time, unreadOnly bool) (int, error) {
	if since.IsZero() {
		if unreadOnly {
			return s.inboxUnread, nil
		}
		return s.inboxTotal, nil
	}

	count := true
	top := int32(1)
	filter := buildFilter(sync.Filter{Since: since, UnreadOnly: unreadOnly})
	resp, err := s.messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Count:  &count,
			Top:    &top,
			Filter: &filter,
			Select: []string{"id"},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	if n := resp.GetOdataCount(); n != nil {
		return int(*n), nil
	}
	return len(resp.GetValue()), nil
}

func (s *session) FetchPage(ctx context.Context, filter sync.Filter, offset, pageSize int) (sync.Page, error) {
	top := int32(pageSize)
	skip := int32(offset)
	params := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Top:     &top,
		Skip:    &skip,
		Select:  []string{"id", "receivedDateTime"},
		Orderby: []string{"receivedDateTime asc"},
	}
	if f := buildFilter(filter); f != "" {
		params.Filter = &f
	}

	resp, err := s.messages().Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: params,
	})
	if err != nil {
		return sync.Page{}, fmt.Errorf("list messages: %w", err)
	}
	return toPage(resp), nil
}

func (s *session) ExpandItem(ctx context.Context, item sync.ItemSummary) (*sync.MessageRecord, error) {
	msg, err := s.client.Users().ByUserId(s.address).Messages().ByMessageId(item.ID).Get(ctx,
		&users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
				Select: messageSelect,
				Expand: messageExpand,
			},
		})
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return normalize(msg, s.body), nil
}

// Close is a no-op: the Graph client is shared and stateless per mailbox.
func (s *session) Close() error {
	return nil
}

func toPage(resp models.MessageCollectionResponseable) sync.Page {
	var page sync.Page
	for _, m := range resp.GetValue() {
		if m == nil || m.GetId() == nil {
			continue
		}
		item := sync.ItemSummary{ID: *m.GetId()}
		if t := m.GetReceivedDateTime(); t != nil {
			item.ReceivedAt = t.UTC()
		}
		page.Items = append(page.Items, item)
	}
	page.MoreAvailable = resp.GetOdataNextLink() != nil && *resp.GetOdataNextLink() != ""
	return page
}

// buildFilter renders f as an OData $filter expression.
func buildFilter(f sync.Filter) string {
	var expr string
	if !f.Since.IsZero() {
		expr = "receivedDateTime gt " + f.Since.UTC().Format(time.RFC3339)
	}
	if f.UnreadOnly {
		if expr != "" {
			expr += " and "
		}
		expr += "isRead eq false"
	}
	return expr
}
