// Package gmail implements the remote fetcher over the Gmail API. Listings
// are restricted to the INBOX label.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const (
	inboxLabel  = "INBOX"
	unreadLabel = "UNREAD"

	// maxListResults is the Gmail limit for one messages.list call.
	maxListResults = 500
)

// ErrUnsupportedOffset is returned when a page is requested at an offset the
// session has no page token for. Gmail pages by token only.
var ErrUnsupportedOffset = errors.New("gmail: offset not reachable by page token")

// Config configures a Fetcher. With CredentialsJSON, a service account
// impersonates every mailbox through domain-wide delegation; otherwise
// TokenSource authenticates all sessions.
type Config struct {
	CredentialsJSON []byte
	TokenSource     oauth2.TokenSource
	Body            sync.BodyOptions
	Options         []option.ClientOption
}

// Fetcher opens Gmail sessions.
type Fetcher struct {
	jwt  *jwt.Config
	ts   oauth2.TokenSource
	body sync.BodyOptions
	opts []option.ClientOption
}

func New(cfg Config) (*Fetcher, error) {
	f := &Fetcher{ts: cfg.TokenSource, body: cfg.Body, opts: cfg.Options}
	if len(cfg.CredentialsJSON) > 0 {
		conf, err := google.JWTConfigFromJSON(cfg.CredentialsJSON, gmail.GmailReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse gmail service account: %w", err)
		}
		f.jwt = conf
	}
	if f.jwt == nil && f.ts == nil && len(f.opts) == 0 {
		return nil, auth.ErrNoCredentials
	}
	return f, nil
}

func (f *Fetcher) service(ctx context.Context, address string) (*gmail.Service, error) {
	// The service outlives the call that opened it.
	base := context.WithoutCancel(ctx)
	opts := append([]option.ClientOption{}, f.opts...)
	switch {
	case f.jwt != nil:
		conf := *f.jwt
		conf.Subject = address
		opts = append(opts, option.WithHTTPClient(conf.Client(base)))
	case f.ts != nil:
		opts = append(opts, option.WithTokenSource(f.ts))
	}
	return gmail.NewService(base, opts...)
}

// OpenSession binds the INBOX label of address.
func (f *Fetcher) OpenSession(ctx context.Context, address string) (sync.Session, error) {
	svc, err := f.service(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("create gmail service for %s: %w", address, err)
	}
	label, err := svc.Users.Labels.Get(address, inboxLabel).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("bind inbox of %s: %w", address, err)
	}
	return &session{
		svc:         svc,
		address:     address,
		body:        f.body,
		inboxTotal:  int(label.MessagesTotal),
		inboxUnread: int(label.MessagesUnread),
		tokens:      map[int]string{0: ""},
	}, nil
}

type session struct {
	svc         *gmail.Service
	address     string
	body        sync.BodyOptions
	inboxTotal  int
	inboxUnread int
	tokens      map[int]string
	lastFilter  sync.Filter
}

// CountSince uses the label counters for the whole inbox and the result size
// estimate for a bounded window.
func (s *session) CountSince(ctx context.Context, since time.Time, unreadOnly bool) (int, error) {
	if since.IsZero() {
		if unreadOnly {
			return s.inboxUnread, nil
		}
		return s.inboxTotal, nil
	}
	resp, err := s.svc.Users.Messages.List(s.address).
		LabelIds(inboxLabel).
		Q(buildQuery(sync.Filter{Since: since, UnreadOnly: unreadOnly})).
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(resp.ResultSizeEstimate), nil
}

func (s *session) FetchPage(ctx context.Context, filter sync.Filter, offset, pageSize int) (sync.Page, error) {
	if filter != s.lastFilter {
		s.tokens = map[int]string{0: ""}
		s.lastFilter = filter
	}
	token, ok := s.tokens[offset]
	if !ok {
		return sync.Page{}, fmt.Errorf("%w: %d", ErrUnsupportedOffset, offset)
	}

	call := s.svc.Users.Messages.List(s.address).
		LabelIds(inboxLabel).
		IncludeSpamTrash(false).
		MaxResults(int64(min(max(pageSize, 1), maxListResults)))
	if q := buildQuery(filter); q != "" {
		call = call.Q(q)
	}
	if token != "" {
		call = call.PageToken(token)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return sync.Page{}, fmt.Errorf("list messages: %w", err)
	}

	page := sync.Page{MoreAvailable: resp.NextPageToken != ""}
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		page.Items = append(page.Items, sync.ItemSummary{ID: m.Id})
	}
	if page.MoreAvailable {
		s.tokens[offset+len(page.Items)] = resp.NextPageToken
	}
	return page, nil
}

func (s *session) ExpandItem(ctx context.Context, item sync.ItemSummary) (*sync.MessageRecord, error) {
	msg, err := s.svc.Users.Messages.Get(s.address, item.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return normalize(msg, s.body), nil
}

func (s *session) Close() error {
	s.tokens = nil
	return nil
}

// buildQuery renders f in Gmail search syntax.
func buildQuery(f sync.Filter) string {
	var terms []string
	if !f.Since.IsZero() {
		terms = append(terms, "after:"+strconv.FormatInt(f.Since.Unix(), 10))
	}
	if f.UnreadOnly {
		terms = append(terms, "is:unread")
	}
	return strings.Join(terms, " ")
}
