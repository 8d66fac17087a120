package dav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/parser"
)

const (
	mailCollection = "/mail/"
	sentCollection = "/mail/sent/"
)

// Session is a connected, authenticated view of one account's server.
// It holds no mutable state and is safe for concurrent use.
type Session struct {
	accountID  string
	base       *url.URL
	auth       string
	httpClient *http.Client

	maxAttempts    int
	initialBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error

	log logrus.FieldLogger
}

// FlagPatch lists the properties a PROPPATCH sets. Nil fields are left
// untouched on the server.
type FlagPatch struct {
	Read     *bool
	Flagged  *bool
	Answered *bool
	Folder   *string
}

// Empty reports whether the patch sets nothing.
func (p FlagPatch) Empty() bool {
	return p.Read == nil && p.Flagged == nil && p.Answered == nil && p.Folder == nil
}

// AccountID returns the account the session is bound to.
func (s *Session) AccountID() string {
	return s.accountID
}

// Close releases idle pooled connections.
func (s *Session) Close() {
	s.httpClient.CloseIdleConnections()
}

func (s *Session) url(path string) string {
	return s.base.String() + path
}

func messagePath(id string) string {
	return mailCollection + url.PathEscape(id) + ".eml"
}

// Ping checks connectivity and credentials with OPTIONS /.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.do(ctx, request{method: http.MethodOptions, path: "/"})
	if err != nil {
		return fmt.Errorf("probing server: %w", err)
	}
	return nil
}

// List returns the message resources of the mail collection.
func (s *Session) List(ctx context.Context) ([]parser.Resource, error) {
	resp, err := s.do(ctx, request{
		method: "PROPFIND",
		path:   mailCollection,
		body:   []byte(propfindBody),
		headers: map[string]string{
			"Depth":        "1",
			"Content-Type": "application/xml; charset=utf-8",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", mailCollection, err)
	}

	resources, err := parser.ParseMultiStatus(bytes.NewReader(resp.body), s.log)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", mailCollection, err)
	}

	out := resources[:0]
	for _, r := range resources {
		if r.IsCollection() || r.Status >= 300 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Fetch downloads the raw RFC 5322 payload of a message.
func (s *Session) Fetch(ctx context.Context, id string) ([]byte, error) {
	resp, err := s.do(ctx, request{method: http.MethodGet, path: messagePath(id)})
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", id, err)
	}
	return resp.body, nil
}

// FetchMessages lists the mail collection and downloads every message
// modified after since (epoch millis). A since of zero pulls everything.
// Messages that vanish between listing and download, or whose payload
// cannot be parsed, are skipped.
func (s *Session) FetchMessages(ctx context.Context, since int64) ([]model.Message, error) {
	resources, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var msgs []model.Message
	for _, res := range resources {
		id := res.ID()
		log := s.log.WithField("email_id", id)

		modified := lastModified(res)
		if since > 0 && modified > 0 && modified <= since {
			continue
		}

		raw, err := s.Fetch(ctx, id)
		if mailerr.IsNotFound(err) {
			log.Debug("message vanished before download")
			continue
		}
		if err != nil {
			return nil, err
		}

		parsed, err := parser.ParseMessage(raw)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable message")
			continue
		}

		msg := parsed.ToMessage(id, s.accountID)
		applyProps(&msg, res, modified)
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// applyProps overlays server-side state from the listing onto a parsed
// message. The timestamp is getlastmodified, else the Date header. A
// message with neither keeps a zero timestamp; the engine resolves it
// against the local copy.
func applyProps(msg *model.Message, res parser.Resource, modified int64) {
	if modified > 0 {
		msg.Timestamp = modified
	}

	if v, ok := res.Prop("read"); ok {
		msg.IsRead = propBool(v)
	}
	if v, ok := res.Prop("flagged"); ok {
		msg.IsStarred = propBool(v)
	}

	folder := model.LabelInbox
	if v, ok := res.Prop("folder"); ok && strings.TrimSpace(v) != "" {
		folder = strings.ToLower(strings.TrimSpace(v))
	}
	msg.Labels = model.NewLabels(folder)
}

func lastModified(res parser.Resource) int64 {
	v, ok := res.Prop("getlastmodified")
	if !ok || v == "" {
		return 0
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func propBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Send uploads msg as an RFC 5322 document into the sent collection.
func (s *Session) Send(ctx context.Context, msg model.Message) error {
	raw, err := composeMessage(msg)
	if err != nil {
		return &mailerr.ValidationError{Field: "message", Message: err.Error()}
	}

	_, err = s.do(ctx, request{
		method:  http.MethodPut,
		path:    sentCollection + url.PathEscape(msg.ID) + ".eml",
		body:    raw,
		headers: map[string]string{"Content-Type": "message/rfc822"},
	})
	if err != nil {
		return fmt.Errorf("sending message %s: %w", msg.ID, err)
	}
	return nil
}

// composeMessage renders msg with enmime's builder.
func composeMessage(msg model.Message) ([]byte, error) {
	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}

	b := enmime.Builder().
		From("", msg.From).
		Subject(subject).
		Date(msg.Time()).
		Header("Message-ID", fmt.Sprintf("<%s@mailsync>", msg.ID)).
		Text([]byte(msg.BodyText))
	if msg.BodyHTML != "" {
		b = b.HTML([]byte(msg.BodyHTML))
	}
	for _, addr := range msg.To {
		b = b.To("", addr)
	}
	for _, addr := range msg.Cc {
		b = b.CC("", addr)
	}
	for _, addr := range msg.Bcc {
		b = b.BCC("", addr)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf.Bytes(), nil
}

// Delete removes a message on the server. A NotFoundError is returned
// unchanged so callers can treat an already deleted message as done.
func (s *Session) Delete(ctx context.Context, id string) error {
	_, err := s.do(ctx, request{method: http.MethodDelete, path: messagePath(id)})
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// PatchFlags sets message properties with PROPPATCH. A multi-status
// reply that reports any property as failed is an error.
func (s *Session) PatchFlags(ctx context.Context, id string, patch FlagPatch) error {
	if patch.Empty() {
		return nil
	}

	resp, err := s.do(ctx, request{
		method:  "PROPPATCH",
		path:    messagePath(id),
		body:    proppatchBody(patch),
		headers: map[string]string{"Content-Type": "application/xml; charset=utf-8"},
	})
	if err != nil {
		return fmt.Errorf("patching message %s: %w", id, err)
	}

	if resp.code != http.StatusMultiStatus || len(resp.body) == 0 {
		return nil
	}

	resources, err := parser.ParseMultiStatus(bytes.NewReader(resp.body), s.log)
	if err != nil {
		return fmt.Errorf("patching message %s: %w", id, err)
	}
	for _, r := range resources {
		if r.Status >= 300 {
			return &StatusError{Method: "PROPPATCH", Path: messagePath(id), Code: r.Status}
		}
	}
	return nil
}
