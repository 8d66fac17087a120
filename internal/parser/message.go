package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// ParsedMessage is the best-effort decomposition of a raw payload.
type ParsedMessage struct {
	From    string
	To      []string
	Cc      []string
	Subject string

	// Timestamp is the Date header in epoch millis, zero if absent or
	// unparseable.
	Timestamp int64

	ContentType string
	BodyText    string
	BodyHTML    string
	Attachments []model.Attachment
}

// ThreadID returns the thread key derived from the subject.
func (p *ParsedMessage) ThreadID() string {
	return ThreadID(p.Subject)
}

// ToMessage fills a Message for the given id and account. Attachment ids
// are derived from the message id so repeated pulls stay idempotent.
func (p *ParsedMessage) ToMessage(id, accountID string) model.Message {
	msg := model.Message{
		ID:        id,
		ThreadID:  p.ThreadID(),
		AccountID: accountID,
		From:      p.From,
		To:        p.To,
		Cc:        p.Cc,
		Subject:   p.Subject,
		BodyText:  p.BodyText,
		BodyHTML:  p.BodyHTML,
		Timestamp: p.Timestamp,
	}
	for i, att := range p.Attachments {
		att.EmailID = id
		att.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", id, i))).String()
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg
}

// ParseMessage splits raw at the first blank line, reads From, To, Cc,
// Subject and Date by prefix, and decodes MIME bodies when the payload
// declares a Content-Type. Unknown or broken headers are ignored.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("parsing message: empty payload")
	}

	headerLines, body := splitHeaderBody(raw)

	p := &ParsedMessage{}
	for _, line := range headerLines {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "from":
			if addrs := parseAddresses(value); len(addrs) > 0 {
				p.From = addrs[0]
			}
		case "to":
			p.To = parseAddresses(value)
		case "cc":
			p.Cc = parseAddresses(value)
		case "subject":
			p.Subject = value
		case "date":
			if t, err := netmail.ParseDate(value); err == nil {
				p.Timestamp = t.UnixMilli()
			}
		case "content-type":
			p.ContentType = strings.ToLower(value)
		}
	}

	if p.ContentType == "" || (strings.HasPrefix(p.ContentType, "text/plain") && !isEncoded(headerLines)) {
		p.BodyText = string(body)
		return p, nil
	}

	text, html, atts, err := decodeMIME(raw)
	if err != nil {
		// Keep the undecoded body rather than dropping the message.
		p.BodyText = string(body)
		return p, nil
	}
	p.BodyText = text
	p.BodyHTML = html
	p.Attachments = atts
	return p, nil
}

// splitHeaderBody returns the unfolded header lines and the body after
// the first blank line. A payload without a blank line is all headers.
func splitHeaderBody(raw []byte) ([]string, []byte) {
	var lines []string
	reader := bufio.NewReader(bytes.NewReader(raw))
	consumed := 0

	for {
		line, err := reader.ReadString('\n')
		consumed += len(line)
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" && (err == nil || line != "") {
			return lines, raw[consumed:]
		}
		if trimmed != "" {
			if (trimmed[0] == ' ' || trimmed[0] == '\t') && len(lines) > 0 {
				lines[len(lines)-1] += " " + strings.TrimSpace(trimmed)
			} else {
				lines = append(lines, trimmed)
			}
		}
		if err != nil {
			return lines, nil
		}
	}
}

// parseAddresses returns bare addresses, falling back to the trimmed raw
// tokens when the list is not RFC 5322 clean.
func parseAddresses(value string) []string {
	if value == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(value); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, tok := range strings.Split(value, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func isEncoded(headerLines []string) bool {
	for _, l := range headerLines {
		name, value, ok := strings.Cut(l, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-transfer-encoding") {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(value))
		return v == "base64" || v == "quoted-printable"
	}
	return false
}

// decodeMIME walks the parts of a MIME message and extracts the
// text/plain body, the text/html body, and attachment metadata.
func decodeMIME(raw []byte) (textBody, htmlBody string, attachments []model.Attachment, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", nil, fmt.Errorf("creating mime reader: %w", err)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if textBody == "" && htmlBody == "" && len(attachments) == 0 {
				return "", "", nil, fmt.Errorf("reading mime part: %w", err)
			}
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read to get size without storing content
			n, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, model.Attachment{
				FileName: filename,
				MimeType: contentType,
				Size:     n,
			})
		}
	}

	return textBody, htmlBody, attachments, nil
}
