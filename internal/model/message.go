package model

import "time"

// Message is the local, authoritative copy of one mail item.
type Message struct {
	// ID is stable and globally unique, independent of where the
	// message originated.
	ID string `json:"id"`

	// ThreadID groups replies and forwards of the same conversation.
	ThreadID string `json:"thread_id"`

	// AccountID is the configured account the message belongs to.
	AccountID string `json:"account_id"`

	From string   `json:"from"`
	To   []string `json:"to"`
	Cc   []string `json:"cc,omitempty"`
	Bcc  []string `json:"bcc,omitempty"`

	Subject      string `json:"subject"`
	BodyText     string `json:"body_text"`
	BodyHTML     string `json:"body_html,omitempty"`
	BodyMarkdown string `json:"body_markdown,omitempty"`

	// Timestamp is epoch milliseconds, set by the server on pull or
	// locally on send/draft.
	Timestamp int64 `json:"timestamp"`

	IsRead    bool `json:"is_read"`
	IsStarred bool `json:"is_starred"`

	Labels Labels `json:"labels"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Clone returns a deep copy so callers can compute a new state without
// touching the loaded row.
func (m *Message) Clone() *Message {
	c := *m
	c.To = append([]string(nil), m.To...)
	c.Cc = append([]string(nil), m.Cc...)
	c.Bcc = append([]string(nil), m.Bcc...)
	c.Labels = m.Labels.Clone()
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	return &c
}

// HasAttachments reports whether any attachment is recorded.
func (m *Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Attachment is owned by exactly one Message and is purged with it.
type Attachment struct {
	ID        string `json:"id"`
	EmailID   string `json:"email_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	URL       string `json:"url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
