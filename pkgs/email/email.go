package email

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Message represents an unread email message as reported by a transport.
// Transports fill what they can: the Atom feed carries no recipients and
// POP3 carries no flags.
type Message struct {
	// ID is the transport's stable identifier (feed entry id, IMAP UID,
	// POP3 UIDL, Gmail message id).
	ID string

	// Envelope
	From    []Address
	To      []Address
	Cc      []Address
	Subject string
	Date    time.Time

	// Content
	Snippet  string
	TextBody string
	HTMLBody string
	Link     string

	// Metadata
	MessageID   string
	References  []string
	InReplyTo   string
	Flags       MessageFlag
	Labels      []string
	Attachments []Attachment

	// Server-specific
	UID    uint32
	SeqNum uint32
	Size   uint32
}

// Address represents an email address
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String formats the address as "Name <email>" or just the email.
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Email + ">"
	}
	return a.Email
}

// Attachment represents an email attachment
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// MessageFlag represents message flags
type MessageFlag struct {
	Seen     bool
	Flagged  bool
	Answered bool
	Draft    bool
	Deleted  bool
}

const snippetLen = 200

// makeSnippet collapses whitespace and truncates s to snippetLen runes.
func makeSnippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetLen]) + "..."
}
