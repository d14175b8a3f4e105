// Package archive stores snapshots of unread mail as mbox files in a
// gocloud blob bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"gocloud.dev/blob"

	"github.com/emx-mail/unread/pkgs/email"
)

const (
	// HeaderID carries Message.ID through the archive.
	HeaderID = "X-Unread-Id"
	// HeaderLink carries Message.Link through the archive.
	HeaderLink = "X-Unread-Link"

	mboxContentType = "application/mbox"
	unknownSender   = "MAILER-DAEMON"
)

// WriteMbox renders msgs as one mbox object stored under key. The object is
// only committed when every message was written.
func WriteMbox(ctx context.Context, bucket *blob.Bucket, key string, msgs []*email.Message) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: mboxContentType})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			// Canceling before Close aborts the write.
			cancel()
		}
		if closeErr := w.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to commit %s: %w", key, closeErr)
		}
	}()

	mw := mbox.NewWriter(w)
	for i, msg := range msgs {
		part, err := mw.CreateMessage(envelopeSender(msg), envelopeDate(msg))
		if err != nil {
			return fmt.Errorf("failed to start message %d: %w", i+1, err)
		}
		if err := Render(part, msg); err != nil {
			return fmt.Errorf("failed to render message %d: %w", i+1, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finish mbox: %w", err)
	}
	return nil
}

// ReadMbox loads the messages stored under key.
func ReadMbox(ctx context.Context, bucket *blob.Bucket, key string) ([]*email.Message, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer r.Close()

	msgs := []*email.Message{}
	mr := mbox.NewReader(r)
	for {
		part, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message %d: %w", len(msgs)+1, err)
		}
		entity, err := gomessage.Read(part)
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to parse message %d: %w", len(msgs)+1, err)
		}
		msg := email.MessageFromEntity(entity, true)
		msg.ID = entity.Header.Get(HeaderID)
		msg.Link = entity.Header.Get(HeaderLink)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Render writes msg as an RFC 5322 message. Messages without a text or
// HTML body (feed entries) use their snippet as the text body.
func Render(w io.Writer, msg *email.Message) error {
	var h mail.Header
	h.SetDate(envelopeDate(msg))
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", toMailAddresses(msg.From))
	if len(msg.To) > 0 {
		h.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if id := strings.Trim(msg.MessageID, "<> "); id != "" {
		h.SetMessageID(id)
	}
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		h.Set("References", strings.Join(msg.References, " "))
	}
	if msg.ID != "" {
		h.Set(HeaderID, msg.ID)
	}
	if msg.Link != "" {
		h.Set(HeaderLink, msg.Link)
	}

	body, contentType := msg.TextBody, "text/plain"
	switch {
	case body != "":
	case msg.HTMLBody != "":
		body, contentType = msg.HTMLBody, "text/html"
	default:
		body = msg.Snippet
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	bw, err := gomessage.CreateWriter(w, h.Header)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(bw, body); err != nil {
		bw.Close()
		return err
	}
	return bw.Close()
}

func envelopeSender(msg *email.Message) string {
	if len(msg.From) > 0 && msg.From[0].Email != "" {
		return msg.From[0].Email
	}
	return unknownSender
}

func envelopeDate(msg *email.Message) time.Time {
	if msg.Date.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return msg.Date
}

func toMailAddresses(addrs []email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}
