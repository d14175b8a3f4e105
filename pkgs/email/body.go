package email

import (
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// MessageFromEntity builds a Message from a parsed RFC 5322 entity. When
// withBody is set the text, HTML and attachment parts are read as well;
// otherwise only the header is consumed.
func MessageFromEntity(entity *gomessage.Entity, withBody bool) *Message {
	msg := messageFromHeader(mail.Header{Header: entity.Header})
	if withBody {
		parseEntityBody(msg, entity)
		if msg.TextBody != "" {
			msg.Snippet = makeSnippet(msg.TextBody)
		}
	}
	return msg
}

// messageFromHeader fills the envelope fields from a mail header.
func messageFromHeader(h mail.Header) *Message {
	msg := &Message{}
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.MessageID = h.Get("Message-Id")
	msg.InReplyTo = h.Get("In-Reply-To")
	if refs := h.Get("References"); refs != "" {
		msg.References = strings.Fields(refs)
	}
	if from, err := h.AddressList("From"); err == nil {
		msg.From = mailAddrsToEmail(from)
	}
	if to, err := h.AddressList("To"); err == nil {
		msg.To = mailAddrsToEmail(to)
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		msg.Cc = mailAddrsToEmail(cc)
	}
	return msg
}

func mailAddrsToEmail(addrs []*mail.Address) []Address {
	dec := &mime.WordDecoder{}
	out := make([]Address, len(addrs))
	for i, a := range addrs {
		name := a.Name
		if decoded, err := dec.DecodeHeader(name); err == nil {
			name = decoded
		}
		out[i] = Address{Name: name, Email: a.Address}
	}
	return out
}

// parseEntityBody reads TextBody, HTMLBody and Attachments from a single-part
// or (nested) multipart entity.
func parseEntityBody(msg *Message, entity *gomessage.Entity) {
	if mr := entity.MultipartReader(); mr != nil {
		parseMultipart(msg, mr)
	} else {
		parseSinglePart(msg, entity)
	}
}

func parseMultipart(msg *Message, mr gomessage.MultipartReader) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()

		switch {
		case strings.HasPrefix(ct, "text/plain") && msg.TextBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.TextBody = string(body)
			}

		case strings.HasPrefix(ct, "text/html") && msg.HTMLBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.HTMLBody = string(body)
			}

		case strings.HasPrefix(ct, "multipart/"):
			if nested := part.MultipartReader(); nested != nil {
				parseMultipart(msg, nested)
			}

		default:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			h := mail.AttachmentHeader{Header: part.Header}
			filename, _ := h.Filename()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Size:        int64(len(body)),
				Data:        body,
			})
		}
	}
}

func parseSinglePart(msg *Message, entity *gomessage.Entity) {
	ct, _, _ := entity.Header.ContentType()
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	if strings.HasPrefix(ct, "text/html") {
		msg.HTMLBody = string(body)
	} else {
		msg.TextBody = string(body)
	}
}
