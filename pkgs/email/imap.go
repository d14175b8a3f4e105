package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

// IMAPConfig holds IMAP configuration
type IMAPConfig struct {
	Host     string
	Port     int
	SSL      bool
	StartTLS bool
	// Folder to report unread mail for, default "INBOX".
	Folder string
	// SASL selects AUTHENTICATE PLAIN instead of LOGIN.
	SASL bool
	// FetchBody downloads full messages (without setting \Seen) so that
	// TextBody, HTMLBody and Snippet are populated.
	FetchBody bool
	TLSConfig *tls.Config
}

// IMAPClient reports unseen messages of one IMAP folder.
type IMAPClient struct {
	Base
	config IMAPConfig
	client *imapclient.Client
}

var _ MailClient = (*IMAPClient)(nil)

// NewIMAPClient creates a new IMAP client
func NewIMAPClient(config IMAPConfig) *IMAPClient {
	if config.Folder == "" {
		config.Folder = "INBOX"
	}
	return &IMAPClient{
		config: config,
	}
}

// Init connects and authenticates. The connection stays open until Close.
func (c *IMAPClient) Init(ctx context.Context) error {
	creds, err := c.RequireCredentials()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	opts := &imapclient.Options{TLSConfig: c.config.TLSConfig}

	var client *imapclient.Client
	switch {
	case c.config.SSL:
		client, err = imapclient.DialTLS(addr, opts)
	case c.config.StartTLS:
		client, err = imapclient.DialStartTLS(addr, opts)
	default:
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return &FetchError{Op: "connect " + addr, Err: err}
	}

	if c.config.SASL {
		err = client.Authenticate(sasl.NewPlainClient("", creds.Username, string(creds.Password)))
	} else {
		err = client.Login(creds.Username, string(creds.Password)).Wait()
	}
	if err != nil {
		client.Close()
		return &FetchError{Op: "IMAP login", Err: fmt.Errorf("%w: %v", ErrAuthFailed, err)}
	}

	c.client = client
	c.Logger().WithFields(logrus.Fields{
		"server": addr,
		"user":   creds.Username,
		"folder": c.config.Folder,
	}).Info("IMAP client initialized")
	c.MarkInitialized()
	return nil
}

// UnreadMessages returns the messages without \Seen, oldest UID first.
// The folder is selected read-only so nothing is marked as read.
func (c *IMAPClient) UnreadMessages(ctx context.Context) ([]*Message, error) {
	if err := c.RequireInitialized(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	folder := c.config.Folder
	if _, err := c.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, &FetchError{Op: "select " + folder, Err: err}
	}

	searchData, err := c.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, &FetchError{Op: "search unseen", Err: err}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return []*Message{}, nil
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:   true,
		Flags:      true,
		UID:        true,
		RFC822Size: true,
	}
	bodySection := &imap.FetchItemBodySection{Peek: true}
	if c.config.FetchBody {
		fetchOptions.BodySection = []*imap.FetchItemBodySection{bodySection}
	}

	bufs, err := c.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, &FetchError{Op: "fetch unseen", Err: err}
	}
	sort.Slice(bufs, func(i, j int) bool { return bufs[i].UID < bufs[j].UID })

	messages := make([]*Message, 0, len(bufs))
	for _, buf := range bufs {
		msg := convertIMAPFetchBuffer(buf)
		if c.config.FetchBody {
			if raw := buf.FindBodySection(bodySection); raw != nil {
				parseIMAPMessageBody(msg, raw)
			}
		}
		messages = append(messages, msg)
	}
	c.Logger().WithFields(logrus.Fields{"folder": folder, "unread": len(messages)}).Debug("IMAP unseen fetched")
	return messages, nil
}

// Close logs out and scrubs the credentials.
func (c *IMAPClient) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	c.Reset()
	return err
}

// convertIMAPFetchBuffer converts a FetchMessageBuffer to our Message
func convertIMAPFetchBuffer(buf *imapclient.FetchMessageBuffer) *Message {
	msg := &Message{
		ID:     strconv.FormatUint(uint64(buf.UID), 10),
		UID:    uint32(buf.UID),
		SeqNum: buf.SeqNum,
		Size:   uint32(buf.RFC822Size),
	}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.MessageID = env.MessageID
		msg.InReplyTo = strings.Join(env.InReplyTo, " ")
		msg.From = convertIMAPAddresses(env.From)
		msg.To = convertIMAPAddresses(env.To)
		msg.Cc = convertIMAPAddresses(env.Cc)
	}

	for _, f := range buf.Flags {
		switch f {
		case imap.FlagSeen:
			msg.Flags.Seen = true
		case imap.FlagFlagged:
			msg.Flags.Flagged = true
		case imap.FlagAnswered:
			msg.Flags.Answered = true
		case imap.FlagDraft:
			msg.Flags.Draft = true
		case imap.FlagDeleted:
			msg.Flags.Deleted = true
		}
	}

	return msg
}

// convertIMAPAddresses converts IMAP addresses to our Addresses
func convertIMAPAddresses(addrs []imap.Address) []Address {
	result := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, Address{
			Name:  a.Name,
			Email: a.Addr(),
		})
	}
	return result
}

// parseIMAPMessageBody parses raw RFC 5322 message bytes into text/html body
func parseIMAPMessageBody(msg *Message, raw []byte) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		msg.TextBody = string(raw)
		msg.Snippet = makeSnippet(msg.TextBody)
		return
	}
	parseEntityBody(msg, entity)
	if msg.TextBody != "" {
		msg.Snippet = makeSnippet(msg.TextBody)
	}
}
