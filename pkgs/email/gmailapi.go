package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/emx-mail/unread/pkgs/auth"
)

// DefaultGmailQuery selects unread mail in the inbox.
const DefaultGmailQuery = "is:unread in:inbox"

// gmailSelf is the user id the API resolves to the token's own account.
const gmailSelf = "me"

var gmailMetadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "In-Reply-To", "References"}

// GmailAPIConfig holds Gmail REST API configuration.
//
// The credentials' username is the Gmail user id ("me" or the account
// address) and the password is an OAuth2 access token with a read scope.
type GmailAPIConfig struct {
	Query    string
	PageSize int64
	// Endpoint and HTTPClient override the Google defaults (tests, proxies).
	// An HTTPClient is used as-is and must carry its own authorization.
	Endpoint   string
	HTTPClient *http.Client
}

// GmailAPIClient reads unread mail through the Gmail REST API.
type GmailAPIClient struct {
	Base
	config GmailAPIConfig
	svc    *gmail.Service
	userID string
}

var _ MailClient = (*GmailAPIClient)(nil)

// NewGmailAPIClient creates a new Gmail API client
func NewGmailAPIClient(config GmailAPIConfig) *GmailAPIClient {
	if config.Query == "" {
		config.Query = DefaultGmailQuery
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	return &GmailAPIClient{config: config}
}

// Init builds the API service and reads the profile to check the token.
func (c *GmailAPIClient) Init(ctx context.Context) error {
	creds, userID, err := c.requireToken()
	if err != nil {
		return err
	}

	var opts []option.ClientOption
	if c.config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.config.HTTPClient))
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: string(creds.Password),
			TokenType:   "Bearer",
		})
		opts = append(opts, option.WithTokenSource(ts))
	}
	if c.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.config.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gmail service: %w", err)
	}

	profile, err := svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return &FetchError{Op: "get profile", Err: classifyGmailError(err)}
	}

	c.svc = svc
	c.userID = userID
	c.Logger().WithFields(logrus.Fields{
		"user":     profile.EmailAddress,
		"messages": profile.MessagesTotal,
	}).Info("Gmail API client initialized")
	c.MarkInitialized()
	return nil
}

// UnreadMessages lists every message matching the query, following page
// tokens, in the order the API returns them (newest first).
func (c *GmailAPIClient) UnreadMessages(ctx context.Context) ([]*Message, error) {
	if err := c.RequireInitialized(); err != nil {
		return nil, err
	}
	user := c.userID

	messages := []*Message{}
	pageToken := ""
	for {
		call := c.svc.Users.Messages.List(user).Q(c.config.Query).MaxResults(c.config.PageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			return nil, &FetchError{Op: "list messages", Err: classifyGmailError(err)}
		}

		for _, ref := range res.Messages {
			m, err := c.svc.Users.Messages.Get(user, ref.Id).
				Format("metadata").
				MetadataHeaders(gmailMetadataHeaders...).
				Context(ctx).Do()
			if err != nil {
				return nil, &FetchError{Op: "get message " + ref.Id, Err: classifyGmailError(err)}
			}
			messages = append(messages, convertGmailMessage(m))
		}

		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}
	c.Logger().WithField("unread", len(messages)).Debug("Gmail API unread listed")
	return messages, nil
}

// Close drops the service and scrubs the credentials.
func (c *GmailAPIClient) Close() error {
	c.svc = nil
	c.userID = ""
	c.Reset()
	return nil
}

// requireToken returns the credentials and the user id to query. An empty
// username with a token selects the token's own account.
func (c *GmailAPIClient) requireToken() (*auth.Credentials, string, error) {
	if creds := c.LoginCredentials(); creds != nil && creds.Username == "" && len(creds.Password) > 0 {
		return creds, gmailSelf, nil
	}
	creds, err := c.RequireCredentials()
	if err != nil {
		return nil, "", err
	}
	return creds, creds.Username, nil
}

func convertGmailMessage(m *gmail.Message) *Message {
	var h gomessage.Header
	if m.Payload != nil {
		for _, hd := range m.Payload.Headers {
			h.Add(hd.Name, hd.Value)
		}
	}
	msg := messageFromHeader(mail.Header{Header: h})
	msg.ID = m.Id
	msg.Snippet = makeSnippet(m.Snippet)
	msg.Labels = m.LabelIds
	msg.Size = uint32(m.SizeEstimate)
	if msg.Date.IsZero() && m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	}

	msg.Flags.Seen = true
	for _, l := range m.LabelIds {
		switch l {
		case "UNREAD":
			msg.Flags.Seen = false
		case "STARRED":
			msg.Flags.Flagged = true
		case "DRAFT":
			msg.Flags.Draft = true
		}
	}
	return msg
}

func classifyGmailError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return err
}
