package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultFeedURL is the Gmail unread-mail Atom feed. Label feeds live
// under DefaultFeedURL + "/<label>".
const DefaultFeedURL = "https://mail.google.com/mail/feed/atom"

const (
	defaultFeedTimeout     = 30 * time.Second
	defaultFeedMinInterval = time.Second
	feedUserAgent          = "emx-unread/1.0"
)

// FeedConfig holds Atom feed configuration. The zero value polls the Gmail
// inbox feed directly.
type FeedConfig struct {
	URL string
	// Proxy is an optional outbound HTTP proxy URL.
	Proxy string
	// MinInterval spaces consecutive requests; negative disables spacing.
	MinInterval time.Duration
	Timeout     time.Duration
	// Transport overrides the base round tripper (the cache wraps it).
	Transport http.RoundTripper
}

// FeedClient reads unread mail from an Atom feed authenticated with HTTP
// basic auth.
type FeedClient struct {
	Base
	config    FeedConfig
	http      *http.Client
	limiter   *rate.Limiter
	parser    *gofeed.Parser
	sanitizer *bluemonday.Policy
}

var _ MailClient = (*FeedClient)(nil)

// NewFeedClient creates a new feed client
func NewFeedClient(config FeedConfig) *FeedClient {
	if config.URL == "" {
		config.URL = DefaultFeedURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultFeedTimeout
	}
	if config.MinInterval == 0 {
		config.MinInterval = defaultFeedMinInterval
	}
	return &FeedClient{
		config:    config,
		parser:    gofeed.NewParser(),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Init builds the HTTP stack and fetches the feed once so that bad
// credentials or an unreachable feed fail here rather than on first use.
func (c *FeedClient) Init(ctx context.Context) error {
	creds, err := c.RequireCredentials()
	if err != nil {
		return err
	}

	base := c.config.Transport
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if c.config.Proxy != "" {
			proxyURL, err := url.Parse(c.config.Proxy)
			if err != nil {
				return fmt.Errorf("invalid proxy URL %q: %w", c.config.Proxy, err)
			}
			tr.Proxy = http.ProxyURL(proxyURL)
		}
		base = tr
	}
	cache := httpcache.NewMemoryCacheTransport()
	cache.Transport = base
	c.http = &http.Client{Transport: cache, Timeout: c.config.Timeout}

	// The probe is not charged against the limiter, so the first
	// UnreadMessages after Init does not wait.
	c.limiter = nil
	msgs, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	limit := rate.Inf
	if c.config.MinInterval > 0 {
		limit = rate.Every(c.config.MinInterval)
	}
	c.limiter = rate.NewLimiter(limit, 1)
	c.Logger().WithFields(logrus.Fields{
		"feed":   c.config.URL,
		"user":   creds.Username,
		"unread": len(msgs),
	}).Info("feed client initialized")

	c.MarkInitialized()
	return nil
}

// UnreadMessages fetches the feed and returns its entries in feed order
// (Gmail lists newest first).
func (c *FeedClient) UnreadMessages(ctx context.Context) ([]*Message, error) {
	if err := c.RequireInitialized(); err != nil {
		return nil, err
	}
	return c.fetch(ctx)
}

// Close drops the HTTP client and scrubs the credentials.
func (c *FeedClient) Close() error {
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
	c.Reset()
	return nil
}

func (c *FeedClient) fetch(ctx context.Context) ([]*Message, error) {
	creds, err := c.RequireCredentials()
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Op: "wait for poll slot", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Authorization", basicAuth(creds.Username, creds.Password))
	req.Header.Set("User-Agent", feedUserAgent)
	// The cache may only revalidate; a stored feed is never served as the
	// current unread list.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: "GET " + c.config.URL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &FetchError{Op: "GET " + c.config.URL, Err: fmt.Errorf("%w: %s", ErrAuthFailed, resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return nil, &FetchError{Op: "GET " + c.config.URL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	feed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, &FetchError{Op: "parse feed", Err: err}
	}

	messages := make([]*Message, 0, len(feed.Items))
	for _, item := range feed.Items {
		messages = append(messages, c.convertItem(item))
	}
	c.Logger().WithField("unread", len(messages)).Debug("feed fetched")
	return messages, nil
}

// convertItem converts a feed entry to our Message
func (c *FeedClient) convertItem(item *gofeed.Item) *Message {
	msg := &Message{
		ID:      item.GUID,
		Subject: item.Title,
		Link:    item.Link,
		Snippet: makeSnippet(html.UnescapeString(c.sanitizer.Sanitize(item.Description))),
	}
	for _, p := range item.Authors {
		if p == nil {
			continue
		}
		msg.From = append(msg.From, Address{Name: p.Name, Email: p.Email})
	}
	switch {
	case item.UpdatedParsed != nil:
		msg.Date = *item.UpdatedParsed
	case item.PublishedParsed != nil:
		msg.Date = *item.PublishedParsed
	}
	return msg
}

// basicAuth encodes the Authorization header value without keeping an
// unencoded copy of the password around.
func basicAuth(username string, password []byte) string {
	buf := make([]byte, 0, len(username)+1+len(password))
	buf = append(buf, username...)
	buf = append(buf, ':')
	buf = append(buf, password...)
	encoded := base64.StdEncoding.EncodeToString(buf)
	for i := range buf {
		buf[i] = 0
	}
	return "Basic " + encoded
}
