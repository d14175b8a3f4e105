package email

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	feedTestUser = "user@gmail.com"
	feedTestPass = "app-password"
)

const testAtomTwoUnread = `<?xml version="1.0" encoding="UTF-8"?>
<feed version="0.3" xmlns="http://purl.org/atom/ns#">
<title>Gmail - Inbox for user@gmail.com</title>
<tagline>New messages in your Gmail Inbox</tagline>
<fullcount>2</fullcount>
<link rel="alternate" href="https://mail.google.com/mail" type="text/html" />
<modified>2026-02-10T09:05:00Z</modified>
<entry>
<title>Lunch tomorrow?</title>
<summary>Hey, are you free tomorrow at noon?
  Tom &amp; Jerry are coming.</summary>
<link rel="alternate" href="https://mail.google.com/mail?account_id=user@gmail.com&amp;message_id=18d9&amp;view=conv" type="text/html" />
<modified>2026-02-10T09:00:00Z</modified>
<issued>2026-02-10T09:00:00Z</issued>
<id>tag:gmail.google.com,2004:1790000000000000001</id>
<author>
<name>Alice</name>
<email>alice@example.com</email>
</author>
</entry>
<entry>
<title>Build failed</title>
<summary>The nightly build failed.</summary>
<link rel="alternate" href="https://mail.google.com/mail?message_id=18d8" type="text/html" />
<modified>2026-02-10T08:00:00Z</modified>
<issued>2026-02-10T08:00:00Z</issued>
<id>tag:gmail.google.com,2004:1790000000000000000</id>
<author>
<name>CI</name>
<email>ci@example.com</email>
</author>
</entry>
</feed>`

const testAtomEmpty = `<?xml version="1.0" encoding="UTF-8"?>
<feed version="0.3" xmlns="http://purl.org/atom/ns#">
<title>Gmail - Inbox for user@gmail.com</title>
<fullcount>0</fullcount>
<modified>2026-02-10T09:05:00Z</modified>
</feed>`

// newTestFeedServer serves body to requests carrying the test credentials
// and counts the requests it receives.
func newTestFeedServer(t *testing.T, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != feedTestUser || pass != feedTestPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="New mail feed"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newFeedTestClient(url string) *FeedClient {
	return NewFeedClient(FeedConfig{URL: url, MinInterval: time.Millisecond})
}

func TestNewFeedClientDefaults(t *testing.T) {
	c := NewFeedClient(FeedConfig{})
	assert.Equal(t, DefaultFeedURL, c.config.URL)
	assert.Equal(t, defaultFeedMinInterval, c.config.MinInterval)
	assert.Equal(t, defaultFeedTimeout, c.config.Timeout)
}

func TestFeedClient_UnreadMessages(t *testing.T) {
	srv, _ := newTestFeedServer(t, testAtomTwoUnread)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))
	defer c.Close()

	msgs, err := c.UnreadMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, "tag:gmail.google.com,2004:1790000000000000001", first.ID)
	assert.Equal(t, "Lunch tomorrow?", first.Subject)
	assert.Equal(t, []Address{{Name: "Alice", Email: "alice@example.com"}}, first.From)
	assert.Equal(t, "https://mail.google.com/mail?account_id=user@gmail.com&message_id=18d9&view=conv", first.Link)
	assert.Equal(t, "Hey, are you free tomorrow at noon? Tom & Jerry are coming.", first.Snippet)
	assert.True(t, first.Date.Equal(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)), "date %v", first.Date)

	assert.Equal(t, "Build failed", msgs[1].Subject)
}

func TestFeedClient_Empty(t *testing.T) {
	srv, _ := newTestFeedServer(t, testAtomEmpty)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))

	msgs, err := c.UnreadMessages(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestFeedClient_BadCredentials(t *testing.T) {
	srv, _ := newTestFeedServer(t, testAtomTwoUnread)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte("wrong"))

	err := c.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, c.Initialized())
}

func TestFeedClient_NoCredentials(t *testing.T) {
	srv, hits := newTestFeedServer(t, testAtomTwoUnread)
	c := newFeedTestClient(srv.URL)

	assert.ErrorIs(t, c.Init(context.Background()), ErrNoCredentials)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestFeedClient_BeforeInit(t *testing.T) {
	srv, hits := newTestFeedServer(t, testAtomTwoUnread)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))

	_, err := c.UnreadMessages(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestFeedClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	err := c.Init(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.NotErrorIs(t, err, ErrAuthFailed)
}

func TestFeedClient_MalformedFeed(t *testing.T) {
	srv, _ := newTestFeedServer(t, "this is not xml")
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))

	assert.ErrorIs(t, c.Init(context.Background()), ErrFetchFailed)
}

func TestFeedClient_RepeatedCallsRefetch(t *testing.T) {
	srv, hits := newTestFeedServer(t, testAtomTwoUnread)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))

	for i := 0; i < 3; i++ {
		msgs, err := c.UnreadMessages(context.Background())
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))
}

func TestFeedClient_CanceledContext(t *testing.T) {
	srv, _ := newTestFeedServer(t, testAtomTwoUnread)
	c := NewFeedClient(FeedConfig{URL: srv.URL, MinInterval: time.Hour})
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.UnreadMessages(ctx)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeedClient_InvalidProxy(t *testing.T) {
	c := NewFeedClient(FeedConfig{Proxy: "://bad"})
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	assert.Error(t, c.Init(context.Background()))
}

func TestFeedClient_CloseScrubs(t *testing.T) {
	srv, _ := newTestFeedServer(t, testAtomEmpty)
	pass := []byte(feedTestPass)
	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, pass)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Close())

	assert.Equal(t, make([]byte, len(feedTestPass)), pass)
	_, err := c.UnreadMessages(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFeedClient_ConvertItemStripsMarkup(t *testing.T) {
	c := NewFeedClient(FeedConfig{})
	published := time.Date(2026, 2, 10, 7, 0, 0, 0, time.UTC)
	msg := c.convertItem(&gofeed.Item{
		GUID:            "id-1",
		Title:           "Hello",
		Description:     "<p>Hi <b>there</b>,</p>\n<p>see you &amp; bye</p>",
		Authors:         []*gofeed.Person{nil, {Name: "Bob", Email: "bob@example.com"}},
		PublishedParsed: &published,
	})

	assert.Equal(t, "Hi there, see you & bye", msg.Snippet)
	assert.Equal(t, []Address{{Name: "Bob", Email: "bob@example.com"}}, msg.From)
	assert.True(t, msg.Date.Equal(published))
}

func TestBasicAuth(t *testing.T) {
	assert.Equal(t, "Basic dXNlcjpwYXNz", basicAuth("user", []byte("pass")))
}

func TestFeedClient_CacheableResponseIsRefetched(t *testing.T) {
	var body atomic.Value
	body.Store(testAtomTwoUnread)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Header().Set("Cache-Control", "private, max-age=300")
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))

	body.Store(testAtomEmpty)
	msgs, err := c.UnreadMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs, "a cached feed must not be reported as current")
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFeedClient_InitDoesNotDelayFirstFetch(t *testing.T) {
	srv, hits := newTestFeedServer(t, testAtomTwoUnread)
	c := NewFeedClient(FeedConfig{URL: srv.URL, MinInterval: time.Hour})
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	msgs, err := c.UnreadMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Less(t, time.Since(start), time.Second)

	// The next poll has to wait an hour, which the deadline forbids.
	_, err = c.UnreadMessages(ctx)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
}

func TestFeedClient_SendsNoCache(t *testing.T) {
	var got atomic.Value
	got.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(strings.ToLower(r.Header.Get("Cache-Control")))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(testAtomEmpty))
	}))
	defer srv.Close()

	c := newFeedTestClient(srv.URL)
	c.SetLogin(feedTestUser, []byte(feedTestPass))
	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, "no-cache", got.Load())
}
