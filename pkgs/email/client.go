package email

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/emx-mail/unread/pkgs/auth"
)

var (
	// ErrNotInitialized is returned when UnreadMessages is called before a
	// successful Init, or after Close.
	ErrNotInitialized = errors.New("mail client not initialized")
	// ErrNoCredentials is returned by Init when no usable credentials are set.
	ErrNoCredentials = errors.New("login credentials not set")
	// ErrAuthFailed is wrapped when the server rejects the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrFetchFailed matches every *FetchError.
	ErrFetchFailed = errors.New("fetch failed")
)

// MailClient is the contract shared by every transport. The lifecycle is:
// construct, set credentials, Init, then UnreadMessages as often as needed.
// Implementations are not safe for concurrent use.
type MailClient interface {
	// SetLoginCredentials stores creds, replacing any previous value.
	SetLoginCredentials(creds *auth.Credentials)

	// SetLogin is shorthand for SetLoginCredentials(auth.NewCredentials(username, password)).
	SetLogin(username string, password []byte)

	// Init prepares the transport. Credentials must be set first.
	Init(ctx context.Context) error

	// UnreadMessages returns every message currently unread, never nil.
	UnreadMessages(ctx context.Context) ([]*Message, error)

	// Close releases the transport and scrubs the held credentials.
	Close() error
}

// FetchError is a recoverable failure talking to the mail transport.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrFetchFailed, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Base carries the state every MailClient needs: credentials, the
// initialized flag and a logger. Variants embed it.
type Base struct {
	creds       *auth.Credentials
	initialized bool
	log         logrus.FieldLogger
}

// SetLoginCredentials implements MailClient.
func (b *Base) SetLoginCredentials(creds *auth.Credentials) {
	b.creds = creds
}

// SetLogin implements MailClient.
func (b *Base) SetLogin(username string, password []byte) {
	b.SetLoginCredentials(auth.NewCredentials(username, password))
}

// LoginCredentials returns the stored credentials, or nil.
func (b *Base) LoginCredentials() *auth.Credentials {
	return b.creds
}

// SetLogger replaces the logger. A nil logger discards output.
func (b *Base) SetLogger(l logrus.FieldLogger) {
	b.log = l
}

// Logger never returns nil.
func (b *Base) Logger() logrus.FieldLogger {
	if b.log == nil {
		return discardLogger
	}
	return b.log
}

// RequireCredentials returns the stored credentials if they are complete.
func (b *Base) RequireCredentials() (*auth.Credentials, error) {
	if err := b.creds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredentials, err)
	}
	return b.creds, nil
}

// MarkInitialized moves the client to the initialized state.
func (b *Base) MarkInitialized() {
	b.initialized = true
}

// Initialized reports whether Init has succeeded.
func (b *Base) Initialized() bool {
	return b.initialized
}

// RequireInitialized returns ErrNotInitialized until MarkInitialized is called.
func (b *Base) RequireInitialized() error {
	if !b.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Reset scrubs the credentials and returns to the uninitialized state.
func (b *Base) Reset() {
	b.creds.Clear()
	b.creds = nil
	b.initialized = false
}
