// Package auth holds the login identity used by the mail clients.
package auth

import (
	"errors"
	"fmt"
)

var (
	ErrMissingUsername = errors.New("credentials: username is required")
	ErrMissingPassword = errors.New("credentials: password is required")
)

// Credentials pairs a username with a secret.
//
// The password is kept as a byte slice so it can be scrubbed with Clear once
// it is no longer needed. NewCredentials retains the slice it is given, so a
// caller clearing its own buffer also clears the credentials.
type Credentials struct {
	Username string
	Password []byte
}

// NewCredentials returns credentials for username that share the password buffer.
func NewCredentials(username string, password []byte) *Credentials {
	return &Credentials{Username: username, Password: password}
}

// Empty reports whether c carries no identity.
func (c *Credentials) Empty() bool {
	return c == nil || c.Username == ""
}

// Validate checks that both parts of the identity are present.
func (c *Credentials) Validate() error {
	if c.Empty() {
		return ErrMissingUsername
	}
	if len(c.Password) == 0 {
		return ErrMissingPassword
	}
	return nil
}

// Clear zeroes the password in place and drops it.
func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	for i := range c.Password {
		c.Password[i] = 0
	}
	c.Password = nil
}

// String never includes the password.
func (c *Credentials) String() string {
	if c == nil {
		return "<nil>"
	}
	if len(c.Password) == 0 {
		return c.Username
	}
	return c.Username + ":****"
}

// Format keeps %v, %+v and %#v from printing the password field.
func (c *Credentials) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, c.String())
}
