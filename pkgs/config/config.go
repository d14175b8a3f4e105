package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/emx-mail/unread/pkgs/auth"
)

const (
	// EnvConfigJSONPath is the env var that points to the JSON config file.
	EnvConfigJSONPath = "EMX_UNREAD_CONFIG_JSON"

	// DefaultEnvFile is loaded by LoadEnv when no file is named.
	DefaultEnvFile = ".env"
)

// Protocol selects the MailClient variant used for an account.
type Protocol string

const (
	ProtocolFeed     Protocol = "feed"
	ProtocolIMAP     Protocol = "imap"
	ProtocolPOP3     Protocol = "pop3"
	ProtocolGmailAPI Protocol = "gmailapi"
)

// ServerSettings holds connection settings common to IMAP and POP3.
type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// SSL enables implicit TLS (connect directly over TLS).
	SSL bool `json:"ssl"`
	// StartTLS enables opportunistic TLS upgrade after connecting in plaintext.
	StartTLS bool `json:"starttls,omitempty"`
}

// FeedSettings configures the Atom feed variant.
type FeedSettings struct {
	URL   string `json:"url,omitempty"`   // default: the Gmail inbox feed
	Proxy string `json:"proxy,omitempty"` // e.g. "http://proxy:3128"
	// MinInterval is the minimum number of seconds between two requests.
	// Negative disables the limit.
	MinInterval int `json:"min_interval,omitempty"`
}

// IMAPSettings configures the IMAP variant.
type IMAPSettings struct {
	ServerSettings
	Folder    string `json:"folder,omitempty"` // default "INBOX"
	SASL      bool   `json:"sasl,omitempty"`   // AUTHENTICATE PLAIN instead of LOGIN
	FetchBody bool   `json:"fetch_body,omitempty"`
}

// POP3Settings configures the POP3 variant.
type POP3Settings struct {
	ServerSettings
	FetchBody bool `json:"fetch_body,omitempty"`
	Timeout   int  `json:"timeout,omitempty"` // seconds
}

// GmailAPISettings configures the Gmail REST variant.
type GmailAPISettings struct {
	Query    string `json:"query,omitempty"` // default "is:unread in:inbox"
	PageSize int64  `json:"page_size,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// AccountConfig holds one mailbox.
//
// Username defaults to Email. The secret comes from PasswordEnv when set,
// otherwise from Password. For the gmailapi protocol the secret is an OAuth2
// access token.
type AccountConfig struct {
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Protocol    Protocol `json:"protocol"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	PasswordEnv string   `json:"password_env,omitempty"`

	Feed     *FeedSettings     `json:"feed,omitempty"`
	IMAP     *IMAPSettings     `json:"imap,omitempty"`
	POP3     *POP3Settings     `json:"pop3,omitempty"`
	GmailAPI *GmailAPISettings `json:"gmailapi,omitempty"`
}

// Domain returns the domain part of the account email address.
// Returns "localhost" if no domain can be extracted.
func (a *AccountConfig) Domain() string {
	if idx := strings.Index(a.Email, "@"); idx >= 0 {
		return a.Email[idx+1:]
	}
	return "localhost"
}

// Login returns the user name sent to the server.
func (a *AccountConfig) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// Credentials resolves the login credentials of the account. The returned
// password buffer is freshly allocated; callers own it and may Clear it.
func (a *AccountConfig) Credentials() (*auth.Credentials, error) {
	secret := a.Password
	if a.PasswordEnv != "" {
		v, ok := os.LookupEnv(a.PasswordEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("account %s: %s is not set", a.Name, a.PasswordEnv)
		}
		secret = v
	}
	return auth.NewCredentials(a.Login(), []byte(secret)), nil
}

func (a *AccountConfig) validate() error {
	if a.Email == "" && a.Protocol != ProtocolGmailAPI {
		return fmt.Errorf("account %s: email is required", a.Name)
	}
	if a.Password != "" && a.PasswordEnv != "" {
		return fmt.Errorf("account %s: password and password_env are mutually exclusive", a.Name)
	}

	switch a.Protocol {
	case ProtocolFeed, ProtocolGmailAPI:
	case ProtocolIMAP:
		if a.IMAP == nil || a.IMAP.Host == "" {
			return fmt.Errorf("account %s: imap.host is required", a.Name)
		}
	case ProtocolPOP3:
		if a.POP3 == nil || a.POP3.Host == "" {
			return fmt.Errorf("account %s: pop3.host is required", a.Name)
		}
	case "":
		return fmt.Errorf("account %s: protocol is required", a.Name)
	default:
		return fmt.Errorf("account %s: unknown protocol %q", a.Name, a.Protocol)
	}
	return nil
}

// Config holds the application configuration
//
// accounts is a map keyed by account name.
// default_account selects the account when none is specified.
type Config struct {
	Accounts       map[string]AccountConfig `json:"accounts"`
	DefaultAccount string                   `json:"default_account,omitempty"`
}

// RootConfig is the on-disk shape of the config file.
type RootConfig struct {
	Unread Config `json:"unread"`
}

// LoadEnv loads KEY=value pairs from the given .env files into the process
// environment without overriding variables that are already set. With no
// arguments DefaultEnvFile is tried; a missing default file is not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// LoadConfig reads the JSON file named by EnvConfigJSONPath.
func LoadConfig() (*Config, error) {
	path, err := GetEnvConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a JSON file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseRootConfig(data)
}

// SaveConfig saves configuration to a JSON file path.
func SaveConfig(path string, root *RootConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnvConfigPath returns the config file path from EnvConfigJSONPath.
func GetEnvConfigPath() (string, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigJSONPath))
	if path == "" {
		return "", fmt.Errorf("%s is not set", EnvConfigJSONPath)
	}
	return path, nil
}

// GetAccount returns an account by key, name or email. An empty identifier
// selects the default account, or the first key in sorted order.
func (c *Config) GetAccount(identifier string) (*AccountConfig, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	if identifier == "" {
		if c.DefaultAccount != "" {
			identifier = c.DefaultAccount
		} else {
			keys := c.accountKeys()
			identifier = keys[0]
		}
	}

	if acc, ok := c.Accounts[identifier]; ok {
		if acc.Name == "" {
			acc.Name = identifier
		}
		return &acc, nil
	}

	for _, key := range c.accountKeys() {
		acc := c.Accounts[key]
		if acc.Name == identifier || acc.Email == identifier {
			if acc.Name == "" {
				acc.Name = key
			}
			return &acc, nil
		}
	}

	return nil, fmt.Errorf("account not found: %s", identifier)
}

func (c *Config) accountKeys() []string {
	keys := make([]string, 0, len(c.Accounts))
	for k := range c.Accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	for _, key := range c.accountKeys() {
		acc := c.Accounts[key]
		if acc.Name == "" {
			acc.Name = key
		}
		if err := acc.validate(); err != nil {
			return err
		}
	}

	if c.DefaultAccount != "" {
		if _, ok := c.Accounts[c.DefaultAccount]; !ok {
			return fmt.Errorf("default_account not found: %s", c.DefaultAccount)
		}
	}

	return nil
}

// ExampleRootConfig returns an example configuration for "init".
func ExampleRootConfig() *RootConfig {
	return &RootConfig{
		Unread: Config{
			DefaultAccount: "gmail",
			Accounts: map[string]AccountConfig{
				"gmail": {
					Name:        "Gmail inbox feed",
					Email:       "user@gmail.com",
					Protocol:    ProtocolFeed,
					PasswordEnv: "GMAIL_APP_PASSWORD",
					Feed:        &FeedSettings{MinInterval: 1},
				},
				"work": {
					Name:        "Work Account",
					Email:       "user@example.com",
					Protocol:    ProtocolIMAP,
					PasswordEnv: "WORK_MAIL_PASSWORD",
					IMAP: &IMAPSettings{
						ServerSettings: ServerSettings{Host: "imap.example.com", Port: 993, SSL: true},
						Folder:         "INBOX",
					},
				},
				"legacy": {
					Name:        "POP3 mailbox",
					Email:       "user@example.org",
					Protocol:    ProtocolPOP3,
					PasswordEnv: "LEGACY_MAIL_PASSWORD",
					POP3: &POP3Settings{
						ServerSettings: ServerSettings{Host: "pop3.example.org", Port: 995, SSL: true},
					},
				},
				"api": {
					Name:        "Gmail REST API",
					Username:    "me",
					Protocol:    ProtocolGmailAPI,
					PasswordEnv: "GMAIL_ACCESS_TOKEN",
					GmailAPI:    &GmailAPISettings{Query: "is:unread in:inbox"},
				},
			},
		},
	}
}

func parseRootConfig(data []byte) (*Config, error) {
	var root RootConfig
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &root.Unread
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("missing required key: unread.accounts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
