package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emx-mail/unread/pkgs/config"
	"github.com/emx-mail/unread/pkgs/email"
)

// newClient builds the MailClient for the account's protocol. The client
// is neither logged in nor initialized.
func newClient(acc *config.AccountConfig, log logrus.FieldLogger) (email.MailClient, error) {
	log = log.WithFields(logrus.Fields{"account": acc.Name, "protocol": acc.Protocol})

	switch acc.Protocol {
	case config.ProtocolFeed:
		cfg := email.FeedConfig{}
		if f := acc.Feed; f != nil {
			cfg.URL = f.URL
			cfg.Proxy = f.Proxy
			cfg.MinInterval = time.Duration(f.MinInterval) * time.Second
		}
		c := email.NewFeedClient(cfg)
		c.SetLogger(log)
		return c, nil

	case config.ProtocolIMAP:
		if acc.IMAP == nil || acc.IMAP.Host == "" {
			return nil, fmt.Errorf("IMAP not configured for account %s", acc.Name)
		}
		c := email.NewIMAPClient(email.IMAPConfig{
			Host:      acc.IMAP.Host,
			Port:      acc.IMAP.Port,
			SSL:       acc.IMAP.SSL,
			StartTLS:  acc.IMAP.StartTLS,
			Folder:    acc.IMAP.Folder,
			SASL:      acc.IMAP.SASL,
			FetchBody: acc.IMAP.FetchBody,
		})
		c.SetLogger(log)
		return c, nil

	case config.ProtocolPOP3:
		if acc.POP3 == nil || acc.POP3.Host == "" {
			return nil, fmt.Errorf("POP3 not configured for account %s", acc.Name)
		}
		c := email.NewPOP3Client(email.POP3Config{
			Host:      acc.POP3.Host,
			Port:      acc.POP3.Port,
			SSL:       acc.POP3.SSL,
			FetchBody: acc.POP3.FetchBody,
			Timeout:   time.Duration(acc.POP3.Timeout) * time.Second,
		})
		c.SetLogger(log)
		return c, nil

	case config.ProtocolGmailAPI:
		cfg := email.GmailAPIConfig{}
		if g := acc.GmailAPI; g != nil {
			cfg.Query = g.Query
			cfg.PageSize = g.PageSize
			cfg.Endpoint = g.Endpoint
		}
		c := email.NewGmailAPIClient(cfg)
		c.SetLogger(log)
		return c, nil
	}
	return nil, fmt.Errorf("unknown protocol %q for account %s", acc.Protocol, acc.Name)
}

// openClient returns an initialized client. Callers must Close it.
func openClient(ctx context.Context, acc *config.AccountConfig, log logrus.FieldLogger) (email.MailClient, error) {
	client, err := newClient(acc, log)
	if err != nil {
		return nil, err
	}
	creds, err := acc.Credentials()
	if err != nil {
		return nil, err
	}
	client.SetLoginCredentials(creds)
	if err := client.Init(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func fetchUnread(ctx context.Context, acc *config.AccountConfig, log logrus.FieldLogger) ([]*email.Message, error) {
	client, err := openClient(ctx, acc, log)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.UnreadMessages(ctx)
}
