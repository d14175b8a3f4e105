package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/unread/pkgs/config"
	"github.com/emx-mail/unread/pkgs/email"
)

type listFlags struct {
	limit  int
	asJSON bool
}

func parseListFlags(args []string) listFlags {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var f listFlags
	fs.IntVar(&f.limit, "limit", 0, "Maximum messages to show (0 = all)")
	fs.BoolVar(&f.asJSON, "json", false, "Print messages as JSON")
	if err := fs.Parse(args); err != nil {
		fatal("list: %v", err)
	}
	return f
}

func handleList(ctx context.Context, acc *config.AccountConfig, f listFlags, log logrus.FieldLogger) error {
	msgs, err := fetchUnread(ctx, acc, log)
	if err != nil {
		return err
	}
	total := len(msgs)
	if f.limit > 0 && len(msgs) > f.limit {
		msgs = msgs[:f.limit]
	}
	if f.asJSON {
		return writeJSON(os.Stdout, msgs)
	}
	writeText(os.Stdout, acc, msgs, total)
	return nil
}

func handleCount(ctx context.Context, acc *config.AccountConfig, log logrus.FieldLogger) error {
	msgs, err := fetchUnread(ctx, acc, log)
	if err != nil {
		return err
	}
	fmt.Println(len(msgs))
	return nil
}

func writeText(w io.Writer, acc *config.AccountConfig, msgs []*email.Message, total int) {
	fmt.Fprintf(w, "Account: %s | Protocol: %s\n", acc.Name, acc.Protocol)
	fmt.Fprintf(w, "Unread: %d\n\n", total)

	for i, msg := range msgs {
		fmt.Fprintf(w, "[%d] ID:%s From: %s\n", i+1, msg.ID, formatSender(msg))
		fmt.Fprintf(w, "    Subject: %s\n", msg.Subject)
		if !msg.Date.IsZero() {
			fmt.Fprintf(w, "    Date: %s\n", msg.Date.Format(time.RFC1123))
		}
		if msg.Link != "" {
			fmt.Fprintf(w, "    Link: %s\n", msg.Link)
		}
		if msg.Snippet != "" {
			fmt.Fprintf(w, "    Preview: %s\n", truncate(msg.Snippet, 100))
		}
		fmt.Fprintln(w)
	}
}

type jsonMessage struct {
	ID        string          `json:"id"`
	From      []email.Address `json:"from,omitempty"`
	To        []email.Address `json:"to,omitempty"`
	Subject   string          `json:"subject"`
	Date      *time.Time      `json:"date,omitempty"`
	Snippet   string          `json:"snippet,omitempty"`
	Link      string          `json:"link,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Labels    []string        `json:"labels,omitempty"`
	Size      uint32          `json:"size,omitempty"`
}

func writeJSON(w io.Writer, msgs []*email.Message) error {
	out := make([]jsonMessage, 0, len(msgs))
	for _, m := range msgs {
		jm := jsonMessage{
			ID:        m.ID,
			From:      m.From,
			To:        m.To,
			Subject:   m.Subject,
			Snippet:   m.Snippet,
			Link:      m.Link,
			MessageID: m.MessageID,
			Labels:    m.Labels,
			Size:      m.Size,
		}
		if !m.Date.IsZero() {
			d := m.Date
			jm.Date = &d
		}
		out = append(out, jm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
