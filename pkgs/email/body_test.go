package email

import (
	"strings"
	"testing"
	"time"

	gomessage "github.com/emersion/go-message"
)

func parseTestEntity(t *testing.T, raw string) *gomessage.Entity {
	t.Helper()
	entity, err := gomessage.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to parse test entity: %v", err)
	}
	return entity
}

func TestMessageFromEntity_HeaderOnly(t *testing.T) {
	msg := MessageFromEntity(parseTestEntity(t, testMailRFC822), false)

	if msg.Subject != "Test Subject" {
		t.Errorf("unexpected subject: %q", msg.Subject)
	}
	if len(msg.From) != 1 || msg.From[0].Email != "sender@example.com" {
		t.Errorf("unexpected From: %v", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0].Email != "rcpt@example.com" {
		t.Errorf("unexpected To: %v", msg.To)
	}
	want := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	if !msg.Date.Equal(want) {
		t.Errorf("unexpected date: %v", msg.Date)
	}
	if msg.MessageID != "<test-1@example.com>" {
		t.Errorf("unexpected Message-ID: %q", msg.MessageID)
	}
	if msg.TextBody != "" || msg.Snippet != "" {
		t.Errorf("body must not be read: %q / %q", msg.TextBody, msg.Snippet)
	}
}

func TestMessageFromEntity_WithBody(t *testing.T) {
	msg := MessageFromEntity(parseTestEntity(t, testMailRFC822), true)

	if msg.TextBody != "Hello, World!" {
		t.Errorf("unexpected TextBody: %q", msg.TextBody)
	}
	if msg.Snippet != "Hello, World!" {
		t.Errorf("unexpected Snippet: %q", msg.Snippet)
	}
}

func TestMessageFromEntity_EncodedName(t *testing.T) {
	raw := "From: =?utf-8?q?J=C3=B6rg?= <jorg@example.com>\r\n" +
		"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=\r\n" +
		"\r\n" +
		"hi"
	msg := MessageFromEntity(parseTestEntity(t, raw), false)

	if msg.From[0].Name != "Jörg" {
		t.Errorf("unexpected name: %q", msg.From[0].Name)
	}
	if msg.Subject != "Grüße" {
		t.Errorf("unexpected subject: %q", msg.Subject)
	}
}

func TestParseEntityBody_HTML(t *testing.T) {
	raw := "Content-Type: text/html; charset=utf-8\r\n\r\n<p>Hello</p>"
	msg := &Message{}
	parseEntityBody(msg, parseTestEntity(t, raw))

	if msg.HTMLBody != "<p>Hello</p>" {
		t.Errorf("unexpected HTMLBody: %q", msg.HTMLBody)
	}
	if msg.TextBody != "" {
		t.Errorf("unexpected TextBody: %q", msg.TextBody)
	}
}

func TestParseEntityBody_MultipartAttachment(t *testing.T) {
	msg := &Message{}
	parseEntityBody(msg, parseTestEntity(t, testMailMultipart))

	if !strings.Contains(msg.TextBody, "Plain text body") {
		t.Errorf("unexpected TextBody: %q", msg.TextBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "test.bin" || att.ContentType != "application/octet-stream" {
		t.Errorf("unexpected attachment: %+v", att)
	}
	if string(att.Data) != "BINARYDATA" {
		t.Errorf("unexpected attachment data: %q", att.Data)
	}
}

func TestParseEntityBody_Nested(t *testing.T) {
	msg := &Message{}
	parseEntityBody(msg, parseTestEntity(t, testMailNested))

	if !strings.Contains(msg.TextBody, "Plain version") {
		t.Errorf("unexpected TextBody: %q", msg.TextBody)
	}
	if !strings.Contains(msg.HTMLBody, "HTML version") {
		t.Errorf("unexpected HTMLBody: %q", msg.HTMLBody)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "image.png" {
		t.Errorf("unexpected attachments: %+v", msg.Attachments)
	}
}

func TestMakeSnippet(t *testing.T) {
	if got := makeSnippet("  a\n\tb   c "); got != "a b c" {
		t.Errorf("unexpected snippet: %q", got)
	}
	long := strings.Repeat("ü", snippetLen+10)
	got := makeSnippet(long)
	if got != strings.Repeat("ü", snippetLen)+"..." {
		t.Errorf("unexpected truncation, got %d runes", len([]rune(got)))
	}
}
