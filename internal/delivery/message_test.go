package delivery

import (
	"strings"
	"testing"
)

func TestBuildMIMEAlternative(t *testing.T) {
	msg := &Message{
		From:     "Sender <sender@example.com>",
		To:       "alice@example.com",
		Subject:  "Hello",
		TextBody: "plain body",
		HTMLBody: "<p>html body</p>",
	}

	raw := string(BuildMIME(msg, "msgid-1@bulkmailer"))

	for _, want := range []string{
		"From: Sender <sender@example.com>\r\n",
		"To: alice@example.com\r\n",
		"Subject: Hello\r\n",
		"Message-ID: <msgid-1@bulkmailer>\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: multipart/alternative;",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Type: text/html; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}

	// Text part must precede the HTML part
	textIdx := strings.Index(raw, "text/plain")
	htmlIdx := strings.Index(raw, "text/html")
	if textIdx < 0 || htmlIdx < 0 || textIdx > htmlIdx {
		t.Errorf("text part should precede html part (text=%d html=%d)", textIdx, htmlIdx)
	}

	if strings.Contains(raw, "multipart/mixed") {
		t.Error("message without attachments should not use multipart/mixed")
	}
}

func TestBuildMIMEWithAttachment(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		To:       "alice@example.com",
		Subject:  "Report",
		HTMLBody: "<p>see attached</p>",
		Attachments: []Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 fake")},
		},
	}

	raw := string(BuildMIME(msg, "msgid-2@bulkmailer"))

	for _, want := range []string{
		"Content-Type: multipart/mixed;",
		"Content-Type: multipart/alternative;",
		`Content-Disposition: attachment; filename="report.pdf"`,
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestBuildMIMEHeaders(t *testing.T) {
	msg := &Message{
		From:       "sender@example.com",
		To:         "alice@example.com",
		ReplyTo:    "replies@example.com",
		Subject:    "Hi",
		TextBody:   "hello",
		CampaignID: "c1",
		Headers:    map[string]string{"X-Priority": "3"},
	}

	raw := string(BuildMIME(msg, "msgid-3@bulkmailer"))

	for _, want := range []string{
		"Reply-To: replies@example.com\r\n",
		"X-Campaign-ID: c1\r\n",
		"X-Priority: 3\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestBuildMIMENonASCIISubject(t *testing.T) {
	msg := &Message{
		From:     "sender@example.com",
		To:       "alice@example.com",
		Subject:  "Grüße",
		TextBody: "hello",
	}

	raw := string(BuildMIME(msg, "msgid-4@bulkmailer"))
	if !strings.Contains(raw, "=?UTF-8?q?") && !strings.Contains(raw, "=?utf-8?q?") {
		t.Errorf("non-ASCII subject should be Q-encoded, got: %s", raw[:200])
	}
}

func TestNewMessageID(t *testing.T) {
	id1 := NewMessageID()
	id2 := NewMessageID()
	if id1 == id2 {
		t.Error("message IDs should be unique")
	}
	if !strings.HasSuffix(id1, "@bulkmailer") {
		t.Errorf("unexpected message ID format: %s", id1)
	}
}
