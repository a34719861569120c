package delivery

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"time"

	"github.com/google/uuid"
)

// BuildMIME assembles the raw RFC 5322 message. Structure follows what mail
// clients expect: multipart/mixed wrapping a multipart/alternative part
// (text/plain first, text/html second) plus one part per attachment. A
// message without attachments skips the mixed wrapper.
func BuildMIME(msg *Message, messageID string) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", encodeHeader(msg.Subject)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", msg.ReplyTo))
	}
	if msg.CampaignID != "" {
		buf.WriteString(fmt.Sprintf("X-Campaign-ID: %s\r\n", msg.CampaignID))
	}
	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	altBoundary := newBoundary()

	if len(msg.Attachments) == 0 {
		writeAlternative(&buf, msg, altBoundary)
		return buf.Bytes()
	}

	mixedBoundary := newBoundary()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", mixedBoundary))

	buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
	writeAlternative(&buf, msg, altBoundary)

	for _, att := range msg.Attachments {
		writeAttachment(&buf, mixedBoundary, att)
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", mixedBoundary))

	return buf.Bytes()
}

// writeAlternative emits the multipart/alternative body parts.
func writeAlternative(buf *bytes.Buffer, msg *Message, boundary string) {
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))

	if msg.TextBody != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		buf.WriteString(encodeQuotedPrintable(msg.TextBody))
		buf.WriteString("\r\n")
	}
	if msg.HTMLBody != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		buf.WriteString(encodeQuotedPrintable(msg.HTMLBody))
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
}

// writeAttachment emits one base64-encoded attachment part.
func writeAttachment(buf *bytes.Buffer, boundary string, att Attachment) {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", contentType, att.Filename))
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", att.Filename))

	encoded := base64.StdEncoding.EncodeToString(att.Data)
	// RFC 2045 line length limit
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
}

// encodeQuotedPrintable encodes a body for 7-bit transport.
func encodeQuotedPrintable(s string) string {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Write([]byte(s))
	w.Close()
	return buf.String()
}

// encodeHeader Q-encodes a header value when it contains non-ASCII bytes.
func encodeHeader(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}

// NewMessageID generates a Message-ID local to this sender.
func NewMessageID() string {
	return fmt.Sprintf("%s@bulkmailer", uuid.New().String())
}

// newBoundary generates a MIME part boundary.
func newBoundary() string {
	return fmt.Sprintf("=_%s", uuid.New().String()[:16])
}
