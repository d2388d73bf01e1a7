package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrNoText is returned when a message has no body part that yields text.
var ErrNoText = errors.New("message has no usable text body")

// Parse converts raw RFC 5322 bytes into a Message.
// The text is taken from the first text/html part; the first text/plain
// part is used when there is no HTML part or the HTML renders to nothing.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	defer mr.Close()

	msg := &Message{
		Sender:    headerText(&mr.Header, "From"),
		Recipient: headerText(&mr.Header, "To"),
		Subject:   headerText(&mr.Header, "Subject"),
		MessageID: strings.TrimSpace(mr.Header.Get("Message-Id")),
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.MailDate = &date
	}
	msg.Timezone = TimezoneHint(msg.MailDate)

	htmlBody, textBody, err := bodies(mr)
	if err != nil {
		return nil, err
	}
	if htmlBody != "" {
		msg.PlainText = HTMLToText(htmlBody)
	}
	if msg.PlainText == "" {
		msg.PlainText = strings.TrimSpace(textBody)
	}
	if msg.PlainText == "" {
		return msg, ErrNoText
	}
	return msg, nil
}

// headerText returns the decoded value of header k, falling back to the raw
// value when a charset is unknown.
func headerText(h *mail.Header, k string) string {
	v, err := h.Text(k)
	if err != nil {
		return strings.TrimSpace(h.Get(k))
	}
	return strings.TrimSpace(v)
}

// bodies returns the first text/html and first text/plain inline parts.
func bodies(mr *mail.Reader) (htmlBody, textBody string, err error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", "", fmt.Errorf("read message part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "text/html" && contentType != "text/plain" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return "", "", fmt.Errorf("read %s part: %w", contentType, err)
		}

		switch {
		case contentType == "text/html" && htmlBody == "":
			htmlBody = string(body)
		case contentType == "text/plain" && textBody == "":
			textBody = string(body)
		}
		if htmlBody != "" && textBody != "" {
			break
		}
	}
	return htmlBody, textBody, nil
}
