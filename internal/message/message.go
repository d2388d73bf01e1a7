package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimezone is the hint used when a message carries no usable Date header.
const DefaultTimezone = "UTC+03:00"

// Message is the canonical form of one ingested email.
type Message struct {
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Subject   string     `json:"subject"`
	MailDate  *time.Time `json:"mail_date"`
	Timezone  string     `json:"timezone"`
	MessageID string     `json:"message_id"`
	PlainText string     `json:"plain_text"`
}

// Transaction is a Message merged with the fields extracted from its text.
type Transaction struct {
	Message
	Category    string `json:"category"`
	Total       Amount `json:"total"`
	ReceiptDate string `json:"receipt_date"`
	Place       string `json:"place"`
}

// Amount is a decimal money value that encodes as a bare JSON number.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps d.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

// TimezoneHint formats the UTC offset of t as "UTC+hh:mm".
// A nil time yields DefaultTimezone.
func TimezoneHint(t *time.Time) string {
	if t == nil {
		return DefaultTimezone
	}
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, offset/3600, (offset%3600)/60)
}

// Encode serializes v for a queue entry. Non-ASCII and HTML characters are
// written literally.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a raw-mail queue entry.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// DecodeTransaction parses a transactions queue entry.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}
