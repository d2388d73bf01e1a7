package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrEmptyResponse is returned when the completion carries no choices or no content.
var ErrEmptyResponse = errors.New("extraction response has no content")

// Fields is a successfully parsed extraction result.
type Fields struct {
	Category string
	Total    decimal.Decimal
	Date     string // offset-naive ISO 8601 as reported by the receipt; may be empty
	Place    string
}

// ResponseError means the service answered but the answer is not a valid
// {category, total, date, place} document.
type ResponseError struct {
	Content string
	Err     error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("malformed extraction response: %v", e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// CallError means the request itself failed: network, timeout or a non-2xx status.
type CallError struct {
	Err error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("extraction call failed: %v", e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

var requiredKeys = []string{"category", "total", "date", "place"}

// ParseContent decodes the JSON document the model returned as message
// content. It must hold exactly category, total, date and place.
func ParseContent(content string) (Fields, error) {
	body := stripFence(content)
	if body == "" {
		return Fields{}, &ResponseError{Content: content, Err: ErrEmptyResponse}
	}

	var doc map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: err}
	}
	if dec.More() {
		return Fields{}, &ResponseError{Content: content, Err: errors.New("trailing data after JSON object")}
	}

	if err := checkKeys(doc); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: err}
	}

	var (
		f     Fields
		place *string
		date  *string
	)
	if err := json.Unmarshal(doc["category"], &f.Category); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: fmt.Errorf("category: %w", err)}
	}
	if isNull(doc["total"]) {
		return Fields{}, &ResponseError{Content: content, Err: errors.New("total is null")}
	}
	if err := json.Unmarshal(doc["total"], &f.Total); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: fmt.Errorf("total: %w", err)}
	}
	if f.Total.IsNegative() {
		return Fields{}, &ResponseError{Content: content, Err: fmt.Errorf("total %s is negative", f.Total)}
	}
	if err := json.Unmarshal(doc["date"], &date); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: fmt.Errorf("date: %w", err)}
	}
	if err := json.Unmarshal(doc["place"], &place); err != nil {
		return Fields{}, &ResponseError{Content: content, Err: fmt.Errorf("place: %w", err)}
	}
	if date != nil {
		f.Date = strings.TrimSpace(*date)
	}
	if place != nil {
		f.Place = strings.TrimSpace(*place)
	}
	return f, nil
}

func checkKeys(doc map[string]json.RawMessage) error {
	var missing, unknown []string
	for _, k := range requiredKeys {
		if _, ok := doc[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range doc {
		known := false
		for _, r := range requiredKeys {
			if k == r {
				known = true
				break
			}
		}
		if !known {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	switch {
	case len(missing) > 0:
		return fmt.Errorf("missing field(s) %s", strings.Join(missing, ", "))
	case len(unknown) > 0:
		return fmt.Errorf("unexpected field(s) %s", strings.Join(unknown, ", "))
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stripFence removes a surrounding markdown code fence, which chat models
// often add despite being asked for bare JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
