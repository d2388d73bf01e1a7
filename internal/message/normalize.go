package message

import (
	"fmt"
	"strings"
	"time"
)

// offsetLayouts carry an explicit UTC offset.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
}

// naiveLayouts are the offset-free timestamp shapes receipts are reported in.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseReceiptDate interprets s in loc. Offset-free timestamps are taken as
// wall-clock time in loc; timestamps with an explicit offset keep their
// instant.
func ParseReceiptDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.In(loc), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized receipt date %q", s)
}

// NormalizeReceiptDate rewrites s as an RFC 3339 timestamp carrying loc's
// offset. Normalizing an already normalized value returns it unchanged.
func NormalizeReceiptDate(s string, loc *time.Location) (string, error) {
	t, err := ParseReceiptDate(s, loc)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}
