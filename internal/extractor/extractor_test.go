package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// completionServer answers every chat completion with content and records the
// last request it saw.
func completionServer(t *testing.T, content string, last *chatRequest, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if last != nil {
			if err := json.NewDecoder(r.Body).Decode(last); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  DefaultModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractSendsPromptAndParsesFields(t *testing.T) {
	var req chatRequest
	var auth string
	srv := completionServer(t,
		`{"category":"Продукты","total":450.00,"date":"2024-06-12T15:30:00","place":"ООО Ромашка"}`,
		&req, &auth)

	c := New(Options{BaseURL: srv.URL, APIKey: "secret"}, discardLogger())
	got, err := c.Extract(context.Background(), "Кассовый чек\nИТОГО 450.00")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if req.Model != DefaultModel {
		t.Errorf("model = %q, want %q", req.Model, DefaultModel)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if !strings.HasPrefix(req.Messages[0].Content, Prompt) || !strings.HasSuffix(req.Messages[0].Content, "ИТОГО 450.00") {
		t.Errorf("content does not wrap the receipt text with the prompt:\n%s", req.Messages[0].Content)
	}

	if got.Category != "Продукты" || got.Total.String() != "450" || got.Date != "2024-06-12T15:30:00" || got.Place != "ООО Ромашка" {
		t.Errorf("fields = %+v", got)
	}
}

func TestExtractCoercesUnknownCategory(t *testing.T) {
	srv := completionServer(t, `{"category":"Космос","total":1,"date":"","place":"X"}`, nil, nil)
	c := New(Options{BaseURL: srv.URL}, discardLogger())

	got, err := c.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Category != FallbackCategory {
		t.Errorf("category = %q, want %q", got.Category, FallbackCategory)
	}
}

func TestExtractHTTPErrorIsCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL}, discardLogger())
	_, err := c.Extract(context.Background(), "text")

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("err = %v, want *CallError", err)
	}
}

func TestExtractMalformedContentIsResponseError(t *testing.T) {
	srv := completionServer(t, "Извините, не могу разобрать чек.", nil, nil)
	c := New(Options{BaseURL: srv.URL}, discardLogger())

	_, err := c.Extract(context.Background(), "text")
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("err = %v, want *ResponseError", err)
	}
}

func TestExtractHonoursCancelledContext(t *testing.T) {
	srv := completionServer(t, `{"category":"Продукты","total":1,"date":"","place":""}`, nil, nil)
	c := New(Options{BaseURL: srv.URL, RequestsPerMinute: 60}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Extract(ctx, "text")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Fields
		wantErr bool
	}{
		{
			name:    "plain object",
			content: `{"category":"Транспорт","total":"120.50","date":"2024-01-02T08:00:00","place":"Метро"}`,
			want:    Fields{Category: "Транспорт", Date: "2024-01-02T08:00:00", Place: "Метро"},
		},
		{
			name:    "fenced",
			content: "```json\n{\"category\":\"Здоровье\",\"total\":99,\"date\":\"2024-01-02\",\"place\":\"Аптека\"}\n```",
			want:    Fields{Category: "Здоровье", Date: "2024-01-02", Place: "Аптека"},
		},
		{
			name:    "null date and place",
			content: `{"category":"Подарки","total":0,"date":null,"place":null}`,
			want:    Fields{Category: "Подарки"},
		},
		{name: "empty", content: "   ", wantErr: true},
		{name: "not json", content: "no receipt here", wantErr: true},
		{name: "missing total", content: `{"category":"Подарки","date":"","place":""}`, wantErr: true},
		{name: "extra field", content: `{"category":"Подарки","total":1,"date":"","place":"","currency":"RUB"}`, wantErr: true},
		{name: "null total", content: `{"category":"Подарки","total":null,"date":"","place":""}`, wantErr: true},
		{name: "negative total", content: `{"category":"Подарки","total":-5,"date":"","place":""}`, wantErr: true},
		{name: "total not a number", content: `{"category":"Подарки","total":"пятьсот","date":"","place":""}`, wantErr: true},
		{name: "trailing data", content: `{"category":"Подарки","total":1,"date":"","place":""} {}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContent(tt.content)
			if tt.wantErr {
				var respErr *ResponseError
				if !errors.As(err, &respErr) {
					t.Fatalf("err = %v, want *ResponseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseContent: %v", err)
			}
			if got.Category != tt.want.Category || got.Date != tt.want.Date || got.Place != tt.want.Place {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseContentKeepsTotalPrecision(t *testing.T) {
	got, err := ParseContent(`{"category":"Продукты","total":1234.56,"date":"","place":""}`)
	if err != nil {
		t.Fatalf("ParseContent: %v", err)
	}
	if got.Total.String() != "1234.56" {
		t.Errorf("total = %s, want 1234.56", got.Total)
	}
}

func TestNormalizeCategory(t *testing.T) {
	if c, ok := NormalizeCategory("  продукты "); !ok || c != "Продукты" {
		t.Errorf("NormalizeCategory(продукты) = %q, %v", c, ok)
	}
	if c, ok := NormalizeCategory(""); ok || c != FallbackCategory {
		t.Errorf("NormalizeCategory(\"\") = %q, %v", c, ok)
	}
	if len(Categories) != 14 {
		t.Errorf("vocabulary has %d categories, want 14", len(Categories))
	}
	for _, c := range Categories {
		if !strings.Contains(Prompt, c) {
			t.Errorf("prompt does not list %q", c)
		}
	}
}
