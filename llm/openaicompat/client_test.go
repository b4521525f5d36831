package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/relay"
)

func completionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateMessages(t *testing.T) {
	var got chatRequest
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: &choiceMessage{Role: "assistant", Content: "pong"}}},
			Usage:   &usage{PromptTokens: 3, CompletionTokens: 1},
		})
	})

	c := NewClient("key-1", "gpt-test", srv.URL, WithTemperature(0.2), WithMaxTokens(64))
	out, err := c.GenerateMessages(context.Background(), []relay.LLMMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "ping"},
	})
	if err != nil {
		t.Fatalf("GenerateMessages: %v", err)
	}
	if out != "pong" {
		t.Errorf("out = %q", out)
	}
	if got.Model != "gpt-test" || len(got.Messages) != 2 || got.Messages[1].Content != "ping" {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 || got.MaxTokens != 64 {
		t.Errorf("sampling params = %+v", got)
	}
}

func TestGenerateWrapsSingleUserTurn(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: &choiceMessage{Content: "ok"}}},
		})
	})

	c := NewClient("", "m", srv.URL)
	if out, err := c.Generate(context.Background(), "hello"); err != nil || out != "ok" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestHTTPErrorCarriesRetryAfter(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	c := NewClient("", "m", srv.URL)
	_, err := c.Generate(context.Background(), "x")
	var httpErr *relay.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *relay.ErrHTTP", err)
	}
	if httpErr.Status != http.StatusTooManyRequests || httpErr.RetryAfter != 2*time.Second {
		t.Errorf("err = %+v", httpErr)
	}
}

func TestEmptyChoicesIsAnError(t *testing.T) {
	srv := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{})
	})

	c := NewClient("", "m", srv.URL)
	if _, err := c.Generate(context.Background(), "x"); err == nil {
		t.Fatal("want error on empty choices")
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d <= 0 || d > 31*time.Second {
		t.Errorf("date form = %v", d)
	}
	for _, v := range []string{"", "garbage", "-3"} {
		if d := ParseRetryAfter(v); d != 0 {
			t.Errorf("%q: got %v, want 0", v, d)
		}
	}
}
