package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPClient_Generate(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "hello there"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk-test", "test-model", 5*time.Second)
	out, err := c.Generate(context.Background(), "say hello", Options{
		Temperature:   0.8,
		MaxOutputSize: 512,
		RoleText:      "you are terse",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("out=%q", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotReq.Model != "test-model" || gotReq.MaxTokens != 512 {
		t.Fatalf("request=%+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Content != "say hello" {
		t.Fatalf("messages=%+v", gotReq.Messages)
	}
}

func TestHTTPClient_NoRoleTextOmitsSystemMessage(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "m", time.Second)
	if _, err := c.Generate(context.Background(), "p", Options{}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Fatalf("messages=%+v", gotReq.Messages)
	}
}

func TestHTTPClient_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusTooManyRequests, `rate limited`, "oracle http 429"},
		{"api error", http.StatusOK, `{"error": {"message": "model overloaded"}}`, "model overloaded"},
		{"no choices", http.StatusOK, `{"choices": []}`, "no choices"},
		{"garbage body", http.StatusOK, `<html>`, "decode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", "m", time.Second)
			_, err := c.Generate(context.Background(), "p", Options{})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	var client Client = Func(func(_ context.Context, prompt string, _ Options) (string, error) {
		return "echo: " + prompt, nil
	})
	out, err := client.Generate(context.Background(), "hi", Options{})
	if err != nil || out != "echo: hi" {
		t.Fatalf("out=%q err=%v", out, err)
	}
}
