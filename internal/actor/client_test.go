package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/post" {
			t.Errorf("path = %s, want /v1/post", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("auth header = %q", got)
		}
		var req postRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.AccountID != "acc" || req.Text != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Result{Success: true, ExternalID: "123", URL: "https://x.com/acc/status/123"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "sekrit"})
	res, err := c.PostContent(context.Background(), "acc", "hello")
	if err != nil {
		t.Fatalf("PostContent: %v", err)
	}
	if !res.Success || res.ExternalID != "123" {
		t.Fatalf("result = %+v", res)
	}
}

func TestPostReplyCarriesTarget(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/reply" {
			t.Errorf("path = %s, want /v1/reply", r.URL.Path)
		}
		var req postRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TargetURL != "https://x.com/other/status/9" {
			t.Errorf("target = %q", req.TargetURL)
		}
		json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.PostReply(context.Background(), "acc", "https://x.com/other/status/9", "re"); err != nil {
		t.Fatalf("PostReply: %v", err)
	}
}

func TestNon200IsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "browser session lost", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.PostContent(context.Background(), "acc", "x"); err == nil {
		t.Fatalf("expected error for status 502")
	}
}
