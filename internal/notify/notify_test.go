package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPush_PostsBearerJSON(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", nil)
	c.Push(context.Background(), "nightshift", "run finished: 3 completed")

	if gotAuth != "Bearer secret" {
		t.Fatalf("auth: %q", gotAuth)
	}
	var ev struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("body: %v", err)
	}
	if ev.Kind != "nightshift" || ev.Message != "run finished: 3 completed" {
		t.Fatalf("event: %+v", ev)
	}
}

func TestPush_NilClientInert(t *testing.T) {
	var c *Client
	c.Push(context.Background(), "k", "m") // must not panic
	if New("", "tok", nil) != nil {
		t.Fatalf("empty URL should produce a nil client")
	}
}
