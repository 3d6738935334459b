package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/presentations/4/parts" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]Part{
			{ID: 1, Name: "Intro", Text: "hello", NameVersion: 2, TextVersion: 9},
			{ID: 2, Name: "Outro", Text: "bye"},
		})
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/api", nil)
	if err != nil {
		t.Fatal(err)
	}
	parts, err := src.Fetch(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if p := parts[0]; p.ID != 1 || p.Text != "hello" || p.TextVersion != 9 || p.NameVersion != 2 {
		t.Fatalf("unexpected part %+v", p)
	}
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = src.Fetch(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}
