package tokenizer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEstimateChars(t *testing.T) {
	if got := EstimateChars(""); got != 0 {
		t.Errorf("EstimateChars(\"\") = %d, want 0", got)
	}
	// ceil(7/3.5) = 2
	if got := EstimateChars("abcdefg"); got != 2 {
		t.Errorf("EstimateChars(7 chars) = %d, want 2", got)
	}
}

func TestCountTokens_NoEndpointUsesFallback(t *testing.T) {
	tok := New(Config{})
	if got := tok.CountTokens(context.Background(), "abcdefg"); got != 2 {
		t.Errorf("CountTokens = %d, want 2", got)
	}
}

func TestCountTokens_RemoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 42}`))
	}))
	defer srv.Close()

	tok := New(Config{Endpoint: srv.URL})
	if got := tok.CountTokens(context.Background(), "hello"); got != 42 {
		t.Errorf("CountTokens = %d, want 42", got)
	}
}

func TestCountTokens_FallsBackOnNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tok := New(Config{Endpoint: srv.URL})
	got := tok.CountTokens(context.Background(), "abcdefg")
	if got != EstimateChars("abcdefg") {
		t.Errorf("CountTokens = %d, want fallback estimate %d", got, EstimateChars("abcdefg"))
	}
}

func TestCountTokens_CachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 7}`))
	}))
	defer srv.Close()

	tok := New(Config{Endpoint: srv.URL})
	ctx := context.Background()
	tok.CountTokens(ctx, "same text")
	tok.CountTokens(ctx, "same text")

	if calls != 1 {
		t.Errorf("remote called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestCountTokens_EvictsOldestWhenFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count": 1}`))
	}))
	defer srv.Close()

	tok := New(Config{Endpoint: srv.URL, Capacity: 2})
	ctx := context.Background()
	tok.CountTokens(ctx, "a")
	tok.CountTokens(ctx, "b")
	tok.CountTokens(ctx, "c") // evicts "a"

	if _, ok := tok.lookup("a"); ok {
		t.Error("expected \"a\" to have been evicted")
	}
	if _, ok := tok.lookup("c"); !ok {
		t.Error("expected \"c\" to still be cached")
	}
}
