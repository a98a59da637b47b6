package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFeedUnavailableBeforeFirstFetch(t *testing.T) {
	f := New(Options{URL: "http://127.0.0.1:0"}, zerolog.Nop())
	if _, ok := f.Price(); ok {
		t.Fatal("price must be unavailable before the first successful fetch")
	}
}

func TestFeedRefreshFlatBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price": 2450.75}`))
	}))
	defer srv.Close()

	f := New(Options{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	price, ok := f.Price()
	if !ok {
		t.Fatal("price must be available after a successful refresh")
	}
	if price.String() != "2450.75" {
		t.Fatalf("price = %s, want 2450.75", price.String())
	}
}

func TestFeedRefreshCoinGeckoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":1999.5}}`))
	}))
	defer srv.Close()

	f := New(Options{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	price, _ := f.Price()
	if price.String() != "1999.5" {
		t.Fatalf("price = %s, want 1999.5", price.String())
	}
}

func TestFeedKeepsLastGoodValue(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"price": 100}`))
	}))
	defer srv.Close()

	f := New(Options{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	fail.Store(true)
	if err := f.Refresh(context.Background()); err == nil {
		t.Fatal("failed upstream must surface an error")
	}

	price, ok := f.Price()
	if !ok || price.String() != "100" {
		t.Fatalf("stale-but-good value must survive a failed refresh, got %s ok=%v", price.String(), ok)
	}
}

func TestFeedRejectsNonPositivePrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price": 0}`))
	}))
	defer srv.Close()

	f := New(Options{URL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if err := f.Refresh(context.Background()); err == nil {
		t.Fatal("zero price must be rejected")
	}
	if _, ok := f.Price(); ok {
		t.Fatal("rejected price must not become available")
	}
}
