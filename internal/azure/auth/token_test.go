package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, hits *atomic.Int64, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %s", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %s", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("scope") != DefaultScope {
			t.Errorf("scope = %s", r.PostForm.Get("scope"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-1",
			"expires_in":   expiresIn,
		})
	}))
}

func newTestFetcher(srv *httptest.Server) *ClientCredentials {
	cc := NewClientCredentials("tenant-1", "client-1", "secret-1")
	cc.AuthorityBase = srv.URL
	return cc
}

func TestFetchAppliesMargin(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	cc := newTestFetcher(srv)
	base := time.Unix(1700000000, 0)
	cc.now = func() time.Time { return base }

	tok, err := cc.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if tok.Value != "tok-1" {
		t.Errorf("token = %q", tok.Value)
	}
	want := base.Add(3600*time.Second - expiryMargin)
	if !tok.ExpiresAt.Equal(want) {
		t.Errorf("expiry = %v, want %v", tok.ExpiresAt, want)
	}
}

func TestFetchErrorSurfacesServerPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_client",
			"error_description": "AADSTS7000215",
		})
	}))
	defer srv.Close()

	cc := newTestFetcher(srv)
	_, err := cc.Fetch(context.Background())
	var fe *FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FlowError", err)
	}
	if fe.Code != "invalid_client" || fe.StatusCode != 401 {
		t.Errorf("FlowError = %+v", fe)
	}
}

func TestCacheReusesValidToken(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	cache := NewCache(newTestFetcher(srv))
	for i := 0; i < 5; i++ {
		if _, err := cache.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestCacheCoalescesConcurrentRefresh(t *testing.T) {
	var hits atomic.Int64
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-c", "expires_in": 3600})
	}))
	defer slow.Close()

	cache := NewCache(newTestFetcher(slow))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := hits.Load(); n != 1 {
		t.Errorf("concurrent refreshers made %d network calls, want 1", n)
	}
}

func TestCacheZeroExpiryRefreshesNextCall(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 0)
	defer srv.Close()

	cache := NewCache(newTestFetcher(srv))
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("first Token: %v", err)
	}
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatalf("second Token: %v", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("expires_in=0 must force refresh on next call; hits = %d", n)
	}
}

func TestCacheInvalidateForcesRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 3600)
	defer srv.Close()

	cache := NewCache(newTestFetcher(srv))
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	if _, err := cache.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("hits = %d, want 2 after invalidate", n)
	}
}

func TestCacheSurfacesFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := NewCache(newTestFetcher(srv))
	if _, err := cache.Token(context.Background()); err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}
