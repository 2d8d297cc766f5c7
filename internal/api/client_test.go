package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://bulk.example.com", "test-token")

		if c.baseURL != "https://bulk.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://bulk.example.com")
		}
		if c.token != "test-token" {
			t.Errorf("token = %q, want %q", c.token, "test-token")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.maxRetries != 2 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 2)
		}
		if c.pageSize != 1000 {
			t.Errorf("pageSize = %d, want 1000", c.pageSize)
		}
		if c.cacheTTL != 5*time.Second {
			t.Errorf("cacheTTL = %v, want 5s", c.cacheTTL)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		hc := &http.Client{}
		c := NewClient("https://bulk.example.com", "",
			WithHTTPClient(hc),
			WithTimeout(15*time.Second),
			WithRetries(5, 10*time.Millisecond, time.Second),
			WithLogger(logger),
			WithPageSize(50),
			WithCacheTTL(0),
			WithClientID("abc"),
		)
		if c.httpClient != hc {
			t.Error("custom HTTP client not set")
		}
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 5 || c.retryBackoff != 10*time.Millisecond || c.retryMax != time.Second {
			t.Errorf("retries = %d/%v/%v", c.maxRetries, c.retryBackoff, c.retryMax)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
		if c.pageSize != 50 {
			t.Errorf("pageSize = %d, want 50", c.pageSize)
		}
		if c.cacheTTL != 0 {
			t.Errorf("cacheTTL = %v, want 0", c.cacheTTL)
		}
		if c.clientID != "abc" {
			t.Errorf("clientID = %q, want abc", c.clientID)
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "bulk api error 404: Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}

	tests := []struct {
		code     int
		expected bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{429, true},
		{400, false},
		{401, false},
		{404, false},
		{499, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.expected {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.expected)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"503", &APIError{StatusCode: 503}, true},
		{"429 wrapped", fmt.Errorf("get accounts: %w", &APIError{StatusCode: 429}), true},
		{"400", &APIError{StatusCode: 400}, false},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"aborted", fmt.Errorf("do request: %w", syscall.ECONNABORTED), true},
		{"unexpected eof", fmt.Errorf("read response: %w", io.ErrUnexpectedEOF), true},
		{"timeout", &url.Error{Op: "Get", URL: "x", Err: timeoutErr{}}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("unmarshal response: bad json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("sends headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q", r.Header.Get("Accept"))
			}
			if r.Header.Get("Authorization") != "Bearer test-token" {
				t.Errorf("Authorization header = %q", r.Header.Get("Authorization"))
			}
			if !strings.HasPrefix(r.Header.Get("User-Agent"), "account-aggregator/") {
				t.Errorf("User-Agent header = %q", r.Header.Get("User-Agent"))
			}
			if r.Header.Get("X-Client-ID") != "instance-1" {
				t.Errorf("X-Client-ID header = %q", r.Header.Get("X-Client-ID"))
			}
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "test-token", WithClientID("instance-1"))
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q", string(body))
		}
	})

	t.Run("no token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("Authorization header should be empty, got %q", r.Header.Get("Authorization"))
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("4xx error returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error": "forbidden"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "token")
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != 403 {
			t.Errorf("StatusCode = %d, want 403", apiErr.StatusCode)
		}
		if !strings.Contains(string(apiErr.Body), "forbidden") {
			t.Errorf("Body = %q", string(apiErr.Body))
		}
	})
}

// TestDoWithRetry tests the retry logic.
func TestDoWithRetry(t *testing.T) {
	flaky := func(failures int32, status int) (*httptest.Server, *int32) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&attempts, 1)
			if n <= failures {
				w.WriteHeader(status)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		return server, &attempts
	}

	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		server, attempts := flaky(2, http.StatusServiceUnavailable)
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(2, time.Millisecond, 5*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *attempts != 3 {
			t.Errorf("attempts = %d, want 3", *attempts)
		}
	})

	t.Run("retries on 429", func(t *testing.T) {
		server, attempts := flaky(1, http.StatusTooManyRequests)
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(2, time.Millisecond, 5*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *attempts != 2 {
			t.Errorf("attempts = %d, want 2", *attempts)
		}
	})

	t.Run("does not retry on 4xx", func(t *testing.T) {
		server, attempts := flaky(10, http.StatusBadRequest)
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(3, time.Millisecond, 5*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err == nil {
			t.Fatal("expected error")
		}
		if *attempts != 1 {
			t.Errorf("attempts = %d, want 1", *attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		server, attempts := flaky(10, http.StatusBadGateway)
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(2, time.Millisecond, 5*time.Millisecond))
		_, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Fatalf("err = %v, want max retries exceeded", err)
		}
		if *attempts != 3 {
			t.Errorf("attempts = %d, want 3", *attempts)
		}
	})

	t.Run("retries dropped connections", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				hj, ok := w.(http.Hijacker)
				if !ok {
					t.Error("hijack not supported")
					return
				}
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(2, time.Millisecond, 5*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("context cancellation during retry", func(t *testing.T) {
		server, _ := flaky(10, http.StatusInternalServerError)
		defer server.Close()

		c := NewClient(server.URL, "", WithRetries(5, time.Second, time.Second))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := c.doWithRetry(ctx, http.MethodGet, "/test", nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	})
}

// accountsServer serves pages of accounts; pages[i] is returned for cursor
// "p<i>".
func accountsServer(t *testing.T, pages []string, hits *int32, forced *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts" {
			t.Errorf("path = %s, want /accounts", r.URL.Path)
		}
		atomic.AddInt32(hits, 1)
		if r.URL.Query().Get("force") == "true" && forced != nil {
			atomic.AddInt32(forced, 1)
		}

		idx := 0
		if cur := r.URL.Query().Get("cursor"); cur != "" {
			fmt.Sscanf(cur, "p%d", &idx)
		}
		next := ""
		if idx+1 < len(pages) {
			next = fmt.Sprintf("p%d", idx+1)
		}
		fmt.Fprintf(w, `{"accounts": [%s], "cursor": %q}`, pages[idx], next)
	}))
}

func TestGetAccounts(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		q := r.URL.Query()
		if q.Get("limit") != "2" || q.Get("cursor") != "abc" || q.Get("force") != "true" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"accounts": [
			{"login": "1", "currency": "USD", "balance": 100, "timestamp": 1705328200},
			{"balance": 5}
		], "cursor": "def"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	page, err := c.GetAccounts(context.Background(), GetAccountsOptions{Limit: 2, Cursor: "abc", Force: true})
	if err != nil {
		t.Fatalf("GetAccounts failed: %v", err)
	}
	if len(page.Accounts) != 1 || page.Skipped != 1 {
		t.Fatalf("accounts = %d skipped = %d", len(page.Accounts), page.Skipped)
	}
	acc := page.Accounts[0]
	if acc.Login != "1" || acc.Values["balance"] != 100 || acc.UpdatedAt != 1705328200000 {
		t.Errorf("account = %+v", acc)
	}
	if page.Cursor != "def" {
		t.Errorf("Cursor = %q, want def", page.Cursor)
	}
}

func TestFetchAccounts(t *testing.T) {
	pages := []string{
		`{"login": "1", "balance": 100}, {"login": "2", "balance": 100}`,
		`{"login": "3", "balance": "100"}`,
	}

	t.Run("follows pagination", func(t *testing.T) {
		var hits int32
		server := accountsServer(t, pages, &hits, nil)
		defer server.Close()

		c := NewClient(server.URL, "", WithPageSize(2))
		accounts, err := c.FetchAccounts(context.Background(), false)
		if err != nil {
			t.Fatalf("FetchAccounts failed: %v", err)
		}
		if len(accounts) != 3 {
			t.Fatalf("accounts = %d, want 3", len(accounts))
		}
		if hits != 2 {
			t.Errorf("hits = %d, want 2", hits)
		}
	})

	t.Run("serves cache within ttl", func(t *testing.T) {
		var hits int32
		server := accountsServer(t, pages, &hits, nil)
		defer server.Close()

		now := time.Unix(1700000000, 0)
		c := NewClient(server.URL, "", WithCacheTTL(time.Minute), withNow(func() time.Time { return now }))

		first, _ := c.FetchAccounts(context.Background(), false)
		first[0].Values["balance"] = -1 // callers get copies

		second, err := c.FetchAccounts(context.Background(), false)
		if err != nil {
			t.Fatalf("FetchAccounts failed: %v", err)
		}
		if hits != 2 {
			t.Errorf("hits = %d, want 2 (second call cached)", hits)
		}
		if second[0].Values["balance"] != 100 {
			t.Errorf("cached value mutated: %v", second[0].Values["balance"])
		}

		now = now.Add(time.Minute)
		c.FetchAccounts(context.Background(), false)
		if hits != 4 {
			t.Errorf("hits = %d, want 4 after ttl", hits)
		}
	})

	t.Run("force bypasses cache", func(t *testing.T) {
		var hits, forced int32
		server := accountsServer(t, pages, &hits, &forced)
		defer server.Close()

		c := NewClient(server.URL, "", WithCacheTTL(time.Hour))
		c.FetchAccounts(context.Background(), false)
		if _, err := c.FetchAccounts(context.Background(), true); err != nil {
			t.Fatalf("FetchAccounts failed: %v", err)
		}
		if hits != 4 {
			t.Errorf("hits = %d, want 4", hits)
		}
		if forced != 2 {
			t.Errorf("forced = %d, want 2 (force sent on every page)", forced)
		}

		c.InvalidateCache()
		c.FetchAccounts(context.Background(), false)
		if hits != 6 {
			t.Errorf("hits = %d, want 6 after invalidate", hits)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"accounts": [`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		if _, err := c.FetchAccounts(context.Background(), true); err == nil {
			t.Fatal("expected error")
		}
	})
}
