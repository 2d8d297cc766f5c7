package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
)

// Client fetches account snapshots from the REST bulk source.
type Client struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	maxRetries   int
	retryBackoff time.Duration
	retryMax     time.Duration

	pageSize int
	cacheTTL time.Duration

	cacheMu   sync.Mutex
	cached    []model.RawAccount
	fetchedAt time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		now:          time.Now,
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
		retryMax:     10 * time.Second,
		pageSize:     1000,
		cacheTTL:     5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the number of retries after the first attempt and the
// backoff range.
func WithRetries(max int, backoff, maxBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
		c.retryMax = maxBackoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPageSize sets the page limit sent with each request.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithCacheTTL sets how long a fetched collection is served without a
// request. Zero disables the cache.
func WithCacheTTL(d time.Duration) ClientOption {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

// WithClientID sets the X-Client-ID header.
func WithClientID(id string) ClientOption {
	return func(c *Client) {
		c.clientID = id
	}
}

// withNow replaces the cache clock in tests.
func withNow(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}
