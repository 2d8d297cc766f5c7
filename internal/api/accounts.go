package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/router"
)

// GetAccountsOptions selects one page of accounts.
type GetAccountsOptions struct {
	Limit  int
	Cursor string
	Force  bool
}

// AccountsResponse from GET /accounts
type AccountsResponse struct {
	Accounts []json.RawMessage `json:"accounts"`
	Cursor   string            `json:"cursor"`
}

// AccountsPage is one decoded page.
type AccountsPage struct {
	Accounts []model.RawAccount
	Skipped  int // Entries without a login
	Cursor   string
}

// GetAccounts fetches a page of accounts.
func (c *Client) GetAccounts(ctx context.Context, opts GetAccountsOptions) (*AccountsPage, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Force {
		query.Set("force", "true")
	}

	var resp AccountsResponse
	if err := c.get(ctx, "/accounts", query, &resp); err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}

	page := &AccountsPage{
		Accounts: make([]model.RawAccount, 0, len(resp.Accounts)),
		Cursor:   resp.Cursor,
	}
	for _, raw := range resp.Accounts {
		acc, err := router.ParseAccount(raw)
		if err != nil {
			page.Skipped++
			continue
		}
		page.Accounts = append(page.Accounts, acc)
	}

	return page, nil
}

// FetchAccounts returns the full collection, following pages. Unless force
// is set, a collection fetched within the cache TTL is returned as is.
func (c *Client) FetchAccounts(ctx context.Context, force bool) ([]model.RawAccount, error) {
	if !force {
		if cached, ok := c.fromCache(); ok {
			return cached, nil
		}
	}

	var all []model.RawAccount
	skipped := 0
	opts := GetAccountsOptions{Limit: c.pageSize, Force: force}

	for {
		page, err := c.GetAccounts(ctx, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Accounts...)
		skipped += page.Skipped

		if page.Cursor == "" {
			break
		}
		opts.Cursor = page.Cursor
	}

	if skipped > 0 {
		c.logger.Warn("bulk accounts without login skipped", "count", skipped)
	}

	c.cacheMu.Lock()
	c.cached = all
	c.fetchedAt = c.now()
	c.cacheMu.Unlock()

	c.logger.Debug("fetched accounts", "count", len(all), "force", force)

	return copyAccounts(all), nil
}

// InvalidateCache drops the cached collection.
func (c *Client) InvalidateCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cached = nil
	c.fetchedAt = time.Time{}
}

func (c *Client) fromCache() ([]model.RawAccount, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cacheTTL <= 0 || c.fetchedAt.IsZero() {
		return nil, false
	}
	if c.now().Sub(c.fetchedAt) >= c.cacheTTL {
		return nil, false
	}
	return copyAccounts(c.cached), true
}

func copyAccounts(in []model.RawAccount) []model.RawAccount {
	out := make([]model.RawAccount, len(in))
	for i, a := range in {
		out[i] = a
		out[i].Values = make(map[string]float64, len(a.Values))
		for k, v := range a.Values {
			out[i].Values[k] = v
		}
	}
	return out
}
