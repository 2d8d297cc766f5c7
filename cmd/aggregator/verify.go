package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/account-aggregator/internal/aggregate"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/normalize"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		addr  string
		apply bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Ask a running aggregator to verify its totals against the bulk source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(opts.configPath)
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("http://localhost:%d", cfg.HTTP.Port)
			}
			report, err := requestVerify(cmd.Context(), addr, apply)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status server address (default from config http.port)")
	cmd.Flags().BoolVar(&apply, "apply", false, "replace local state with the fresh snapshot")

	cmd.AddCommand(newSnapshotCmd(opts))
	return cmd
}

// newSnapshotCmd computes totals straight from the bulk source, without a
// running aggregator.
func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch the bulk source and print the totals it implies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, os.Stderr)

			token, _ := feedToken(cfg).Resolve()
			source, err := openSource(cmd.Context(), cfg, token, logger)
			if err != nil {
				return err
			}
			defer source.close()

			norm, err := normalize.New(cfg.Normalize.Subunits)
			if err != nil {
				return err
			}

			raw, err := source.FetchAccounts(cmd.Context(), true)
			if err != nil {
				return err
			}
			stats := aggregate.Recompute(norm.Accounts(raw))
			return writeJSON(cmd.OutOrStdout(), totalsResponse(stats))
		},
	}
}

func requestVerify(ctx context.Context, addr string, apply bool) (*model.DriftReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	u.Path = "/verify"
	u.RawQuery = url.Values{"apply": {strconv.FormatBool(apply)}}.Encode()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request verify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify failed (%d): %s", resp.StatusCode, body)
	}

	var report model.DriftReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
