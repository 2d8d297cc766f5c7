package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rickgao/account-aggregator/internal/config"
	"github.com/rickgao/account-aggregator/internal/model"
	"github.com/rickgao/account-aggregator/internal/router"
	"github.com/rickgao/account-aggregator/internal/schedule"
)

// Querier is the subset of *pgxpool.Pool used by AccountSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// SourceOption configures an AccountSource.
type SourceOption func(*AccountSource)

// WithRetry sets the number of retries after the first attempt and the
// backoff bounds between them.
func WithRetry(maxRetries int, base, maxDelay time.Duration) SourceOption {
	return func(s *AccountSource) {
		s.maxRetries = maxRetries
		s.backoff = schedule.Backoff{Base: base, Max: maxDelay}
	}
}

// AccountSource loads the full account set from a table.
type AccountSource struct {
	db         Querier
	query      string
	logger     *slog.Logger
	maxRetries int
	backoff    schedule.Backoff
}

// NewAccountSource creates a source reading table through db.
// The table name must already be validated as an identifier.
func NewAccountSource(db Querier, table string, logger *slog.Logger, opts ...SourceOption) *AccountSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AccountSource{
		db:         db,
		query:      selectAccountsSQL(table),
		logger:     logger.With("component", "account_source"),
		maxRetries: config.DefaultMaxRetries,
		backoff: schedule.Backoff{
			Base: config.DefaultRetryBaseDelay,
			Max:  config.DefaultRetryMaxDelay,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsTransient reports whether a query error is worth retrying: connection
// failures, timeouts, errors pgconn marks safe to retry, and server codes
// for lost connections, serialization failures and overload.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "53300", pgErr.Code == "57P03": // too many connections, cannot connect now
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// selectAccountsSQL folds each row into one JSON object so it decodes the
// same way as a REST page entry.
func selectAccountsSQL(table string) string {
	return fmt.Sprintf(`SELECT jsonb_build_object(
	'login', login,
	'currency', currency,
	'updated_at', (extract(epoch FROM updated_at) * 1000)::bigint
) || data
FROM %s
ORDER BY login`, table)
}

// FetchAccounts returns every account in the table, retrying transient
// failures. The database is always read directly, so force has no effect.
func (s *AccountSource) FetchAccounts(ctx context.Context, force bool) ([]model.RawAccount, error) {
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			wait := s.backoff.JitteredDelay(attempt)
			s.logger.Debug("retrying account query",
				"attempt", attempt,
				"backoff", wait,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		out, err := s.fetchOnce(ctx)
		if err == nil {
			return out, nil
		}

		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *AccountSource) fetchOnce(ctx context.Context) ([]model.RawAccount, error) {
	rows, err := s.db.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var (
		out     []model.RawAccount
		skipped int
	)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acc, err := router.ParseAccount(doc)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	if skipped > 0 {
		s.logger.Warn("skipped invalid account rows", "skipped", skipped)
	}
	s.logger.Debug("loaded accounts", "count", len(out))
	return out, nil
}
