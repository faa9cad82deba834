// Package sqlexec executes SQL against the platform's Postgres server,
// targeting the admin database by default or any named database on
// request. It is the single execution surface the lifecycle managers and
// the migration service go through.
package sqlexec

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxSafeInteger bounds numeric coercion of string values: anything
// larger is left as a string to avoid silent precision loss downstream.
const maxSafeInteger = 1<<53 - 1

// adminMaxConns caps each administrative pool; lifecycle traffic is light
// and tenant traffic goes through the per-project pools instead.
const adminMaxConns = 4

// Options controls statement execution.
type Options struct {
	// ReadOnly runs the batch inside a read-only transaction.
	ReadOnly bool
	// Database targets a specific database; empty selects the admin
	// database from the client's base connection string.
	Database string
}

// Result holds the outcome of the last statement in a batch.
type Result struct {
	Rows         []map[string]any
	RowsAffected int64
}

// Executor is the query execution contract the lifecycle managers and the
// migration service depend on.
type Executor interface {
	Execute(ctx context.Context, query string, args []any, opts *Options) (*Result, error)
}

// Client implements Executor over pgx pools, one per target database,
// created lazily from a base (admin) connection string.
type Client struct {
	baseURL string

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool // keyed by database name; "" = admin
}

// NewClient connects the admin pool and verifies it with a ping.
func NewClient(ctx context.Context, adminURL string) (*Client, error) {
	c := &Client{
		baseURL: adminURL,
		pools:   make(map[string]*pgxpool.Pool),
	}
	pool, err := c.Pool(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("pinging admin database: %w", err)
	}
	return c, nil
}

// Pool returns the pool for the named database, creating it on first use.
// An empty name selects the admin database.
func (c *Client) Pool(ctx context.Context, database string) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pool, ok := c.pools[database]; ok {
		return pool, nil
	}

	cfg, err := pgxpool.ParseConfig(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing admin connection string: %w", err)
	}
	cfg.MaxConns = adminMaxConns
	if database != "" {
		cfg.ConnConfig.Database = database
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool for database %q: %w", database, err)
	}
	c.pools[database] = pool
	return pool, nil
}

// Execute splits the query into statements and runs them in order on one
// connection. All statements but the last run for side effect only;
// parameters bind to the last statement, whose rows are returned.
func (c *Client) Execute(ctx context.Context, query string, args []any, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	stmts := Split(query)
	if len(stmts) == 0 {
		return &Result{}, nil
	}

	pool, err := c.Pool(ctx, opts.Database)
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if opts.ReadOnly {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
		if err != nil {
			return nil, fmt.Errorf("beginning read-only transaction: %w", err)
		}
		res, err := runStatements(ctx, tx, stmts, args)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing read-only transaction: %w", err)
		}
		return res, nil
	}

	return runStatements(ctx, conn, stmts, args)
}

// TxRunner executes statements inside the transaction ExecuteTx opened.
type TxRunner func(query string, args ...any) (int64, error)

// TxExecutor is the transactional execution contract. The migration
// service needs its restore to be all-or-nothing.
type TxExecutor interface {
	ExecuteTx(ctx context.Context, opts *Options, fn func(run TxRunner) error) error
}

// ExecuteTx runs fn inside a single transaction on the target database.
// The transaction commits when fn returns nil and rolls back otherwise.
func (c *Client) ExecuteTx(ctx context.Context, opts *Options, fn func(run TxRunner) error) error {
	if opts == nil {
		opts = &Options{}
	}

	pool, err := c.Pool(ctx, opts.Database)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	run := func(query string, args ...any) (int64, error) {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	if err := fn(run); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Close closes every pool owned by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pool := range c.pools {
		pool.Close()
		delete(c.pools, name)
	}
}

// queryer is satisfied by both *pgxpool.Conn and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func runStatements(ctx context.Context, q queryer, stmts []string, args []any) (*Result, error) {
	for _, stmt := range stmts[:len(stmts)-1] {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("executing statement: %w", err)
		}
	}

	last := stmts[len(stmts)-1]
	rows, err := q.Query(ctx, last, args...)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		row := make(map[string]any, len(fds))
		for i, fd := range fds {
			row[fd.Name] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	return &Result{
		Rows:         out,
		RowsAffected: rows.CommandTag().RowsAffected(),
	}, nil
}

// normalizeValue coerces numeric-looking string values into int64 when
// they fit the safe-integer range; anything larger stays a string so
// precision is never silently lost.
func normalizeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if len(s) > 1 && (s[0] == '0' || s[0] == '+') {
		// Leading zeros or an explicit sign prefix would not round-trip.
		return v
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return v
	}
	if n > maxSafeInteger || n < -maxSafeInteger {
		return v
	}
	return n
}
