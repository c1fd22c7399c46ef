package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snapvault/backend/internal/store"
)

var errNotConnected = errors.New("client is not connected")

// pool defines the interface for database operations.
// This interface is satisfied by *pgxpool.Pool and can be mocked for testing.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
	Ping(ctx context.Context) error
}

// Client is a PostgreSQL-backed implementation of [store.Store]. All items
// live in one table keyed by (hash_key, range_key) with the attributes in a
// JSONB column. Conditional writes take a row lock with SELECT FOR UPDATE and
// evaluate the preconditions inside the transaction, so they are atomic with
// the write they guard.
type Client struct {
	conn pool
	opts *options
}

func New(opts ...Option) *Client {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{opts: o}
}

func (c *Client) Connect(ctx context.Context) error {
	// Close existing connection if any to prevent leaks
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid Postgres db configuration: %w", err)
	}

	config, err := pgxpool.ParseConfig(c.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to parse Postgres db connection string: %w", err)
	}

	if c.opts.poolMaxConnections != nil {
		config.MaxConns = *c.opts.poolMaxConnections
	}

	if c.opts.poolMinConnections != nil {
		config.MinConns = *c.opts.poolMinConnections
	}

	if c.opts.poolMaxConnectionLifetime != nil {
		config.MaxConnLifetime = *c.opts.poolMaxConnectionLifetime
	}

	if c.opts.poolHealthCheckPeriod != nil {
		config.HealthCheckPeriod = *c.opts.poolHealthCheckPeriod
	}

	conn, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create new Postgres connection pool: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping Postgres db: %w", err)
	}

	c.conn = conn

	return nil
}

func (c *Client) Close(_ context.Context) error {
	if c.conn == nil {
		return nil
	}

	c.conn.Close()

	c.conn = nil

	return nil
}

func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if c.conn == nil {
		return errNotConnected
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin init transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	for _, sql := range c.opts.createStatements() {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute create statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit init transaction: %w", err)
	}

	if !skipSchemaValidation {
		if err := c.verifySchema(ctx); err != nil {
			return fmt.Errorf("failed to verify current database schema: %w", err)
		}
	}

	return nil
}

func (c *Client) DropAllData(ctx context.Context) error {
	if c.conn == nil {
		return errNotConnected
	}

	for _, sql := range c.opts.dropStatements() {
		if _, err := c.conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute drop statement: %w", err)
		}
	}

	return nil
}

func (c *Client) Get(ctx context.Context, key store.Key, attrs []string) (store.Item, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}

	query := fmt.Sprintf("SELECT attrs FROM %s WHERE hash_key = $1 AND range_key = $2", c.opts.table)

	row := c.conn.QueryRow(ctx, query, key.Hash, key.Range)

	var body []byte

	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get item from Postgres db: %w", err)
	}

	item, err := decodeAttrs(body)
	if err != nil {
		return nil, err
	}

	return projectItem(item, attrs), nil
}

func (c *Client) Put(ctx context.Context, key store.Key, item store.Item, expect []store.Expect) error {
	if c.conn == nil {
		return errNotConnected
	}

	body, err := encodeAttrs(item)
	if err != nil {
		return err
	}

	upsert := fmt.Sprintf("INSERT INTO %s (hash_key, range_key, attrs) VALUES ($1, $2, $3) ON CONFLICT (hash_key, range_key) DO UPDATE SET attrs = EXCLUDED.attrs", c.opts.table)

	if len(expect) == 0 {
		if _, err := c.conn.Exec(ctx, upsert, key.Hash, key.Range, body); err != nil {
			return fmt.Errorf("failed to put item to Postgres db: %w", err)
		}

		return nil
	}

	return c.withLockedItem(ctx, key, expect, func(tx pgx.Tx, _ store.Item, _ bool) error {
		if _, err := tx.Exec(ctx, upsert, key.Hash, key.Range, body); err != nil {
			return fmt.Errorf("failed to put item to Postgres db: %w", err)
		}
		return nil
	})
}

func (c *Client) Update(ctx context.Context, key store.Key, updates []store.Update, expect []store.Expect) (store.Item, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}

	var updated store.Item

	err := c.withLockedItem(ctx, key, expect, func(tx pgx.Tx, item store.Item, _ bool) error {
		if item == nil {
			item = make(store.Item)
		}

		for _, u := range updates {
			switch u.Action {
			case store.ActionPut:
				item[u.Name] = u.Value
			case store.ActionAdd:
				delta, ok := u.Value.(int64)
				if !ok {
					return fmt.Errorf("add to attribute %s: value must be int64, got %T", u.Name, u.Value)
				}
				cur, _ := item[u.Name].(int64)
				item[u.Name] = cur + delta
			case store.ActionDelete:
				delete(item, u.Name)
			default:
				return fmt.Errorf("unknown update action %d on attribute %s", u.Action, u.Name)
			}
		}

		body, err := encodeAttrs(item)
		if err != nil {
			return err
		}

		upsert := fmt.Sprintf("INSERT INTO %s (hash_key, range_key, attrs) VALUES ($1, $2, $3) ON CONFLICT (hash_key, range_key) DO UPDATE SET attrs = EXCLUDED.attrs", c.opts.table)

		if _, err := tx.Exec(ctx, upsert, key.Hash, key.Range, body); err != nil {
			return fmt.Errorf("failed to update item in Postgres db: %w", err)
		}

		updated = item

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (c *Client) Delete(ctx context.Context, key store.Key, expect []store.Expect) error {
	if c.conn == nil {
		return errNotConnected
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE hash_key = $1 AND range_key = $2", c.opts.table)

	if len(expect) == 0 {
		if _, err := c.conn.Exec(ctx, del, key.Hash, key.Range); err != nil {
			return fmt.Errorf("failed to delete item from Postgres db: %w", err)
		}

		return nil
	}

	return c.withLockedItem(ctx, key, expect, func(tx pgx.Tx, _ store.Item, _ bool) error {
		if _, err := tx.Exec(ctx, del, key.Hash, key.Range); err != nil {
			return fmt.Errorf("failed to delete item from Postgres db: %w", err)
		}
		return nil
	})
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Row, *store.Key, error) {
	if c.conn == nil {
		return nil, nil, errNotConnected
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "SELECT hash_key, range_key, attrs FROM %s WHERE hash_key = $1 AND starts_with(range_key, $2)", c.opts.table)

	args := []any{q.Hash, q.RangePrefix}

	if q.StartKey != nil {
		if q.Descending {
			sb.WriteString(" AND range_key < $3")
		} else {
			sb.WriteString(" AND range_key > $3")
		}
		args = append(args, q.StartKey.Range)
	}

	if q.Descending {
		sb.WriteString(" ORDER BY range_key DESC")
	} else {
		sb.WriteString(" ORDER BY range_key ASC")
	}

	return c.readRows(ctx, sb.String(), args, q.Limit)
}

func (c *Client) Scan(ctx context.Context, s store.Scan) ([]store.Row, *store.Key, error) {
	if c.conn == nil {
		return nil, nil, errNotConnected
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "SELECT hash_key, range_key, attrs FROM %s WHERE starts_with(hash_key, $1)", c.opts.table)

	args := []any{s.HashPrefix}

	if s.StartKey != nil {
		sb.WriteString(" AND (hash_key, range_key) > ($2, $3)")
		args = append(args, s.StartKey.Hash, s.StartKey.Range)
	}

	sb.WriteString(" ORDER BY hash_key, range_key")

	return c.readRows(ctx, sb.String(), args, s.Limit)
}

// readRows executes a row query with an over-fetch of one to detect whether a
// further page exists.
func (c *Client) readRows(ctx context.Context, query string, args []any, limit int32) ([]store.Row, *store.Key, error) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit+1)
	}

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query items from Postgres db: %w", err)
	}

	defer rows.Close()

	var out []store.Row

	for rows.Next() {
		var r store.Row
		var body []byte

		if err := rows.Scan(&r.Key.Hash, &r.Key.Range, &body); err != nil {
			return nil, nil, fmt.Errorf("failed to scan item row: %w", err)
		}

		if r.Item, err = decodeAttrs(body); err != nil {
			return nil, nil, err
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating over item rows: %w", err)
	}

	if limit > 0 && int32(len(out)) > limit {
		page := out[:limit]
		next := page[len(page)-1].Key
		return page, &next, nil
	}

	return out, nil, nil
}

// withLockedItem runs fn in a transaction holding a row lock on key, after
// the preconditions have been evaluated against the current item.
func (c *Client) withLockedItem(ctx context.Context, key store.Key, expect []store.Expect, fn func(tx pgx.Tx, item store.Item, exists bool) error) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin conditional write transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	query := fmt.Sprintf("SELECT attrs FROM %s WHERE hash_key = $1 AND range_key = $2 FOR UPDATE", c.opts.table)

	var (
		item   store.Item
		exists bool
		body   []byte
	)

	err = tx.QueryRow(ctx, query, key.Hash, key.Range).Scan(&body)
	switch {
	case err == nil:
		exists = true
		if item, err = decodeAttrs(body); err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
		// Item absent; preconditions decide whether that is acceptable.
	default:
		return fmt.Errorf("failed to read item for conditional write: %w", err)
	}

	if err := checkExpect(key, item, exists, expect); err != nil {
		return err
	}

	if err := fn(tx, item, exists); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit conditional write transaction: %w", err)
	}

	return nil
}

// checkExpect evaluates preconditions against the current item.
func checkExpect(key store.Key, item store.Item, exists bool, expect []store.Expect) error {
	for _, e := range expect {
		if e.Name == "" {
			if e.Absent && exists {
				return fmt.Errorf("item %v exists: %w", key, store.ErrConditionFailed)
			}
			if !e.Absent && !exists {
				return fmt.Errorf("item %v missing: %w", key, store.ErrConditionFailed)
			}
			continue
		}

		cur, ok := item[e.Name]
		if e.Absent {
			if ok {
				return fmt.Errorf("attribute %s exists: %w", e.Name, store.ErrConditionFailed)
			}
			continue
		}

		if !ok || !valueEqual(cur, e.Value) {
			return fmt.Errorf("attribute %s mismatch: %w", e.Name, store.ErrConditionFailed)
		}
	}

	return nil
}

func valueEqual(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		return aok && bok && bytes.Equal(ab, bb)
	}
	return a == b
}

func projectItem(item store.Item, attrs []string) store.Item {
	if len(attrs) == 0 {
		return item
	}

	out := make(store.Item, len(attrs))

	for _, a := range attrs {
		if v, ok := item[a]; ok {
			out[a] = v
		}
	}

	return out
}

func (c *Client) verifySchema(ctx context.Context) error {
	query := "SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1"

	rows, err := c.conn.Query(ctx, query, c.opts.table)
	if err != nil {
		return fmt.Errorf("failed to query information schema: %w", err)
	}

	defer rows.Close()

	columns := map[string]string{}

	for rows.Next() {
		var column, dataType string

		if err := rows.Scan(&column, &dataType); err != nil {
			return fmt.Errorf("failed to scan row from information schema: %w", err)
		}

		columns[column] = dataType
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating over rows from information schema: %w", err)
	}

	expected := map[string]string{
		"hash_key":  "text",
		"range_key": "text",
		"attrs":     "jsonb",
	}

	for column, dataType := range expected {
		actual, ok := columns[column]
		if !ok {
			return fmt.Errorf("expected column '%s' not found in table %s", column, c.opts.table)
		}

		if !strings.EqualFold(actual, dataType) {
			return fmt.Errorf("data type mismatch for '%s': expected %s, got %s", column, dataType, actual)
		}
	}

	return nil
}
