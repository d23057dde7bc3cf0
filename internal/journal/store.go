// Package journal is the bot's durable record: every order, every fill
// and an outbox of events to publish. State changes and the events that
// announce them commit in one transaction, so a crash can never leave
// an announced-but-unrecorded order or the reverse.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/primetrades/primetrades/internal/trade"
)

// Store wraps the sqlite journal database.
type Store struct {
	db *sql.DB
}

// OutboxEvent represents an event waiting to be published
type OutboxEvent struct {
	ID                  int64
	OrderID             string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// NewEventID returns a fresh event id. The caller stamps it into the
// payload before building the outbox row, so the row and the payload
// carry the same id and downstream consumers can dedupe on either.
func NewEventID() string {
	return "evt-" + uuid.New().String()
}

// NewOutboxEvent builds an outbox row for an order-keyed payload.
func NewOutboxEvent(eventID, clientID, topic string, payload any) (OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return OutboxEvent{
		OrderID:           clientID,
		EventID:           eventID,
		Topic:             topic,
		Key:               clientID,
		PayloadJSON:       string(data),
		CreatedUnixMillis: time.Now().UnixMilli(),
	}, nil
}

// Open creates or opens the journal store
func Open(path string) (*Store, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	// Run migrations
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the necessary tables
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			client_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL,
			stop_price REAL NOT NULL,
			state TEXT NOT NULL,
			exchange_id TEXT NOT NULL,
			filled_qty REAL NOT NULL,
			avg_fill_price REAL NOT NULL,
			attempts INTEGER NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			updated_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state)`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL,
			final INTEGER NOT NULL,
			ts_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_client ON fills(client_id)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// SaveOrder upserts an order's current state together with the outbox
// events announcing the change, atomically.
func (s *Store) SaveOrder(ctx context.Context, o trade.Order, events ...OutboxEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertOrder(ctx, tx, o); err != nil {
		return err
	}
	for _, e := range events {
		if err := insertOutbox(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveFill records a fill, the order state it produced and the outbox
// events in one transaction.
func (s *Store) SaveFill(ctx context.Context, o trade.Order, f trade.Fill, events ...OutboxEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	final := 0
	if f.Final {
		final = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO fills (client_id, symbol, side, qty, price, final, ts_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderClientID, f.Symbol, string(f.Side), f.Qty, f.Price, final, f.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill: %w", err)
	}

	if err := upsertOrder(ctx, tx, o); err != nil {
		return err
	}
	for _, e := range events {
		if err := insertOutbox(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertOrder(ctx context.Context, tx *sql.Tx, o trade.Order) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (client_id, symbol, side, type, qty, price, stop_price, state,
			exchange_id, filled_qty, avg_fill_price, attempts, created_unix_millis, updated_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET
			state = excluded.state,
			exchange_id = excluded.exchange_id,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			attempts = excluded.attempts,
			updated_unix_millis = excluded.updated_unix_millis`,
		o.ClientID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.Price, o.StopPrice,
		o.State.String(), o.ExchangeID, o.FilledQty, o.AvgFillPrice, o.Attempts,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, e OutboxEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		e.OrderID, e.EventID, e.Topic, e.Key, e.PayloadJSON, e.CreatedUnixMillis,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// Order loads one order by client id.
func (s *Store) Order(ctx context.Context, clientID string) (trade.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT client_id, symbol, side, type, qty, price, stop_price, state,
			exchange_id, filled_qty, avg_fill_price, attempts, created_unix_millis, updated_unix_millis
		 FROM orders WHERE client_id = ?`, clientID)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return trade.Order{}, trade.ErrUnknownOrder
	}
	if err != nil {
		return trade.Order{}, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

// NonTerminalOrders returns every order still in flight, oldest first.
// Used at startup to rebuild the engine's working set before
// reconciliation.
func (s *Store) NonTerminalOrders(ctx context.Context) ([]trade.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, symbol, side, type, qty, price, stop_price, state,
			exchange_id, filled_qty, avg_fill_price, attempts, created_unix_millis, updated_unix_millis
		 FROM orders
		 WHERE state NOT IN (?, ?, ?, ?)
		 ORDER BY created_unix_millis ASC`,
		trade.StateFilled.String(), trade.StateCancelled.String(),
		trade.StateRejected.String(), trade.StateExpired.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal orders: %w", err)
	}
	defer rows.Close()

	var orders []trade.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Orders returns all journaled orders, newest first, optionally
// filtered by state name.
func (s *Store) Orders(ctx context.Context, state string, limit int) ([]trade.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT client_id, symbol, side, type, qty, price, stop_price, state,
			exchange_id, filled_qty, avg_fill_price, attempts, created_unix_millis, updated_unix_millis
		 FROM orders`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_unix_millis DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []trade.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AllFills returns every journaled fill in execution order. Replayed
// through the ledger at startup to restore positions.
func (s *Store) AllFills(ctx context.Context) ([]trade.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, symbol, side, qty, price, final, ts_unix_millis
		 FROM fills ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []trade.Fill
	for rows.Next() {
		var f trade.Fill
		var side string
		var final int
		var ts int64
		if err := rows.Scan(&f.OrderClientID, &f.Symbol, &side, &f.Qty, &f.Price, &final, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = trade.Side(side)
		f.Final = final != 0
		f.At = time.UnixMilli(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// FilledQty sums the journaled fill quantity for one order. The engine
// compares it against exchange-reported totals during reconciliation.
func (s *Store) FilledQty(ctx context.Context, clientID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(qty) FROM fills WHERE client_id = ?`, clientID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum fills: %w", err)
	}
	return total.Float64, nil
}

// ListUnpublished returns unpublished outbox events
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var publishedUnixMillis sql.NullInt64
		err := rows.Scan(
			&e.ID, &e.OrderID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &publishedUnixMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.PublishedUnixMillis = publishedUnixMillis
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkPublished marks an event as published
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (trade.Order, error) {
	var o trade.Order
	var side, typ, state string
	var created, updated int64
	err := row.Scan(&o.ClientID, &o.Symbol, &side, &typ, &o.Qty, &o.Price, &o.StopPrice,
		&state, &o.ExchangeID, &o.FilledQty, &o.AvgFillPrice, &o.Attempts, &created, &updated)
	if err != nil {
		return trade.Order{}, err
	}
	o.Side = trade.Side(side)
	o.Type = trade.OrderType(typ)
	o.State = trade.ParseState(state)
	o.CreatedAt = time.UnixMilli(created)
	o.UpdatedAt = time.UnixMilli(updated)
	return o, nil
}
