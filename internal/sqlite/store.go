// Package sqlite provides a SQLite-backed marketplace store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store persists marketplace items and the balance ledger in SQLite. It
// holds a single connection and begins transactions IMMEDIATE, so units of
// work are serialized.
type Store struct {
	sqlDB *sql.DB
}

var _ marketplace.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const itemColumns = `i.id, i.title, i.description, i.image, i.kind, i.price, i.starting_bid,
	i.current_bid, i.highest_bidder, i.owner_id, i.end_time, i.status, i.version,
	i.created_at, i.updated_at`

const listedSelect = `SELECT ` + itemColumns + `, COALESCE(hb.username, ''), COALESCE(ow.username, '')
	FROM marketplace_items i
	LEFT JOIN users hb ON hb.id = i.highest_bidder
	LEFT JOIN users ow ON ow.id = i.owner_id`

func (s *Store) CreateItem(ctx context.Context, it marketplace.Item) error {
	var endTime sql.NullInt64
	if it.EndTime != nil {
		endTime = sql.NullInt64{Int64: toMillis(*it.EndTime), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO marketplace_items (id, title, description, image, kind, price, starting_bid,
			current_bid, end_time, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Title, it.Description, it.Image, string(it.Kind), it.Price, it.StartingBid,
		it.CurrentBid, endTime, string(it.Status), it.Version, toMillis(it.CreatedAt), toMillis(it.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *Store) GetListedItem(ctx context.Context, id string) (marketplace.ListedItem, error) {
	row := s.sqlDB.QueryRowContext(ctx, listedSelect+` WHERE i.id = ?`, id)
	li, err := scanListed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.ListedItem{}, marketplace.ErrItemNotFound
	}
	if err != nil {
		return marketplace.ListedItem{}, fmt.Errorf("get item: %w", err)
	}
	return li, nil
}

func (s *Store) ListActiveItems(ctx context.Context) ([]marketplace.ListedItem, error) {
	rows, err := s.sqlDB.QueryContext(ctx, listedSelect+` WHERE i.status = 'active' ORDER BY i.created_at DESC, i.id`)
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	defer rows.Close()

	out := []marketplace.ListedItem{}
	for rows.Next() {
		li, err := scanListed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *Store) ListEndedAuctions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id FROM marketplace_items
		WHERE kind = 'auction' AND status = 'active' AND end_time IS NOT NULL AND end_time < ?
		ORDER BY end_time`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list ended auctions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) WithinTx(ctx context.Context, fn func(marketplace.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateUser registers a ledger account with an opening balance.
func (s *Store) CreateUser(ctx context.Context, u marketplace.User) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, username, balance, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.Balance, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser reads one ledger account outside any settlement.
func (s *Store) GetUser(ctx context.Context, id string) (marketplace.User, error) {
	return getUser(ctx, s.sqlDB, id)
}

// LedgerEntries returns the journal for one item in insertion order.
func (s *Store) LedgerEntries(ctx context.Context, itemID string) ([]marketplace.LedgerEntry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT user_id, item_id, delta, reason, created_at
		FROM ledger_entries WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []marketplace.LedgerEntry
	for rows.Next() {
		var (
			e         marketplace.LedgerEntry
			reason    string
			createdAt int64
		)
		if err := rows.Scan(&e.UserID, &e.ItemID, &e.Delta, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.Reason = marketplace.EntryReason(reason)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUser(ctx context.Context, q queryer, id string) (marketplace.User, error) {
	var u marketplace.User
	err := q.QueryRowContext(ctx, `SELECT id, username, balance FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.User{}, marketplace.ErrUserNotFound
	}
	if err != nil {
		return marketplace.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

type sqliteTx struct{ tx *sql.Tx }

// GetItemForUpdate needs no row lock: the transaction already holds the
// database write lock.
func (t *sqliteTx) GetItemForUpdate(ctx context.Context, id string) (marketplace.Item, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM marketplace_items i WHERE i.id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.Item{}, marketplace.ErrItemNotFound
	}
	if err != nil {
		return marketplace.Item{}, fmt.Errorf("read item: %w", err)
	}
	return it, nil
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (marketplace.User, error) {
	return getUser(ctx, t.tx, id)
}

func (t *sqliteTx) AdjustBalance(ctx context.Context, e marketplace.LedgerEntry) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ? AND balance + ? >= 0`,
		e.Delta, e.UserID, e.Delta,
	)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if n != 1 {
		if _, err := getUser(ctx, t.tx, e.UserID); err != nil {
			return err
		}
		return marketplace.ErrInsufficientBalance
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, item_id, delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.ItemID, e.Delta, string(e.Reason), toMillis(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("journal ledger entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateItem(ctx context.Context, it marketplace.Item) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE marketplace_items
		SET current_bid = ?, highest_bidder = ?, owner_id = ?, status = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		it.CurrentBid, nullString(it.HighestBidder), nullString(it.Owner), string(it.Status),
		toMillis(it.UpdatedAt), it.ID, it.Version,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update item %s at version %d: %w", it.ID, it.Version, marketplace.ErrStaleItem)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

type itemRow struct {
	kind, status         string
	highestBidder, owner sql.NullString
	endTime              sql.NullInt64
	createdAt, updatedAt int64
}

func (r itemRow) apply(it *marketplace.Item) {
	it.Kind = marketplace.Kind(r.kind)
	it.Status = marketplace.Status(r.status)
	it.HighestBidder = r.highestBidder.String
	it.Owner = r.owner.String
	if r.endTime.Valid {
		end := fromMillis(r.endTime.Int64)
		it.EndTime = &end
	}
	it.CreatedAt = fromMillis(r.createdAt)
	it.UpdatedAt = fromMillis(r.updatedAt)
}

func scanItem(row scanner) (marketplace.Item, error) {
	var (
		it marketplace.Item
		r  itemRow
	)
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.Image, &r.kind, &it.Price, &it.StartingBid,
		&it.CurrentBid, &r.highestBidder, &r.owner, &r.endTime, &r.status, &it.Version,
		&r.createdAt, &r.updatedAt)
	if err != nil {
		return marketplace.Item{}, err
	}
	r.apply(&it)
	return it, nil
}

func scanListed(row scanner) (marketplace.ListedItem, error) {
	var (
		li marketplace.ListedItem
		r  itemRow
	)
	it := &li.Item
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.Image, &r.kind, &it.Price, &it.StartingBid,
		&it.CurrentBid, &r.highestBidder, &r.owner, &r.endTime, &r.status, &it.Version,
		&r.createdAt, &r.updatedAt, &li.HighestBidderName, &li.OwnerName)
	if err != nil {
		return marketplace.ListedItem{}, err
	}
	r.apply(it)
	return li, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
