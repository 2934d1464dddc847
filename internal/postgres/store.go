package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps marketplace items and the balance ledger in PostgreSQL.
// Item rows are locked FOR UPDATE for the length of a settlement.
type Store struct{ DB *pgxpool.Pool }

var _ marketplace.Store = (*Store)(nil)

const itemColumns = `i.id, i.title, i.description, i.image, i.kind, i.price, i.starting_bid,
	i.current_bid, i.highest_bidder, i.owner_id, i.end_time, i.status, i.version,
	i.created_at, i.updated_at`

const listedSelect = `SELECT ` + itemColumns + `, COALESCE(hb.username, ''), COALESCE(ow.username, '')
	FROM marketplace_items i
	LEFT JOIN users hb ON hb.id = i.highest_bidder
	LEFT JOIN users ow ON ow.id = i.owner_id`

func (s *Store) CreateItem(ctx context.Context, it marketplace.Item) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO marketplace_items(id, title, description, image, kind, price, starting_bid,
			current_bid, end_time, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		it.ID, it.Title, it.Description, it.Image, string(it.Kind), it.Price, it.StartingBid,
		it.CurrentBid, it.EndTime, string(it.Status), it.Version, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *Store) GetListedItem(ctx context.Context, id string) (marketplace.ListedItem, error) {
	row := s.DB.QueryRow(ctx, listedSelect+` WHERE i.id = $1`, id)
	li, err := scanListed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.ListedItem{}, marketplace.ErrItemNotFound
	}
	if err != nil {
		return marketplace.ListedItem{}, fmt.Errorf("get item: %w", err)
	}
	return li, nil
}

func (s *Store) ListActiveItems(ctx context.Context) ([]marketplace.ListedItem, error) {
	rows, err := s.DB.Query(ctx, listedSelect+` WHERE i.status = 'active' ORDER BY i.created_at DESC, i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []marketplace.ListedItem{}
	for rows.Next() {
		li, err := scanListed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func (s *Store) ListEndedAuctions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM marketplace_items
		WHERE kind = 'auction' AND status = 'active' AND end_time IS NOT NULL AND end_time < $1
		ORDER BY end_time`, now)
	if err != nil {
		return nil, err
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

// WithinTx runs fn in a read-committed transaction. Deadlocks and
// serialization failures are reported as marketplace.ErrStaleItem so the
// engine retries them.
func (s *Store) WithinTx(ctx context.Context, fn func(marketplace.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// CreateUser registers a ledger account. Accounts are normally provisioned by
// the user service; this exists for seeding.
func (s *Store) CreateUser(ctx context.Context, u marketplace.User) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO users(id, username, balance) VALUES ($1,$2,$3)`, u.ID, u.Username, u.Balance)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) GetItemForUpdate(ctx context.Context, id string) (marketplace.Item, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM marketplace_items i WHERE i.id = $1 FOR UPDATE`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.Item{}, marketplace.ErrItemNotFound
	}
	if err != nil {
		return marketplace.Item{}, fmt.Errorf("lock item: %w", err)
	}
	return it, nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (marketplace.User, error) {
	var u marketplace.User
	err := t.tx.QueryRow(ctx, `SELECT id, username, balance FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username, &u.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return marketplace.User{}, marketplace.ErrUserNotFound
	}
	if err != nil {
		return marketplace.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, e marketplace.LedgerEntry) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE users SET balance = balance + $2
		WHERE id = $1 AND balance + $2 >= 0`, e.UserID, e.Delta)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if ct.RowsAffected() != 1 {
		var one int
		err := t.tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id=$1`, e.UserID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return marketplace.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("adjust balance: %w", err)
		}
		return marketplace.ErrInsufficientBalance
	}

	if _, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries(user_id, item_id, delta, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.UserID, e.ItemID, e.Delta, string(e.Reason), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("journal ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateItem(ctx context.Context, it marketplace.Item) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE marketplace_items
		SET current_bid = $3, highest_bidder = $4, owner_id = $5, status = $6,
		    updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2`,
		it.ID, it.Version, it.CurrentBid, nullable(it.HighestBidder), nullable(it.Owner),
		string(it.Status), it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("update item %s at version %d: %w", it.ID, it.Version, marketplace.ErrStaleItem)
	}
	return nil
}

func scanItem(row pgx.Row) (marketplace.Item, error) {
	var (
		it                   marketplace.Item
		kind, status         string
		highestBidder, owner *string
	)
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.Image, &kind, &it.Price, &it.StartingBid,
		&it.CurrentBid, &highestBidder, &owner, &it.EndTime, &status, &it.Version,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return marketplace.Item{}, err
	}
	it.Kind = marketplace.Kind(kind)
	it.Status = marketplace.Status(status)
	if highestBidder != nil {
		it.HighestBidder = *highestBidder
	}
	if owner != nil {
		it.Owner = *owner
	}
	return it, nil
}

func scanListed(row pgx.Row) (marketplace.ListedItem, error) {
	var (
		li                   marketplace.ListedItem
		kind, status         string
		highestBidder, owner *string
	)
	it := &li.Item
	err := row.Scan(&it.ID, &it.Title, &it.Description, &it.Image, &kind, &it.Price, &it.StartingBid,
		&it.CurrentBid, &highestBidder, &owner, &it.EndTime, &status, &it.Version,
		&it.CreatedAt, &it.UpdatedAt, &li.HighestBidderName, &li.OwnerName)
	if err != nil {
		return marketplace.ListedItem{}, err
	}
	it.Kind = marketplace.Kind(kind)
	it.Status = marketplace.Status(status)
	if highestBidder != nil {
		it.HighestBidder = *highestBidder
	}
	if owner != nil {
		it.Owner = *owner
	}
	return li, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classify turns lock contention reported by PostgreSQL into ErrStaleItem.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", marketplace.ErrStaleItem, err)
		}
	}
	return err
}
