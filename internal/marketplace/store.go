package marketplace

import (
	"context"
	"time"
)

// Store persists items and reaches the balance ledger. Every mutation the
// engine performs goes through WithinTx.
type Store interface {
	CreateItem(ctx context.Context, item Item) error
	GetListedItem(ctx context.Context, id string) (ListedItem, error)
	ListActiveItems(ctx context.Context) ([]ListedItem, error)
	// ListEndedAuctions returns ids of active auctions whose end time is
	// before now.
	ListEndedAuctions(ctx context.Context, now time.Time) ([]string, error)
	// WithinTx runs fn in one transaction. The transaction commits only when
	// fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit of work handed to WithinTx callbacks.
type Tx interface {
	// GetItemForUpdate reads an item and holds it against concurrent
	// writers until the transaction ends.
	GetItemForUpdate(ctx context.Context, id string) (Item, error)
	GetUser(ctx context.Context, id string) (User, error)
	// AdjustBalance applies delta to the user's balance and journals it.
	// It returns ErrInsufficientBalance rather than going below zero.
	AdjustBalance(ctx context.Context, entry LedgerEntry) error
	// UpdateItem writes item if its stored version still equals
	// item.Version, bumping the version. Otherwise ErrStaleItem.
	UpdateItem(ctx context.Context, item Item) error
}
