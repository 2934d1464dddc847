package marketplace

import "time"

// Item is a marketplace listing. Kind decides which of the price fields is
// meaningful: Price for sales, StartingBid/CurrentBid/EndTime for auctions.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Image       string     `json:"image,omitempty"`
	Kind        Kind       `json:"kind"`
	Price       int64      `json:"price,omitempty"`
	StartingBid int64      `json:"starting_bid,omitempty"`
	CurrentBid  int64      `json:"current_bid,omitempty"`
	// HighestBidder leads an active auction.
	HighestBidder string `json:"highest_bidder,omitempty"`
	// Owner is the buyer of a sale or the winner of a settled auction.
	Owner     string     `json:"owner,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    Status     `json:"status"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListedItem is an item with its user references resolved to display names.
type ListedItem struct {
	Item
	HighestBidderName string `json:"highest_bidder_name,omitempty"`
	OwnerName         string `json:"owner_name,omitempty"`
}

// User is the slice of the balance ledger the engine reads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

type EntryReason string

const (
	ReasonBidDebit  EntryReason = "bid_debit"
	ReasonBidRefund EntryReason = "bid_refund"
	ReasonPurchase  EntryReason = "purchase"
)

type LedgerEntry struct {
	UserID    string      `json:"user_id"`
	ItemID    string      `json:"item_id"`
	Delta     int64       `json:"delta"`
	Reason    EntryReason `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}

// CreateItemInput carries an administrator's new listing. Price is a pointer
// so a missing sale price can be told apart from a free item.
type CreateItemInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Image       string     `json:"image"`
	Kind        Kind       `json:"kind"`
	Price       *int64     `json:"price"`
	StartingBid *int64     `json:"starting_bid"`
	EndTime     *time.Time `json:"end_time"`
}
