package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const defaultMaxAttempts = 5

// Engine settles bids and purchases against the item store and the balance
// ledger. Each command runs as one unit of work: on any rejection nothing is
// written.
type Engine struct {
	Store  Store
	Events EventPublisher // optional
	// Producer is stamped on emitted envelopes.
	Producer string
	// MaxAttempts bounds retries of a unit of work that lost a race.
	MaxAttempts int
	Now         func() time.Time
	Log         *slog.Logger
}

// now is truncated to the millisecond precision the stores keep, so items
// returned to callers match what was persisted.
func (e *Engine) now() time.Time {
	t := time.Now()
	if e.Now != nil {
		t = e.Now()
	}
	return t.UTC().Truncate(time.Millisecond)
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// CreateItem validates and stores a new active listing.
func (e *Engine) CreateItem(ctx context.Context, in CreateItemInput) (Item, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Item{}, invalid("title is required")
	}
	now := e.now()
	item := Item{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Image:       strings.TrimSpace(in.Image),
		Kind:        in.Kind,
		Status:      StatusActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch in.Kind {
	case KindSale:
		if in.Price == nil {
			return Item{}, invalid("price is required for sale items")
		}
		if *in.Price < 0 {
			return Item{}, invalid("price must not be negative")
		}
		item.Price = *in.Price
	case KindAuction:
		if in.StartingBid != nil {
			if *in.StartingBid < 0 {
				return Item{}, invalid("starting bid must not be negative")
			}
			item.StartingBid = *in.StartingBid
		}
		item.CurrentBid = item.StartingBid
		if in.EndTime != nil {
			end := in.EndTime.UTC().Truncate(time.Millisecond)
			item.EndTime = &end
		}
	default:
		return Item{}, invalid(fmt.Sprintf("unknown item kind %q", in.Kind))
	}

	if err := e.Store.CreateItem(ctx, item); err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	e.publish(ctx, TopicItemCreated, EventItemCreated, item.ID, ItemCreatedPayload{Item: item})
	return item, nil
}

// GetItem returns one item with user references resolved.
func (e *Engine) GetItem(ctx context.Context, id string) (ListedItem, error) {
	item, err := e.Store.GetListedItem(ctx, id)
	if err != nil {
		return ListedItem{}, translate(err)
	}
	return item, nil
}

// ListActiveItems returns every item still open for bids or purchase.
func (e *Engine) ListActiveItems(ctx context.Context) ([]ListedItem, error) {
	items, err := e.Store.ListActiveItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	return items, nil
}

// PlaceBid makes bidderID the highest bidder at amount, refunding the
// displaced bidder.
func (e *Engine) PlaceBid(ctx context.Context, itemID, bidderID string, amount int64) (Item, error) {
	var (
		updated    Item
		prevBidder string
		prevBid    int64
	)
	err := e.settle(ctx, func(tx Tx) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return translate(err)
		}
		switch item.Kind {
		case KindAuction:
		case KindSale:
			return invalid("not an auction")
		default:
			return fmt.Errorf("item %s has unknown kind %q", item.ID, item.Kind)
		}
		if item.Status != StatusActive {
			return invalid("auction not active")
		}
		now := e.now()
		if item.EndTime != nil && now.After(*item.EndTime) {
			return invalid("auction ended")
		}
		if amount <= item.CurrentBid {
			return invalid("bid too low")
		}
		bidder, err := tx.GetUser(ctx, bidderID)
		if err != nil {
			return translate(err)
		}
		if bidder.Balance < amount {
			return invalid("insufficient balance")
		}

		prevBidder, prevBid = item.HighestBidder, item.CurrentBid
		if prevBidder != "" {
			if err := tx.AdjustBalance(ctx, LedgerEntry{
				UserID: prevBidder, ItemID: item.ID, Delta: prevBid, Reason: ReasonBidRefund, CreatedAt: now,
			}); err != nil {
				return translate(err)
			}
		}
		if err := tx.AdjustBalance(ctx, LedgerEntry{
			UserID: bidderID, ItemID: item.ID, Delta: -amount, Reason: ReasonBidDebit, CreatedAt: now,
		}); err != nil {
			return translate(err)
		}

		item.CurrentBid = amount
		item.HighestBidder = bidderID
		item.UpdatedAt = now
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		item.Version++
		updated = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	p := BidPlacedPayload{ItemID: updated.ID, BidderID: bidderID, Amount: amount}
	if prevBidder != "" {
		p.PreviousBidder, p.RefundedAmount = prevBidder, prevBid
	}
	e.publish(ctx, TopicBidPlaced, EventBidPlaced, updated.ID, p)
	return updated, nil
}

// BuyItem sells a fixed-price item to buyerID.
func (e *Engine) BuyItem(ctx context.Context, itemID, buyerID string) (Item, error) {
	var updated Item
	err := e.settle(ctx, func(tx Tx) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return translate(err)
		}
		switch item.Kind {
		case KindSale:
		case KindAuction:
			return invalid("not for sale")
		default:
			return fmt.Errorf("item %s has unknown kind %q", item.ID, item.Kind)
		}
		if !CanTransition(item.Status, StatusSold) {
			return invalid("item unavailable")
		}
		buyer, err := tx.GetUser(ctx, buyerID)
		if err != nil {
			return translate(err)
		}
		if buyer.Balance < item.Price {
			return invalid("insufficient balance")
		}

		now := e.now()
		if err := tx.AdjustBalance(ctx, LedgerEntry{
			UserID: buyerID, ItemID: item.ID, Delta: -item.Price, Reason: ReasonPurchase, CreatedAt: now,
		}); err != nil {
			return translate(err)
		}
		item.Status = StatusSold
		item.Owner = buyerID
		item.UpdatedAt = now
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		item.Version++
		updated = item
		return nil
	})
	if err != nil {
		return Item{}, err
	}

	e.publish(ctx, TopicItemSold, EventItemSold, updated.ID, ItemSoldPayload{
		ItemID: updated.ID, BuyerID: buyerID, Price: updated.Price,
	})
	return updated, nil
}

// CloseExpiredAuctions settles every active auction whose end time has
// passed. An auction with a highest bidder is sold to that bidder, whose
// points were already taken when the bid was accepted; one without bids
// expires. Failures on single items do not stop the sweep.
func (e *Engine) CloseExpiredAuctions(ctx context.Context) ([]Item, error) {
	now := e.now()
	ids, err := e.Store.ListEndedAuctions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list ended auctions: %w", err)
	}

	var (
		closed []Item
		errs   []error
	)
	for _, id := range ids {
		item, ok, err := e.closeAuction(ctx, id, now)
		if err != nil {
			e.log().Error("close auction failed", "item_id", id, "error", err)
			errs = append(errs, fmt.Errorf("close auction %s: %w", id, err))
			continue
		}
		if !ok {
			continue
		}
		closed = append(closed, item)
		e.publish(ctx, TopicAuctionClosed, EventAuctionClosed, item.ID, AuctionClosedPayload{
			ItemID:      item.ID,
			FinalStatus: item.Status,
			WinnerID:    item.Owner,
			WinningBid:  winningBid(item),
		})
	}
	return closed, errors.Join(errs...)
}

func (e *Engine) closeAuction(ctx context.Context, id string, now time.Time) (Item, bool, error) {
	var (
		updated Item
		changed bool
	)
	err := e.settle(ctx, func(tx Tx) error {
		changed = false
		item, err := tx.GetItemForUpdate(ctx, id)
		if err != nil {
			return translate(err)
		}
		// Re-check under lock: a purchase or another sweeper may have won.
		if item.Kind != KindAuction || item.Status != StatusActive ||
			item.EndTime == nil || !now.After(*item.EndTime) {
			return nil
		}
		next := StatusExpired
		if item.HighestBidder != "" {
			next = StatusSold
			item.Owner = item.HighestBidder
		}
		if !CanTransition(item.Status, next) {
			return nil
		}
		item.Status = next
		item.UpdatedAt = now
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		item.Version++
		updated, changed = item, true
		return nil
	})
	return updated, changed, err
}

func winningBid(item Item) int64 {
	if item.Status == StatusSold {
		return item.CurrentBid
	}
	return 0
}

// settle runs fn in a transaction, retrying with backoff while the write
// loses races. Exhausted retries surface as a Conflict error.
func (e *Engine) settle(ctx context.Context, fn func(tx Tx) error) error {
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.Store.WithinTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrStaleItem):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if errors.Is(err, ErrStaleItem) {
		return conflict(err)
	}
	return err
}

// translate maps store contract errors to marketplace errors.
func translate(err error) error {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return notFound("item not found")
	case errors.Is(err, ErrUserNotFound):
		return notFound("user not found")
	case errors.Is(err, ErrInsufficientBalance):
		return invalid("insufficient balance")
	}
	return err
}

func (e *Engine) publish(ctx context.Context, topic, eventType, itemID string, payload any) {
	if e.Events == nil {
		return
	}
	env, err := NewEnvelope(eventType, e.Producer, itemID, traceID(ctx), e.now(), payload)
	if err != nil {
		e.log().Error("encode event", "event_type", eventType, "item_id", itemID, "error", err)
		return
	}
	if err := e.Events.PublishEvent(ctx, topic, env); err != nil {
		e.log().Warn("publish event", "topic", topic, "event_id", env.EventID, "error", err)
	}
}
