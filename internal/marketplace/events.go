package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventItemCreated   = "ItemCreated"
	EventBidPlaced     = "BidPlaced"
	EventItemSold      = "ItemSold"
	EventAuctionClosed = "AuctionClosed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // item id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a v1 envelope correlated to an item.
func NewEnvelope(eventType, producer, itemID, trace string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		TraceID:       trace,
		CorrelationID: itemID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type ItemCreatedPayload struct {
	Item Item `json:"item"`
}

type BidPlacedPayload struct {
	ItemID         string `json:"item_id"`
	BidderID       string `json:"bidder_id"`
	Amount         int64  `json:"amount"`
	PreviousBidder string `json:"previous_bidder,omitempty"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

type ItemSoldPayload struct {
	ItemID  string `json:"item_id"`
	BuyerID string `json:"buyer_id"`
	Price   int64  `json:"price"`
}

type AuctionClosedPayload struct {
	ItemID      string `json:"item_id"`
	FinalStatus Status `json:"final_status"`
	WinnerID    string `json:"winner_id,omitempty"`
	WinningBid  int64  `json:"winning_bid,omitempty"`
}

// EventPublisher delivers committed marketplace events to a sink.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, env Envelope) error
}

// Publishers fans an event out to several sinks. Every sink is attempted;
// the first error is returned.
type Publishers []EventPublisher

func (ps Publishers) PublishEvent(ctx context.Context, topic string, env Envelope) error {
	var first error
	for _, p := range ps {
		if err := p.PublishEvent(ctx, topic, env); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type traceKey struct{}

// WithTraceID attaches a request id that is copied into emitted envelopes.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}
