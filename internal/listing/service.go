package listing

import (
	"context"
	"fmt"
	"log/slog"

	kafkax "github.com/ariefcatur/go-points-marketplace/internal/kafka"
	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// Service invalidates the listing cache when another process changes the
// marketplace, e.g. the auction sweep of a different API replica.
type Service struct {
	Redis       *redis.Client
	Cache       *Cache
	ServiceName string
	Log         *slog.Logger
}

var listingEvents = map[string]bool{
	marketplace.EventItemCreated:   true,
	marketplace.EventBidPlaced:     true,
	marketplace.EventItemSold:      true,
	marketplace.EventAuctionClosed: true,
}

// HandleMarketplaceEvent is installed as the consumer handler.
func (s *Service) HandleMarketplaceEvent(ctx context.Context, m kafkago.Message) error {
	var env marketplace.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// a poison message would otherwise block the partition forever
		s.log().Warn("skipping undecodable event", "topic", m.Topic, "offset", m.Offset, "error", err)
		return nil
	}
	if !listingEvents[env.EventType] {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	fresh, err := s.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !fresh {
		return nil
	}

	if err := s.Cache.Invalidate(ctx); err != nil {
		_ = s.Redis.Del(ctx, dkey).Err()
		return fmt.Errorf("invalidate listing: %w", err)
	}
	if env.EventType == marketplace.EventAuctionClosed {
		if p, err := kafkax.UnwrapPayload[marketplace.AuctionClosedPayload](env.Payload); err == nil {
			s.log().Info("auction closed", "item_id", p.ItemID, "status", p.FinalStatus, "winner", p.WinnerID)
		}
	}
	return nil
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
