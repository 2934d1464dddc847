package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// ErrInFlight means another request with the same idempotency key has
// claimed it and not finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in flight")

// StoredResponse is what a replay returns.
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency deduplicates commands by client-supplied key.
type Idempotency struct {
	R *redis.Client
}

// Claim reserves key for the caller. When a finished response is already
// stored it is returned and the caller must replay it instead of executing.
func (i *Idempotency) Claim(ctx context.Context, key string) (*StoredResponse, error) {
	ok, err := i.R.SetNX(ctx, key, pendingMarker, TTLIdemPending).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	v, err := i.R.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; let the caller try again
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if v == pendingMarker {
		return nil, ErrInFlight
	}
	var stored StoredResponse
	if err := json.Unmarshal([]byte(v), &stored); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &stored, nil
}

// Save records the final response for key.
func (i *Idempotency) Save(ctx context.Context, key string, resp StoredResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.R.Set(ctx, key, b, TTLIdempotency).Err()
}

// Release drops a claim so the client may retry, e.g. after a server error.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.R.Del(ctx, key).Err()
}
