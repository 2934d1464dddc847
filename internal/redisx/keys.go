package redisx

import "time"

const (
	// Listing cache generation, bumped on every invalidation: market:items:gen -> int
	KeyListingGen = "market:items:gen"

	// Cached active listing per generation: market:items:active:{gen} -> JSON []ListedItem
	KeyActiveItems = "market:items:active:%d"

	// Command idempotency: idem:{user_id}:{action}:{item_id}:{key} -> pending | stored response
	KeyIdemCommand = "idem:%s:%s:%s:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLIdemPending = 30 * time.Second
	TTLDedup       = 48 * time.Hour
)
