package marketplace

const (
	TopicItemCreated   = "marketplace.item.created"
	TopicBidPlaced     = "marketplace.bid.placed"
	TopicItemSold      = "marketplace.item.sold"
	TopicAuctionClosed = "marketplace.auction.closed"
)

// Topics lists every topic the engine publishes to.
var Topics = []string{TopicItemCreated, TopicBidPlaced, TopicItemSold, TopicAuctionClosed}

// Partition key = item id, so all events of one item keep their order.
func PartitionKey(itemID string) []byte { return []byte(itemID) }
