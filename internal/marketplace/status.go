package marketplace

type Status string

const (
	StatusActive  Status = "active"
	StatusSold    Status = "sold"
	StatusExpired Status = "expired"
)

var validNext = map[Status]map[Status]bool{
	StatusActive:  {StatusSold: true, StatusExpired: true},
	StatusSold:    {},
	StatusExpired: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type Kind string

const (
	KindSale    Kind = "sale"
	KindAuction Kind = "auction"
)
