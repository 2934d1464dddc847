package marketplace_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/sqlite"
)

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type recordedEvent struct {
	topic string
	env   marketplace.Envelope
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic string, env marketplace.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{topic: topic, env: env})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.env.EventType)
	}
	return out
}

type fixture struct {
	store  *sqlite.Store
	engine *marketplace.Engine
	events *recordingPublisher
}

func newFixture(t *testing.T, users map[string]int64) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "marketplace.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for id, balance := range users {
		if err := store.CreateUser(context.Background(), marketplace.User{ID: id, Username: "user-" + id, Balance: balance}); err != nil {
			t.Fatalf("create user %s: %v", id, err)
		}
	}
	events := &recordingPublisher{}
	return &fixture{
		store:  store,
		events: events,
		engine: &marketplace.Engine{
			Store:    store,
			Events:   events,
			Producer: "test",
			Now:      func() time.Time { return testNow },
		},
	}
}

func (f *fixture) auction(t *testing.T, startingBid int64, end time.Time) marketplace.Item {
	t.Helper()
	item, err := f.engine.CreateItem(context.Background(), marketplace.CreateItemInput{
		Title:       "Signed poster",
		Kind:        marketplace.KindAuction,
		StartingBid: &startingBid,
		EndTime:     &end,
	})
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return item
}

func (f *fixture) sale(t *testing.T, price int64) marketplace.Item {
	t.Helper()
	item, err := f.engine.CreateItem(context.Background(), marketplace.CreateItemInput{
		Title: "Gift card",
		Kind:  marketplace.KindSale,
		Price: &price,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	return item
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u.Balance
}

func (f *fixture) item(t *testing.T, id string) marketplace.ListedItem {
	t.Helper()
	item, err := f.engine.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item
}

func requireInvalid(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %q, got nil", msg)
	}
	if !errors.Is(err, marketplace.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if err.Error() != msg {
		t.Fatalf("message = %q, want %q", err.Error(), msg)
	}
}

func TestBiddingAndPurchaseWalkthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500, "u2": 500, "u3": 50})
	a := f.auction(t, 100, testNow.Add(time.Hour))

	// U1 opens at 150.
	got, err := f.engine.PlaceBid(ctx, a.ID, "u1", 150)
	if err != nil {
		t.Fatalf("u1 bid: %v", err)
	}
	if got.CurrentBid != 150 || got.HighestBidder != "u1" {
		t.Fatalf("after u1 bid: current=%d bidder=%q", got.CurrentBid, got.HighestBidder)
	}
	if b := f.balance(t, "u1"); b != 350 {
		t.Fatalf("u1 balance = %d, want 350", b)
	}

	// U2 outbids; U1 is refunded.
	got, err = f.engine.PlaceBid(ctx, a.ID, "u2", 200)
	if err != nil {
		t.Fatalf("u2 bid: %v", err)
	}
	if got.CurrentBid != 200 || got.HighestBidder != "u2" {
		t.Fatalf("after u2 bid: current=%d bidder=%q", got.CurrentBid, got.HighestBidder)
	}
	if b := f.balance(t, "u1"); b != 500 {
		t.Fatalf("u1 balance = %d, want 500", b)
	}
	if b := f.balance(t, "u2"); b != 300 {
		t.Fatalf("u2 balance = %d, want 300", b)
	}

	// U3 cannot afford 250.
	_, err = f.engine.PlaceBid(ctx, a.ID, "u3", 250)
	requireInvalid(t, err, "insufficient balance")

	// U1 bids below the current bid.
	_, err = f.engine.PlaceBid(ctx, a.ID, "u1", 180)
	requireInvalid(t, err, "bid too low")

	stored := f.item(t, a.ID)
	if stored.CurrentBid != 200 || stored.HighestBidder != "u2" || stored.HighestBidderName != "user-u2" {
		t.Fatalf("auction changed by rejected bids: %+v", stored)
	}
	if b := f.balance(t, "u3"); b != 50 {
		t.Fatalf("u3 balance = %d, want 50", b)
	}

	// Sale item bought once.
	f2 := newFixture(t, map[string]int64{"u1": 300, "u2": 500})
	b := f2.sale(t, 300)
	sold, err := f2.engine.BuyItem(ctx, b.ID, "u1")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if sold.Status != marketplace.StatusSold || sold.Owner != "u1" {
		t.Fatalf("after buy: status=%s owner=%q", sold.Status, sold.Owner)
	}
	if bal := f2.balance(t, "u1"); bal != 0 {
		t.Fatalf("u1 balance = %d, want 0", bal)
	}
	_, err = f2.engine.BuyItem(ctx, b.ID, "u2")
	requireInvalid(t, err, "item unavailable")
	if bal := f2.balance(t, "u2"); bal != 500 {
		t.Fatalf("u2 balance = %d, want 500", bal)
	}
}

func TestPlaceBidAfterEndTimeLeavesItemActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[string]int64{"u1": 500})
	c := f.auction(t, 10, testNow.Add(-time.Minute))

	_, err := f.engine.PlaceBid(context.Background(), c.ID, "u1", 50)
	requireInvalid(t, err, "auction ended")

	if got := f.item(t, c.ID); got.Status != marketplace.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestPlaceBidAtEndTimeIsAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[string]int64{"u1": 500})
	c := f.auction(t, 10, testNow)

	if _, err := f.engine.PlaceBid(context.Background(), c.ID, "u1", 50); err != nil {
		t.Fatalf("bid at end time: %v", err)
	}
}

func TestPlaceBidRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500})
	a := f.auction(t, 100, testNow.Add(time.Hour))
	s := f.sale(t, 10)

	_, err := f.engine.PlaceBid(ctx, s.ID, "u1", 50)
	requireInvalid(t, err, "not an auction")

	_, err = f.engine.PlaceBid(ctx, a.ID, "u1", 100)
	requireInvalid(t, err, "bid too low")

	_, err = f.engine.PlaceBid(ctx, a.ID, "ghost", 150)
	if !errors.Is(err, marketplace.ErrNotFound) || err.Error() != "user not found" {
		t.Fatalf("expected user not found, got %v", err)
	}

	_, err = f.engine.PlaceBid(ctx, "missing", "u1", 150)
	if !errors.Is(err, marketplace.ErrNotFound) || err.Error() != "item not found" {
		t.Fatalf("expected item not found, got %v", err)
	}

	if b := f.balance(t, "u1"); b != 500 {
		t.Fatalf("u1 balance = %d, want 500", b)
	}
}

func TestBuyItemRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 100})
	a := f.auction(t, 10, testNow.Add(time.Hour))
	s := f.sale(t, 300)

	_, err := f.engine.BuyItem(ctx, a.ID, "u1")
	requireInvalid(t, err, "not for sale")

	_, err = f.engine.BuyItem(ctx, s.ID, "u1")
	requireInvalid(t, err, "insufficient balance")

	_, err = f.engine.BuyItem(ctx, s.ID, "ghost")
	if !errors.Is(err, marketplace.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := f.item(t, s.ID); got.Status != marketplace.StatusActive || got.Owner != "" {
		t.Fatalf("sale changed by rejected purchases: %+v", got.Item)
	}
}

func TestRaisingOwnBidChecksCurrentBalance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 300})
	a := f.auction(t, 0, testNow.Add(time.Hour))

	if _, err := f.engine.PlaceBid(ctx, a.ID, "u1", 200); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if b := f.balance(t, "u1"); b != 100 {
		t.Fatalf("balance = %d, want 100", b)
	}
	// Affordability is checked against the balance before the refund.
	_, err := f.engine.PlaceBid(ctx, a.ID, "u1", 250)
	requireInvalid(t, err, "insufficient balance")
	if b := f.balance(t, "u1"); b != 100 {
		t.Fatalf("balance after rejection = %d, want 100", b)
	}
}

func TestLedgerConservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 1000, "u2": 1000, "u3": 1000})
	a := f.auction(t, 0, testNow.Add(time.Hour))

	bids := []struct {
		user   string
		amount int64
	}{{"u1", 100}, {"u2", 150}, {"u1", 220}, {"u3", 300}, {"u2", 410}}
	for _, b := range bids {
		if _, err := f.engine.PlaceBid(ctx, a.ID, b.user, b.amount); err != nil {
			t.Fatalf("bid %s %d: %v", b.user, b.amount, err)
		}
	}

	entries, err := f.store.LedgerEntries(ctx, a.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var net int64
	perUser := map[string]int64{}
	for _, e := range entries {
		net += e.Delta
		perUser[e.UserID] += e.Delta
	}
	if net != -410 {
		t.Fatalf("net ledger delta = %d, want -410", net)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		want := int64(1000)
		if id == "u2" {
			want = 590
		}
		if got := f.balance(t, id); got != want {
			t.Fatalf("%s balance = %d, want %d", id, got, want)
		}
		if got := 1000 + perUser[id]; got != want {
			t.Fatalf("%s journal total = %d, want %d", id, got, want)
		}
	}
}

func TestTerminalItemsAreImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500, "u2": 500})
	s := f.sale(t, 100)
	if _, err := f.engine.BuyItem(ctx, s.ID, "u1"); err != nil {
		t.Fatalf("buy: %v", err)
	}
	expired := f.auction(t, 10, testNow.Add(-time.Second))
	if _, err := f.engine.CloseExpiredAuctions(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := f.engine.BuyItem(ctx, s.ID, "u2")
	requireInvalid(t, err, "item unavailable")
	_, err = f.engine.PlaceBid(ctx, expired.ID, "u2", 50)
	requireInvalid(t, err, "auction not active")

	if got := f.item(t, s.ID); got.Owner != "u1" {
		t.Fatalf("owner = %q, want u1", got.Owner)
	}
	if b := f.balance(t, "u2"); b != 500 {
		t.Fatalf("u2 balance = %d, want 500", b)
	}
}

func TestListActiveItemsExcludesTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500})
	open := f.auction(t, 10, testNow.Add(time.Hour))
	s := f.sale(t, 100)
	if _, err := f.engine.BuyItem(ctx, s.ID, "u1"); err != nil {
		t.Fatalf("buy: %v", err)
	}

	items, err := f.engine.ListActiveItems(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != open.ID {
		t.Fatalf("active items = %+v, want only %s", items, open.ID)
	}
}

func TestCloseExpiredAuctions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500})
	won := f.auction(t, 10, testNow.Add(time.Minute))
	if _, err := f.engine.PlaceBid(ctx, won.ID, "u1", 40); err != nil {
		t.Fatalf("bid: %v", err)
	}
	unbid := f.auction(t, 10, testNow.Add(-time.Minute))
	running := f.auction(t, 10, testNow.Add(time.Hour))

	// Advance the clock past the first auction's end.
	f.engine.Now = func() time.Time { return testNow.Add(2 * time.Minute) }
	closed, err := f.engine.CloseExpiredAuctions(ctx)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed %d auctions, want 2", len(closed))
	}

	if got := f.item(t, won.ID); got.Status != marketplace.StatusSold || got.Owner != "u1" || got.OwnerName != "user-u1" {
		t.Fatalf("won auction: %+v", got)
	}
	if got := f.item(t, unbid.ID); got.Status != marketplace.StatusExpired || got.Owner != "" {
		t.Fatalf("unbid auction: %+v", got.Item)
	}
	if got := f.item(t, running.ID); got.Status != marketplace.StatusActive {
		t.Fatalf("running auction status = %s", got.Status)
	}
	// The winning bid was already debited when placed.
	if b := f.balance(t, "u1"); b != 460 {
		t.Fatalf("u1 balance = %d, want 460", b)
	}

	again, err := f.engine.CloseExpiredAuctions(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep closed %d, err %v", len(again), err)
	}
}

func TestEventsFollowCommittedChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500, "u2": 500})
	a := f.auction(t, 10, testNow.Add(time.Hour))
	ctx = marketplace.WithTraceID(ctx, "req-1")
	if _, err := f.engine.PlaceBid(ctx, a.ID, "u1", 20); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := f.engine.PlaceBid(ctx, a.ID, "u2", 10); err == nil {
		t.Fatal("expected low bid to fail")
	}

	got := f.events.types()
	want := []string{marketplace.EventItemCreated, marketplace.EventBidPlaced}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	last := f.events.events[1]
	if last.topic != marketplace.TopicBidPlaced || last.env.CorrelationID != a.ID || last.env.TraceID != "req-1" {
		t.Fatalf("bid event = %+v", last)
	}
}

func TestConcurrentBidsSettleConsistently(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	users := map[string]int64{}
	for i := 0; i < 8; i++ {
		users[fmt.Sprintf("u%d", i)] = 1000
	}
	f := newFixture(t, users)
	a := f.auction(t, 0, testNow.Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.engine.PlaceBid(ctx, a.ID, fmt.Sprintf("u%d", i), int64(100+i*10))
		}(i)
	}
	wg.Wait()

	got := f.item(t, a.ID)
	if got.HighestBidder == "" {
		t.Fatal("no bid was accepted")
	}
	var total int64
	for id := range users {
		total += f.balance(t, id)
		if id == got.HighestBidder {
			if b := f.balance(t, id); b != 1000-got.CurrentBid {
				t.Fatalf("leader %s balance = %d, want %d", id, b, 1000-got.CurrentBid)
			}
		} else if b := f.balance(t, id); b != 1000 {
			t.Fatalf("%s balance = %d, want 1000", id, b)
		}
	}
	if total != 8000-got.CurrentBid {
		t.Fatalf("total balance = %d, want %d", total, 8000-got.CurrentBid)
	}
}

func TestCreateItemValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	neg := int64(-1)
	zero := int64(0)

	cases := []struct {
		name string
		in   marketplace.CreateItemInput
	}{
		{"missing title", marketplace.CreateItemInput{Kind: marketplace.KindSale, Price: &zero}},
		{"unknown kind", marketplace.CreateItemInput{Title: "x", Kind: "raffle"}},
		{"sale without price", marketplace.CreateItemInput{Title: "x", Kind: marketplace.KindSale}},
		{"negative price", marketplace.CreateItemInput{Title: "x", Kind: marketplace.KindSale, Price: &neg}},
		{"negative starting bid", marketplace.CreateItemInput{Title: "x", Kind: marketplace.KindAuction, StartingBid: &neg}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateItem(context.Background(), tc.in)
			if !errors.Is(err, marketplace.ErrInvalidOperation) {
				t.Fatalf("expected invalid operation, got %v", err)
			}
		})
	}

	free, err := f.engine.CreateItem(context.Background(), marketplace.CreateItemInput{
		Title: "  Sticker  ", Kind: marketplace.KindSale, Price: &zero,
	})
	if err != nil {
		t.Fatalf("free item: %v", err)
	}
	if free.Title != "Sticker" || free.Status != marketplace.StatusActive || free.Version != 1 {
		t.Fatalf("free item = %+v", free)
	}
}

func TestTimesKeepStoredPrecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, map[string]int64{"u1": 500})
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	f.engine.Now = func() time.Time { return base.Add(500 * time.Microsecond) }

	end := base.Add(900 * time.Microsecond)
	created := f.auction(t, 10, end)
	stored := f.item(t, created.ID)
	if !created.EndTime.Equal(*stored.EndTime) || !created.CreatedAt.Equal(stored.CreatedAt) {
		t.Fatalf("returned end=%v created=%v, stored end=%v created=%v",
			created.EndTime, created.CreatedAt, stored.EndTime, stored.CreatedAt)
	}
	if !stored.EndTime.Equal(base) {
		t.Fatalf("stored end = %v, want %v", stored.EndTime, base)
	}

	// Before the deadline at the stored precision.
	if _, err := f.engine.PlaceBid(ctx, created.ID, "u1", 20); err != nil {
		t.Fatalf("bid inside the final millisecond: %v", err)
	}
}
