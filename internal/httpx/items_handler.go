package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-points-marketplace/internal/marketplace"
	"github.com/ariefcatur/go-points-marketplace/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HeaderUserID carries the caller identity established by the gateway.
const HeaderUserID = "X-User-Id"

// HeaderIdempotencyKey lets a client retry a bid or purchase without it
// being applied twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// Lister serves GET /items; the listing cache or the engine itself.
type Lister interface {
	ListActiveItems(ctx context.Context) ([]marketplace.ListedItem, error)
}

// Invalidator drops cached listing state after a local write.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// IdempotencyStore deduplicates bid/buy commands.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (*redisx.StoredResponse, error)
	Save(ctx context.Context, key string, resp redisx.StoredResponse) error
	Release(ctx context.Context, key string) error
}

type ItemsHandler struct {
	Engine   *marketplace.Engine
	Listings Lister
	Cache    Invalidator      // optional
	Idem     IdempotencyStore // optional
	Log      *slog.Logger
}

// PlaceBidReq is the body of POST /items/{id}/bid.
type PlaceBidReq struct {
	Amount int64 `json:"amount"`
}

// CloseAuctionsResp lists the auctions settled or expired by one sweep.
type CloseAuctionsResp struct {
	Closed []marketplace.Item `json:"closed"`
}

const (
	readTimeout    = 3 * time.Second
	commandTimeout = 5 * time.Second
	sweepTimeout   = 30 * time.Second
)

func (h *ItemsHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/items", h.listItems)
		r.Get("/items/{id}", h.getItem)
		r.Post("/items", h.createItem)
		r.Post("/items/{id}/bid", h.placeBid)
		r.Post("/items/{id}/buy", h.buyItem)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(sweepTimeout + 5*time.Second))
		r.Post("/admin/auctions/close", h.closeAuctions)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *ItemsHandler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// writeError maps marketplace error codes onto HTTP statuses.
func (h *ItemsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := marketplace.CodeOf(err)
	switch code {
	case marketplace.CodeNotFound:
		status = http.StatusNotFound
	case marketplace.CodeInvalidOperation:
		status = http.StatusUnprocessableEntity
	case marketplace.CodeConflict:
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log().Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func commandContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := marketplace.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
	return context.WithTimeout(ctx, timeout)
}

func (h *ItemsHandler) listItems(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	items, err := h.Listings.ListActiveItems(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ItemsHandler) getItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	item, err := h.Engine.GetItem(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *ItemsHandler) createItem(w http.ResponseWriter, r *http.Request) {
	var req marketplace.CreateItemInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := commandContext(r, commandTimeout)
	defer cancel()

	item, err := h.Engine.CreateItem(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusCreated, item)
}

func (h *ItemsHandler) placeBid(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing caller identity"})
		return
	}
	var req PlaceBidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.Amount <= 0 {
		badRequest(w, "amount must be positive")
		return
	}
	itemID := chi.URLParam(r, "id")

	h.command(w, r, userID, "bid", itemID, func(ctx context.Context) (marketplace.Item, error) {
		return h.Engine.PlaceBid(ctx, itemID, userID, req.Amount)
	})
}

func (h *ItemsHandler) buyItem(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing caller identity"})
		return
	}
	itemID := chi.URLParam(r, "id")

	h.command(w, r, userID, "buy", itemID, func(ctx context.Context) (marketplace.Item, error) {
		return h.Engine.BuyItem(ctx, itemID, userID)
	})
}

// command runs a settlement, replaying a stored response when the client
// repeats an Idempotency-Key.
func (h *ItemsHandler) command(w http.ResponseWriter, r *http.Request, userID, action, itemID string,
	run func(ctx context.Context) (marketplace.Item, error)) {
	ctx, cancel := commandContext(r, commandTimeout)
	defer cancel()

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key != "" && h.Idem != nil {
		idemKey := fmt.Sprintf(redisx.KeyIdemCommand, userID, action, itemID, key)
		stored, err := h.Idem.Claim(ctx, idemKey)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		case err != nil:
			// degrade to executing without deduplication
			h.log().Warn("idempotency unavailable", "error", err)
		case stored != nil:
			w.Header().Set("X-Idempotency-Hit", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		default:
			rec := &recorder{ResponseWriter: w}
			h.execute(ctx, rec, r, run)
			if rec.status >= http.StatusInternalServerError {
				_ = h.Idem.Release(ctx, idemKey)
				return
			}
			if err := h.Idem.Save(ctx, idemKey, redisx.StoredResponse{Status: rec.status, Body: rec.body.Bytes()}); err != nil {
				h.log().Warn("save idempotent response", "error", err)
			}
			return
		}
	}
	h.execute(ctx, w, r, run)
}

func (h *ItemsHandler) execute(ctx context.Context, w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context) (marketplace.Item, error)) {
	item, err := run(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusOK, item)
}

func (h *ItemsHandler) closeAuctions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := commandContext(r, sweepTimeout)
	defer cancel()

	closed, err := h.Engine.CloseExpiredAuctions(ctx)
	if len(closed) > 0 {
		h.invalidate(ctx)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if closed == nil {
		closed = []marketplace.Item{}
	}
	writeJSON(w, http.StatusOK, CloseAuctionsResp{Closed: closed})
}

func (h *ItemsHandler) invalidate(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		h.log().Warn("listing cache invalidation failed", "error", err)
	}
}

// recorder tees the response so it can be stored for replays.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
