package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/pricing"
	"github.com/alanyoungcy/predictindexer/internal/service"
)

// defaultSlippageBps is applied to quotes that do not specify a tolerance.
const defaultSlippageBps = 200

// MarketQueries is the read side the market handler needs. It is declared
// locally so the handler does not depend on how the service caches.
type MarketQueries interface {
	ListMarkets(ctx context.Context, category string, page, limit int) (service.MarketPage, error)
	GetMarket(ctx context.Context, ref string) (service.MarketView, error)
	History(ctx context.Context, ref string, limit int) ([]service.HistoryPoint, error)
	Quote(ctx context.Context, ref string, side pricing.Side, amount uint64, slippageBps uint32) (service.QuoteView, error)
	PayoutEstimate(ctx context.Context, ref string, side pricing.Side, shares uint64) (service.PayoutView, error)
}

// MarketHandler serves the market endpoints.
type MarketHandler struct {
	markets MarketQueries
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketQueries, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "markets")}
}

// ListMarkets returns one page of markets, newest first.
// GET /api/markets?page=1&limit=20&category=crypto
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	page, err := h.markets.ListMarkets(r.Context(),
		r.URL.Query().Get("category"),
		queryInt(r, "page", 1),
		queryInt(r, "limit", service.DefaultPageLimit),
	)
	if err != nil {
		h.fail(w, r, "list markets", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetMarket returns one market by numeric id or account address.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// History returns the market's price series in ascending time order.
// GET /api/markets/{id}/history?limit=500
func (h *MarketHandler) History(w http.ResponseWriter, r *http.Request) {
	points, err := h.markets.History(r.Context(), r.PathValue("id"),
		queryInt(r, "limit", service.DefaultHistoryLimit))
	if err != nil {
		h.fail(w, r, "market history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": points})
}

// Quote prices a purchase against the stored pools.
// GET /api/markets/{id}/quote?side=yes&amount=1000000&slippage_bps=200
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	side, err := pricing.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be yes or no")
		return
	}
	amount, ok := queryUint(r, "amount")
	if !ok || amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer in base units")
		return
	}
	slippage := uint64(defaultSlippageBps)
	if v := r.URL.Query().Get("slippage_bps"); v != "" {
		if slippage, err = strconv.ParseUint(v, 10, 32); err != nil || slippage > pricing.BpsDenominator {
			writeError(w, http.StatusBadRequest, "slippage_bps must be between 0 and 10000")
			return
		}
	}

	q, err := h.markets.Quote(r.Context(), r.PathValue("id"), side, amount, uint32(slippage))
	if err != nil {
		h.fail(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Payout estimates a redemption if side wins.
// GET /api/markets/{id}/payout?side=yes&shares=1000
func (h *MarketHandler) Payout(w http.ResponseWriter, r *http.Request) {
	side, err := pricing.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be yes or no")
		return
	}
	shares, ok := queryUint(r, "shares")
	if !ok {
		writeError(w, http.StatusBadRequest, "shares must be a non-negative integer")
		return
	}

	p, err := h.markets.PayoutEstimate(r.Context(), r.PathValue("id"), side, shares)
	if err != nil {
		h.fail(w, r, "payout estimate", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *MarketHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case errors.Is(err, pricing.ErrOverflow):
		writeError(w, http.StatusBadRequest, "amount too large")
	default:
		h.logger.ErrorContext(r.Context(), op+" failed",
			slog.String("market", r.PathValue("id")),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
