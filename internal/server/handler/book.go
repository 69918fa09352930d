package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boardmirror/internal/domain"
	"github.com/alanyoungcy/boardmirror/internal/service"
)

const (
	defaultDepth = 10
	maxDepth     = 200
)

// BookReader is the read side of the order book engine.
type BookReader interface {
	View(depth int) domain.BookView
	Liquidity(qty decimal.Decimal) domain.Liquidity
}

// BookHandler serves the mirrored book.
type BookHandler struct {
	product string
	book    BookReader
	logger  *slog.Logger
}

// NewBookHandler creates a BookHandler for one product.
func NewBookHandler(product string, book BookReader, logger *slog.Logger) *BookHandler {
	return &BookHandler{product: product, book: book, logger: logger}
}

// GetBook returns top of book and depth.
// GET /api/book?depth=10
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "depth must be a positive integer")
			return
		}
		depth = min(n, maxDepth)
	}

	view := h.book.View(depth)
	if !view.Ready {
		writeError(w, http.StatusServiceUnavailable, domain.ErrBookNotReady.Error())
		return
	}
	writeJSON(w, http.StatusOK, service.NewBookEvent(h.product, view))
}

type liquidityResponse struct {
	Product      string          `json:"product"`
	Quantity     decimal.Decimal `json:"quantity"`
	BidAvgPrice  decimal.Decimal `json:"bid_avg_price"`
	AskAvgPrice  decimal.Decimal `json:"ask_avg_price"`
	BidSweepLow  int64           `json:"bid_sweep_low"`
	AskSweepHigh int64           `json:"ask_sweep_high"`
}

// GetLiquidity returns the average price of sweeping qty on each side.
// GET /api/book/liquidity?qty=0.5
func (h *BookHandler) GetLiquidity(w http.ResponseWriter, r *http.Request) {
	qty, err := decimal.NewFromString(r.URL.Query().Get("qty"))
	if err != nil || !qty.IsPositive() {
		writeError(w, http.StatusBadRequest, "qty must be a positive decimal")
		return
	}

	liq := h.book.Liquidity(qty)
	if liq.IsZero() {
		writeError(w, http.StatusServiceUnavailable, domain.ErrBookNotReady.Error())
		return
	}
	writeJSON(w, http.StatusOK, liquidityResponse{
		Product:      h.product,
		Quantity:     qty,
		BidAvgPrice:  liq.BidAvgPrice,
		AskAvgPrice:  liq.AskAvgPrice,
		BidSweepLow:  liq.BidSweepLow,
		AskSweepHigh: liq.AskSweepHigh,
	})
}
