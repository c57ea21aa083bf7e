package materials

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/platform/httpx"
	"github.com/konveksi/konveksi/internal/shared"
)

// Handler wires HTTP endpoints for the material ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the materials handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers material routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/low-stock", h.handleLowStock)
	r.Route("/{materialID}", func(r chi.Router) {
		r.Get("/stock", h.handleStock)
		r.Get("/ledger", h.handleLedger)
		r.Post("/receipts", h.handleReceipt)
		r.Post("/stock-in", h.handleStockIn)
		r.Post("/adjustments", h.handleAdjustment)
		r.Post("/reconcile", h.handleReconcile)
	})
}

type receiptRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	PurchaseRef string          `json:"purchase_ref" validate:"required,max=64"`
	Notes       string          `json:"notes" validate:"max=500"`
}

type stockInRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	ReferenceNo string          `json:"reference_no" validate:"max=64"`
	Notes       string          `json:"notes" validate:"max=500"`
}

type adjustmentRequest struct {
	Delta       decimal.Decimal `json:"delta"`
	ReferenceNo string          `json:"reference_no" validate:"max=64"`
	Notes       string          `json:"notes" validate:"required,max=500"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	stock, err := h.service.GetMaterialStockOnHand(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stock)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	filter, err := parseLedgerFilter(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	page, err := h.service.ListMaterialLedger(r.Context(), id, filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req receiptRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	entry, err := h.service.PostPurchaseReceipt(r.Context(), PurchaseReceiptInput{
		MaterialID:  id,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		PurchaseRef: req.PurchaseRef,
		Notes:       req.Notes,
		ActorID:     actor,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleStockIn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req stockInRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	entry, err := h.service.PostStockIn(r.Context(), StockInInput{
		MaterialID:  id,
		Quantity:    req.Quantity,
		ReferenceNo: req.ReferenceNo,
		Notes:       req.Notes,
		ActorID:     actor,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	entry, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		MaterialID:  id,
		Delta:       req.Delta,
		ReferenceNo: req.ReferenceNo,
		Notes:       req.Notes,
		ActorID:     actor,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "materialID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	res, err := h.service.ReconcileStock(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.service.ListLowStock(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"materials": items})
}

func parseLedgerFilter(r *http.Request) (LedgerFilter, error) {
	q := r.URL.Query()
	filter := LedgerFilter{Source: Source(q.Get("source"))}
	if raw := q.Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return LedgerFilter{}, shared.NewValidationError("order_id", "must be an integer")
		}
		filter.OrderID = id
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return LedgerFilter{}, shared.NewValidationError("from", "must be YYYY-MM-DD")
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return LedgerFilter{}, shared.NewValidationError("to", "must be YYYY-MM-DD")
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return filter, nil
}
