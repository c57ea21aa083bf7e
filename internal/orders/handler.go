package orders

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/konveksi/konveksi/internal/platform/httpx"
	"github.com/konveksi/konveksi/internal/shared"
)

// Handler wires HTTP endpoints for orders.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the orders handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers order routes. Paths are flat so progress routes can
// share the /{orderID} prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{orderID}", h.handleGet)
	r.Get("/{orderID}/history", h.handleHistory)
	r.Post("/{orderID}/transitions", h.handleTransition)
}

type createOrderRequest struct {
	Number   string              `json:"order_no" validate:"max=40"`
	DueDate  string              `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Priority string              `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Items    []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type createItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	input := CreateOrderInput{Number: req.Number, Priority: Priority(req.Priority)}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			httpx.RespondError(w, h.logger, shared.NewValidationError("due_date", "must be YYYY-MM-DD"))
			return
		}
		input.DueDate = &due
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, CreateLineItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	input.ActorID, _ = shared.ActorFromContext(r.Context())
	detail, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, detail)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	detail, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	history, err := h.service.StatusHistory(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req transitionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	order, err := h.service.Transition(r.Context(), TransitionInput{OrderID: id, To: Status(req.Status), Reason: req.Reason, ActorID: actor})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"order":   order,
		"allowed": AllowedTransitions(order.Status),
	})
}
