package progress

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/konveksi/konveksi/internal/platform/httpx"
	"github.com/konveksi/konveksi/internal/shared"
)

// IdempotencyHeader carries the caller chosen key of a submission.
const IdempotencyHeader = "Idempotency-Key"

// HandlerConfig tunes the public endpoints.
type HandlerConfig struct {
	// PublicRateLimit is the number of public requests allowed per IP per window.
	PublicRateLimit  int
	PublicRateWindow time.Duration
}

// Handler wires HTTP endpoints for progress tracking.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	cfg       HandlerConfig
}

// NewHandler constructs the progress handler.
func NewHandler(logger *slog.Logger, service *Service, cfg HandlerConfig) *Handler {
	if cfg.PublicRateLimit <= 0 {
		cfg.PublicRateLimit = 30
	}
	if cfg.PublicRateWindow <= 0 {
		cfg.PublicRateWindow = time.Minute
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator(), cfg: cfg}
}

// MountRoutes registers the authenticated routes under /orders.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{orderID}/progress", h.handleSubmit)
	r.Get("/{orderID}/progress", h.handleEntries)
	r.Post("/{orderID}/progress/{entryID}/corrections", h.handleCorrect)
	r.Get("/{orderID}/completion", h.handleCompletion)
	r.Get("/{orderID}/line-items/completion", h.handleLineItems)
	r.Post("/{orderID}/reconcile", h.handleReconcile)
}

// MountPublicRoutes registers share token routes. They are rate limited per
// client IP and never carry an actor.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(h.cfg.PublicRateLimit, h.cfg.PublicRateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
			}),
		))
		r.Post("/orders/{token}/progress", h.handlePublicSubmit)
		r.Get("/orders/{token}/completion", h.handlePublicCompletion)
	})
}

type photoRequest struct {
	URL     string `json:"url" validate:"required,url,max=2048"`
	Caption string `json:"caption" validate:"max=200"`
}

type itemRequest struct {
	LineItemID   int64           `json:"line_item_id" validate:"required,gt=0"`
	Pieces       int             `json:"pieces" validate:"gte=0"`
	FabricUsed   decimal.Decimal `json:"fabric_used"`
	QualityScore *int            `json:"quality_score" validate:"omitempty,gte=0,lte=100"`
	Notes        string          `json:"notes" validate:"max=1000"`
	Challenges   string          `json:"challenges" validate:"max=1000"`
	Photos       []photoRequest  `json:"photos" validate:"max=5,dive"`
}

type submitRequest struct {
	Variant      string          `json:"variant" validate:"omitempty,oneof=individual aggregated"`
	Items        []itemRequest   `json:"items" validate:"omitempty,max=100,dive"`
	Pieces       int             `json:"pieces" validate:"gte=0"`
	FabricUsed   decimal.Decimal `json:"fabric_used"`
	QualityScore *int            `json:"quality_score" validate:"omitempty,gte=0,lte=100"`
	Notes        string          `json:"notes" validate:"max=1000"`
	Challenges   string          `json:"challenges" validate:"max=1000"`
	Photos       []photoRequest  `json:"photos" validate:"max=5,dive"`
}

type correctionRequest struct {
	Pieces         int             `json:"pieces" validate:"gte=0"`
	FabricReturned decimal.Decimal `json:"fabric_returned"`
	Reason         string          `json:"reason" validate:"required,max=500"`
}

func (req submitRequest) submission() Submission {
	if req.Variant == string(KindAggregated) {
		return AggregatedSubmission{
			Pieces:       req.Pieces,
			FabricUsed:   req.FabricUsed,
			QualityScore: req.QualityScore,
			Notes:        req.Notes,
			Challenges:   req.Challenges,
			Photos:       photos(req.Photos),
		}
	}
	items := make([]ProductSubmission, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, ProductSubmission{
			LineItemID:   it.LineItemID,
			Pieces:       it.Pieces,
			FabricUsed:   it.FabricUsed,
			QualityScore: it.QualityScore,
			Notes:        it.Notes,
			Challenges:   it.Challenges,
			Photos:       photos(it.Photos),
		})
	}
	return PerProductSubmission{Items: items}
}

func photos(in []photoRequest) []Photo {
	if len(in) == 0 {
		return nil
	}
	out := make([]Photo, 0, len(in))
	for _, p := range in {
		out = append(out, Photo{URL: p.URL, Caption: p.Caption})
	}
	return out
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	h.submit(w, r, OrderRef{ID: id}, ChannelInternal)
}

func (h *Handler) handlePublicSubmit(w http.ResponseWriter, r *http.Request) {
	token, err := tokenParam(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	h.submit(w, r, OrderRef{Token: token}, ChannelPublic)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, ref OrderRef, channel Channel) {
	var req submitRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	meta := SubmissionMeta{
		Channel:        channel,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}
	if channel == ChannelInternal {
		meta.UserID, _ = shared.ActorFromContext(r.Context())
	}
	result, err := h.service.Submit(r.Context(), ref, req.submission(), meta)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	q := r.URL.Query()
	filter := EntryFilter{Kind: Kind(q.Get("kind"))}
	if raw := q.Get("line_item_id"); raw != "" {
		filter.LineItemID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, h.logger, shared.NewValidationError("line_item_id", "must be an integer"))
			return
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	entries, err := h.service.ListEntries(r.Context(), id, filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	entryID, err := httpx.IDParam(r, "entryID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	var req correctionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	result, err := h.service.CorrectProgress(r.Context(), CorrectionInput{
		OrderID:        orderID,
		EntryID:        entryID,
		Pieces:         req.Pieces,
		FabricReturned: req.FabricReturned,
		Reason:         req.Reason,
		ActorID:        actor,
	})
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	summary, err := h.service.GetOrderCompletionSummary(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handlePublicCompletion(w http.ResponseWriter, r *http.Request) {
	token, err := tokenParam(r)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	summary, err := h.service.GetCompletionByToken(r.Context(), token)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) handleLineItems(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	items, err := h.service.GetLineItemCompletionStatus(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"line_items": items})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "orderID")
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	rec, err := h.service.Reconcile(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func tokenParam(r *http.Request) (uuid.UUID, error) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		return uuid.Nil, shared.NewValidationError("token", "must be a valid share token")
	}
	return token, nil
}
