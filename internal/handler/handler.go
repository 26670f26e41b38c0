// Package handler содержит HTTP-обработчики административного API и приёмники вебхуков.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/middleware"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/tradein"
)

// Evaluations определяет контракт движка заявок, используемого HTTP-обработчиками.
type Evaluations interface {
	Quote(c tradein.Condition) (tradein.Valuation, error)
	Submit(ctx context.Context, s tradein.Submission) (*model.Evaluation, error)
	Get(ctx context.Context, id string) (*model.Evaluation, error)
	List(ctx context.Context, f tradein.EvaluationFilter) ([]model.Evaluation, error)
	Coupons(ctx context.Context, f tradein.CouponFilter) ([]model.Coupon, error)
	MarkInReview(ctx context.Context, id string) (*model.Evaluation, error)
	Approve(ctx context.Context, id string, a tradein.Approval) (*tradein.ApprovalResult, error)
	Reject(ctx context.Context, id string, r tradein.Rejection) (*model.Evaluation, error)
}

// Handler реализует HTTP-обработчики административного сервиса Sleep+.
type Handler struct {
	evaluations Evaluations
	customers   itemstore.Store
	logger      *zap.Logger
	now         func() time.Time

	stripe       StripeEvents
	stripeSecret string

	shopify     ShopifyEvents
	shopifyAuth *middleware.ShopifyAuth

	webhookRPS   float64
	webhookBurst int
}

// Option настраивает Handler.
type Option func(*Handler)

// WithCustomers подключает коллекцию клиентов для чтения.
func WithCustomers(store itemstore.Store) Option {
	return func(h *Handler) {
		h.customers = store
	}
}

// WithStripe подключает обработчик событий Stripe и секрет подписи вебхуков.
func WithStripe(p StripeEvents, secret string) Option {
	return func(h *Handler) {
		h.stripe = p
		h.stripeSecret = secret
	}
}

// WithShopify подключает обработчик событий Shopify и проверку их подписи.
func WithShopify(p ShopifyEvents, auth *middleware.ShopifyAuth) Option {
	return func(h *Handler) {
		h.shopify = p
		h.shopifyAuth = auth
	}
}

// WithWebhookRateLimit ограничивает частоту запросов к вебхукам.
func WithWebhookRateLimit(rps float64, burst int) Option {
	return func(h *Handler) {
		h.webhookRPS = rps
		h.webhookBurst = burst
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(evaluations Evaluations, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		evaluations: evaluations,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.shopifyAuth == nil {
		h.shopifyAuth = middleware.NewShopifyAuth("")
	}
	return h
}

type conditionRequest struct {
	YearsOfUse          int  `json:"years_of_use"`
	ConditionRating     int  `json:"condition_rating"`
	HasStains           bool `json:"has_stains"`
	HasOdors            bool `json:"has_odors"`
	HasBedbugs          bool `json:"has_bedbugs"`
	HasStructuralDamage bool `json:"has_structural_damage"`
}

func (c conditionRequest) condition() tradein.Condition {
	return tradein.Condition{
		YearsOfUse:          c.YearsOfUse,
		ConditionRating:     c.ConditionRating,
		HasStains:           c.HasStains,
		HasOdors:            c.HasOdors,
		HasBedbugs:          c.HasBedbugs,
		HasStructuralDamage: c.HasStructuralDamage,
	}
}

type submitRequest struct {
	conditionRequest
	CustomerID    string   `json:"customer_id"`
	MattressBrand string   `json:"mattress_brand"`
	MattressModel string   `json:"mattress_model"`
	Photos        []string `json:"photos"`
}

type approveRequest struct {
	TradeInValue       *float64 `json:"trade_in_value"`
	DiscountPercentage *int     `json:"discount_percentage"`
	EvaluatorNotes     string   `json:"evaluator_notes"`
}

type rejectRequest struct {
	Reason         string `json:"reason"`
	EvaluatorNotes string `json:"evaluator_notes"`
}

type evaluationResponse struct {
	model.Evaluation
	Expired bool `json:"expired"`
}

type approveResponse struct {
	Evaluation evaluationResponse `json:"evaluation"`
	Coupon     *model.Coupon      `json:"coupon"`
}

// Quote рассчитывает предлагаемую оценку без создания заявки.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	v, err := h.evaluations.Quote(req.condition())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, v)
}

// SubmitEvaluation создаёт заявку на трейд-ин.
func (h *Handler) SubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c := req.condition()
	ev, err := h.evaluations.Submit(r.Context(), tradein.Submission{
		CustomerID:          req.CustomerID,
		MattressBrand:       req.MattressBrand,
		MattressModel:       req.MattressModel,
		YearsOfUse:          c.YearsOfUse,
		ConditionRating:     c.ConditionRating,
		HasStains:           c.HasStains,
		HasOdors:            c.HasOdors,
		HasBedbugs:          c.HasBedbugs,
		HasStructuralDamage: c.HasStructuralDamage,
		Photos:              req.Photos,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, h.evaluationResponse(ev))
}

// GetEvaluation возвращает заявку по идентификатору.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.evaluations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.evaluationResponse(ev))
}

// ListEvaluations возвращает заявки с фильтрами status, customer и limit.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := tradein.EvaluationFilter{
		Status:     model.EvaluationStatus(q.Get("status")),
		CustomerID: q.Get("customer"),
	}
	if f.Status != "" && !f.Status.IsValid() {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	f.Limit = limit

	evs, err := h.evaluations.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(evs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]evaluationResponse, 0, len(evs))
	for i := range evs {
		resp = append(resp, h.evaluationResponse(&evs[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ReviewEvaluation переводит заявку в статус in_review.
func (h *Handler) ReviewEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := h.evaluations.MarkInReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.evaluationResponse(ev))
}

// ApproveEvaluation одобряет заявку и возвращает выданный купон. Если итоговые значения
// не переданы, используются рассчитанные при подаче заявки.
func (h *Handler) ApproveEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TradeInValue == nil || req.DiscountPercentage == nil {
		ev, err := h.evaluations.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if req.TradeInValue == nil {
			req.TradeInValue = &ev.TradeInValue
		}
		if req.DiscountPercentage == nil {
			req.DiscountPercentage = &ev.DiscountPercentage
		}
	}

	res, err := h.evaluations.Approve(r.Context(), id, tradein.Approval{
		TradeInValue:       *req.TradeInValue,
		DiscountPercentage: *req.DiscountPercentage,
		EvaluatorNotes:     req.EvaluatorNotes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, approveResponse{
		Evaluation: h.evaluationResponse(res.Evaluation),
		Coupon:     res.Coupon,
	})
}

// RejectEvaluation отклоняет заявку с указанной причиной.
func (h *Handler) RejectEvaluation(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.evaluations.Reject(r.Context(), chi.URLParam(r, "id"), tradein.Rejection{
		Reason:         req.Reason,
		EvaluatorNotes: req.EvaluatorNotes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.evaluationResponse(ev))
}

// ListCoupons возвращает купоны с фильтрами evaluation и code.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	coupons, err := h.evaluations.Coupons(r.Context(), tradein.CouponFilter{
		EvaluationID: q.Get("evaluation"),
		Code:         q.Get("code"),
		Limit:        limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(coupons) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, coupons)
}

// GetCustomer возвращает клиента по идентификатору.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	if h.customers == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := itemstore.FindOne(r.Context(), h.customers, model.CollectionCustomers, itemstore.Filter{"id": id})
	if err != nil {
		if errors.Is(err, itemstore.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get customer error", zap.Error(err), zap.String("customer", id))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	var c model.Customer
	if err := itemstore.Decode(rec, &c); err != nil {
		h.logger.Error("decode customer error", zap.Error(err), zap.String("customer", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) evaluationResponse(ev *model.Evaluation) evaluationResponse {
	return evaluationResponse{
		Evaluation: *ev,
		Expired:    ev.IsExpired(h.now()),
	}
}

// writeError переводит ошибки движка заявок в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *tradein.ValidationError
		conflictErr   *tradein.ConflictError
		partialErr    *tradein.PartialFailureError
		dependencyErr *tradein.DependencyError
	)

	switch {
	case errors.As(err, &validationErr):
		http.Error(w, validationErr.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, tradein.ErrEvaluationNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.As(err, &conflictErr):
		http.Error(w, conflictErr.Error(), http.StatusConflict)
	case errors.As(err, &partialErr):
		h.logger.Error("approve partial failure",
			zap.Error(err),
			zap.String("evaluation", partialErr.EvaluationID),
			zap.Bool("rolled_back", partialErr.RolledBack),
		)
		if partialErr.RolledBack {
			w.Header().Set("Retry-After", "5")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	case errors.As(err, &dependencyErr):
		h.logger.Error("item store error", zap.Error(err), zap.String("op", dependencyErr.Op))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("unexpected error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func parseLimit(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
