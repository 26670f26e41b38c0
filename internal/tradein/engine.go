package tradein

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/validation"
)

// EvaluationTTL задаёт срок действия заявки и выданного по ней купона.
const EvaluationTTL = 90 * 24 * time.Hour

const (
	defaultCouponAttempts = 3
	defaultRetryDelay     = 200 * time.Millisecond
	defaultListLimit      = 50
	maxListLimit          = 500
	tradeInUsageLimit     = 1
)

// Submission содержит данные новой заявки на трейд-ин.
type Submission struct {
	CustomerID          string
	MattressBrand       string
	MattressModel       string
	YearsOfUse          int
	ConditionRating     int
	HasStains           bool
	HasOdors            bool
	HasBedbugs          bool
	HasStructuralDamage bool
	Photos              []string
}

// Condition возвращает характеристики состояния из заявки.
func (s Submission) Condition() Condition {
	return Condition{
		YearsOfUse:          s.YearsOfUse,
		ConditionRating:     s.ConditionRating,
		HasStains:           s.HasStains,
		HasOdors:            s.HasOdors,
		HasBedbugs:          s.HasBedbugs,
		HasStructuralDamage: s.HasStructuralDamage,
	}
}

// Approval содержит итоговые значения, утверждённые оценщиком.
type Approval struct {
	TradeInValue       float64
	DiscountPercentage int
	EvaluatorNotes     string
}

// Rejection содержит причину отказа.
type Rejection struct {
	Reason         string
	EvaluatorNotes string
}

// ApprovalResult возвращается после успешного одобрения.
type ApprovalResult struct {
	Evaluation *model.Evaluation
	Coupon     *model.Coupon
}

// EvaluationFilter ограничивает выборку заявок.
type EvaluationFilter struct {
	Status     model.EvaluationStatus
	CustomerID string
	Limit      int
}

// CouponFilter ограничивает выборку купонов.
type CouponFilter struct {
	EvaluationID string
	Code         string
	Limit        int
}

// Engine управляет заявками на трейд-ин и выдачей купонов.
type Engine struct {
	store          itemstore.Store
	logger         *zap.Logger
	now            func() time.Time
	couponAttempts int
	retryDelay     time.Duration
	reconcileGrace time.Duration
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCouponRetry задаёт число попыток создания купона и паузу между ними.
func WithCouponRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.couponAttempts = attempts
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

// WithReconcileGrace задаёт, сколько времени одобренная заявка может оставаться без купона,
// прежде чем сверка начнёт его досоздавать.
func WithReconcileGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.reconcileGrace = d
		}
	}
}

// NewEngine создаёт движок заявок поверх хранилища элементов.
func NewEngine(store itemstore.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:          store,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		couponAttempts: defaultCouponAttempts,
		retryDelay:     defaultRetryDelay,
		reconcileGrace: defaultReconcileGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Quote возвращает предлагаемую оценку без сохранения заявки.
func (e *Engine) Quote(c Condition) (Valuation, error) {
	if err := validation.ValidateCondition(c.YearsOfUse, c.ConditionRating); err != nil {
		return Valuation{}, newValidationError("quote", err)
	}
	return Quote(c), nil
}

// Submit создаёт заявку в статусе pending с рассчитанной оценкой.
func (e *Engine) Submit(ctx context.Context, s Submission) (*model.Evaluation, error) {
	if err := validation.ValidateSubmission(s.CustomerID, s.MattressBrand, s.YearsOfUse, s.ConditionRating, s.Photos); err != nil {
		return nil, newValidationError(OpSubmit, err)
	}

	now := e.now()
	v := Quote(s.Condition())

	ev := model.Evaluation{
		CustomerID:          strings.TrimSpace(s.CustomerID),
		MattressBrand:       strings.TrimSpace(s.MattressBrand),
		MattressModel:       strings.TrimSpace(s.MattressModel),
		YearsOfUse:          s.YearsOfUse,
		ConditionRating:     s.ConditionRating,
		HasStains:           s.HasStains,
		HasOdors:            s.HasOdors,
		HasBedbugs:          s.HasBedbugs,
		HasStructuralDamage: s.HasStructuralDamage,
		Photos:              s.Photos,
		TradeInValue:        v.TradeInValue,
		DiscountPercentage:  v.DiscountPercentage,
		Status:              model.EvaluationStatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(EvaluationTTL),
	}

	rec, err := itemstore.Encode(ev)
	if err != nil {
		return nil, &DependencyError{Op: OpSubmit, Err: err}
	}

	created, err := e.store.Create(ctx, model.CollectionEvaluations, rec)
	if err != nil {
		return nil, &DependencyError{Op: OpSubmit, Err: err}
	}

	return decodeEvaluation(OpSubmit, created)
}

// Get возвращает заявку по идентификатору.
func (e *Engine) Get(ctx context.Context, id string) (*model.Evaluation, error) {
	return e.load(ctx, OpGet, id)
}

// List возвращает заявки, начиная с самых новых.
func (e *Engine) List(ctx context.Context, f EvaluationFilter) ([]model.Evaluation, error) {
	filter := itemstore.Filter{}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.CustomerID != "" {
		filter["customer_id"] = f.CustomerID
	}

	recs, err := e.store.Read(ctx, model.CollectionEvaluations, itemstore.Query{
		Filter: filter,
		Sort:   []string{"-created_at"},
		Limit:  clampLimit(f.Limit),
	})
	if err != nil {
		return nil, &DependencyError{Op: OpList, Err: err}
	}

	res := make([]model.Evaluation, 0, len(recs))
	for _, rec := range recs {
		ev, err := decodeEvaluation(OpList, rec)
		if err != nil {
			return nil, err
		}
		res = append(res, *ev)
	}
	return res, nil
}

// Coupons возвращает купоны, выданные по заявкам.
func (e *Engine) Coupons(ctx context.Context, f CouponFilter) ([]model.Coupon, error) {
	filter := itemstore.Filter{}
	if f.EvaluationID != "" {
		filter["evaluation_id"] = f.EvaluationID
	}
	if f.Code != "" {
		filter["code"] = f.Code
	}

	recs, err := e.store.Read(ctx, model.CollectionCoupons, itemstore.Query{
		Filter: filter,
		Sort:   []string{"-start_date"},
		Limit:  clampLimit(f.Limit),
	})
	if err != nil {
		return nil, &DependencyError{Op: OpList, Err: err}
	}

	res := make([]model.Coupon, 0, len(recs))
	for _, rec := range recs {
		var c model.Coupon
		if err := itemstore.Decode(rec, &c); err != nil {
			return nil, &DependencyError{Op: OpList, Err: err}
		}
		res = append(res, c)
	}
	return res, nil
}

// MarkInReview переводит заявку из pending в in_review.
func (e *Engine) MarkInReview(ctx context.Context, id string) (*model.Evaluation, error) {
	ev, err := e.load(ctx, OpReview, id)
	if err != nil {
		return nil, err
	}
	if !ev.Status.CanTransitionTo(model.EvaluationStatusInReview) {
		return nil, &ConflictError{Op: OpReview, EvaluationID: ev.ID, Status: ev.Status}
	}

	updated, err := e.transition(ctx, OpReview, ev, itemstore.Record{
		"status": string(model.EvaluationStatusInReview),
	})
	if err != nil {
		return nil, err
	}
	return decodeEvaluation(OpReview, updated)
}

// Approve одобряет заявку с итоговыми значениями оценщика и выдаёт купон.
// Условная запись статуса заявки выполняется первой: она гарантирует, что купон создаст
// только один из конкурирующих оценщиков.
func (e *Engine) Approve(ctx context.Context, id string, a Approval) (*ApprovalResult, error) {
	if err := validation.ValidateApproval(a.TradeInValue, a.DiscountPercentage); err != nil {
		return nil, newValidationError(OpApprove, err)
	}

	ev, err := e.load(ctx, OpApprove, id)
	if err != nil {
		return nil, err
	}
	if !ev.Status.CanTransitionTo(model.EvaluationStatusApproved) {
		return nil, &ConflictError{Op: OpApprove, EvaluationID: ev.ID, Status: ev.Status}
	}

	now := e.now()
	attempt := ev.ApprovalAttempt + 1
	code := NewCouponCode(ev.ID, ev.CreatedAt, attempt)
	approvalID := uuid.NewString()

	patch := itemstore.Record{
		"status":              string(model.EvaluationStatusApproved),
		"coupon_code":         code,
		"approval_id":         approvalID,
		"approval_attempt":    attempt,
		"trade_in_value":      a.TradeInValue,
		"discount_percentage": a.DiscountPercentage,
		"reviewed_at":         now,
	}
	if notes := strings.TrimSpace(a.EvaluatorNotes); notes != "" {
		patch["evaluator_notes"] = notes
	}

	updated, err := e.transition(ctx, OpApprove, ev, patch)
	if err != nil {
		return nil, err
	}
	approved, err := decodeEvaluation(OpApprove, updated)
	if err != nil {
		return nil, err
	}

	e.voidOrphanCoupons(ctx, ev.ID, code)

	coupon, err := e.issueCoupon(ctx, couponFor(approved, now))
	if err != nil {
		var lost *lostApprovalError
		if errors.As(err, &lost) {
			e.yieldApproval(ctx, approved, lost.winner)
			return nil, &ConflictError{Op: OpApprove, EvaluationID: ev.ID, Status: model.EvaluationStatusApproved}
		}

		e.logger.Error("coupon creation failed, reverting approval",
			zap.Error(err),
			zap.String("evaluation", ev.ID),
			zap.String("coupon", code),
		)

		rollbackErr := e.revertApproval(ctx, ev, approvalID)
		if rollbackErr != nil {
			e.logger.Error("approval rollback failed, coupon left to reconciliation",
				zap.Error(rollbackErr),
				zap.String("evaluation", ev.ID),
				zap.String("coupon", code),
			)
		}

		return nil, &PartialFailureError{
			EvaluationID: ev.ID,
			CouponCode:   code,
			RolledBack:   rollbackErr == nil,
			Err:          err,
		}
	}

	marked, err := e.markCouponIssued(ctx, ev.ID, itemstore.Filter{"approval_id": approvalID})
	if err != nil {
		e.logger.Warn("mark coupon issued", zap.Error(err), zap.String("evaluation", ev.ID))
	} else {
		approved = marked
	}

	e.logger.Info("evaluation approved",
		zap.String("evaluation", ev.ID),
		zap.String("coupon", coupon.Code),
		zap.Int("discount", coupon.Value),
	)

	return &ApprovalResult{Evaluation: approved, Coupon: coupon}, nil
}

// Reject отклоняет заявку с обязательной причиной. Купон не создаётся.
func (e *Engine) Reject(ctx context.Context, id string, r Rejection) (*model.Evaluation, error) {
	if err := validation.ValidateRejectionReason(r.Reason); err != nil {
		return nil, newValidationError(OpReject, err)
	}

	ev, err := e.load(ctx, OpReject, id)
	if err != nil {
		return nil, err
	}
	if !ev.Status.CanTransitionTo(model.EvaluationStatusRejected) {
		return nil, &ConflictError{Op: OpReject, EvaluationID: ev.ID, Status: ev.Status}
	}

	patch := itemstore.Record{
		"status":             string(model.EvaluationStatusRejected),
		"rejection_reason":   strings.TrimSpace(r.Reason),
		"rejection_category": validation.RejectionCategory(r.Reason),
		"reviewed_at":        e.now(),
	}
	if notes := strings.TrimSpace(r.EvaluatorNotes); notes != "" {
		patch["evaluator_notes"] = notes
	}

	updated, err := e.transition(ctx, OpReject, ev, patch)
	if err != nil {
		return nil, err
	}
	return decodeEvaluation(OpReject, updated)
}

func (e *Engine) load(ctx context.Context, op, id string) (*model.Evaluation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Op: op, Field: "id", Reason: "is required"}
	}

	rec, err := itemstore.FindOne(ctx, e.store, model.CollectionEvaluations, itemstore.Filter{"id": id})
	if err != nil {
		if errors.Is(err, itemstore.ErrNotFound) {
			return nil, &notFoundError{op: op, id: id}
		}
		return nil, &DependencyError{Op: op, Err: err}
	}
	return decodeEvaluation(op, rec)
}

// transition записывает patch, только если статус заявки не изменился с момента чтения.
func (e *Engine) transition(ctx context.Context, op string, ev *model.Evaluation, patch itemstore.Record) (itemstore.Record, error) {
	updated, err := e.store.Update(ctx, model.CollectionEvaluations, ev.ID, patch, itemstore.Filter{
		"status": string(ev.Status),
	})
	if err == nil {
		return updated, nil
	}

	switch {
	case errors.Is(err, itemstore.ErrPreconditionFailed):
		status := ev.Status
		if current, lerr := e.load(ctx, op, ev.ID); lerr == nil {
			status = current.Status
		}
		return nil, &ConflictError{Op: op, EvaluationID: ev.ID, Status: status}
	case errors.Is(err, itemstore.ErrNotFound):
		return nil, &notFoundError{op: op, id: ev.ID}
	default:
		return nil, &DependencyError{Op: op, Err: err}
	}
}

// issueCoupon создаёт купон с ограниченным числом попыток. Перед повтором купон ищется
// по коду: предыдущая попытка могла завершиться успешно, но без ответа.
func (e *Engine) issueCoupon(ctx context.Context, c model.Coupon) (*model.Coupon, error) {
	rec, err := itemstore.Encode(c)
	if err != nil {
		return nil, err
	}

	var created itemstore.Record
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(e.couponAttempts-1), retry.NewConstant(e.retryDelay))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			existing, ferr := itemstore.FindOne(ctx, e.store, model.CollectionCoupons, itemstore.Filter{"code": c.Code})
			if ferr == nil {
				created, ferr = claimCoupon(existing, c)
				return ferr
			}
			if !errors.Is(ferr, itemstore.ErrNotFound) {
				return retry.RetryableError(ferr)
			}
		}

		res, cerr := e.store.Create(ctx, model.CollectionCoupons, rec)
		if cerr == nil {
			created = res
			return nil
		}

		if errors.Is(cerr, itemstore.ErrDuplicate) {
			existing, ferr := itemstore.FindOne(ctx, e.store, model.CollectionCoupons, itemstore.Filter{"code": c.Code})
			if ferr != nil {
				return cerr
			}
			created, ferr = claimCoupon(existing, c)
			return ferr
		}

		e.logger.Warn("coupon creation attempt failed",
			zap.Error(cerr),
			zap.String("coupon", c.Code),
			zap.Int("attempt", attempt),
		)
		return retry.RetryableError(cerr)
	})
	if err != nil {
		return nil, err
	}

	var out model.Coupon
	if err := itemstore.Decode(created, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// claimCoupon решает, принадлежит ли уже существующий купон с кодом c.Code этому одобрению.
func claimCoupon(existing itemstore.Record, c model.Coupon) (itemstore.Record, error) {
	if existing["evaluation_id"] != c.EvaluationID {
		return nil, fmt.Errorf("%w: coupon %s belongs to another evaluation", itemstore.ErrDuplicate, c.Code)
	}
	if id, _ := existing["approval_id"].(string); id != c.ApprovalID {
		var winner model.Coupon
		if err := itemstore.Decode(existing, &winner); err != nil {
			return nil, err
		}
		return nil, &lostApprovalError{winner: winner}
	}
	return existing, nil
}

// yieldApproval возвращает заявке значения одобрения, чей купон был создан первым.
// Запись применяется, только если в заявке всё ещё записано проигравшее одобрение.
func (e *Engine) yieldApproval(ctx context.Context, lost *model.Evaluation, winner model.Coupon) {
	_, err := e.store.Update(ctx, model.CollectionEvaluations, lost.ID, itemstore.Record{
		"approval_id":         winner.ApprovalID,
		"trade_in_value":      winner.TradeInValue,
		"discount_percentage": winner.Value,
		"coupon_issued_at":    e.now(),
	}, itemstore.Filter{"approval_id": lost.ApprovalID})
	if err != nil && !errors.Is(err, itemstore.ErrPreconditionFailed) {
		e.logger.Warn("restore winning approval", zap.Error(err), zap.String("evaluation", lost.ID))
		return
	}

	e.logger.Info("concurrent approval lost",
		zap.String("evaluation", lost.ID),
		zap.String("coupon", winner.Code),
	)
}

// markCouponIssued отмечает, что купон заявки создан. Такие заявки сверка больше не читает.
func (e *Engine) markCouponIssued(ctx context.Context, id string, expect itemstore.Filter) (*model.Evaluation, error) {
	updated, err := e.store.Update(ctx, model.CollectionEvaluations, id, itemstore.Record{
		"coupon_issued_at": e.now(),
	}, expect)
	if err != nil {
		return nil, err
	}
	return decodeEvaluation(OpApprove, updated)
}

// revertApproval возвращает заявку в статус до одобрения, если в ней всё ещё записано
// одобрение approvalID. Номер попытки сохраняется, поэтому следующее одобрение получит новый код.
func (e *Engine) revertApproval(ctx context.Context, prev *model.Evaluation, approvalID string) error {
	patch := itemstore.Record{
		"status":              string(prev.Status),
		"coupon_code":         nil,
		"approval_id":         nil,
		"trade_in_value":      prev.TradeInValue,
		"discount_percentage": prev.DiscountPercentage,
		"reviewed_at":         nil,
	}
	if prev.EvaluatorNotes != "" {
		patch["evaluator_notes"] = prev.EvaluatorNotes
	} else {
		patch["evaluator_notes"] = nil
	}

	backoff := retry.WithMaxRetries(uint64(e.couponAttempts-1), retry.NewConstant(e.retryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := e.store.Update(ctx, model.CollectionEvaluations, prev.ID, patch, itemstore.Filter{
			"status":      string(model.EvaluationStatusApproved),
			"approval_id": approvalID,
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, itemstore.ErrPreconditionFailed) || errors.Is(err, itemstore.ErrNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// voidOrphanCoupons гасит активные купоны заявки, оставшиеся от откатанных попыток одобрения.
func (e *Engine) voidOrphanCoupons(ctx context.Context, evaluationID, keepCode string) {
	recs, err := e.store.Read(ctx, model.CollectionCoupons, itemstore.Query{
		Filter: itemstore.Filter{
			"evaluation_id": evaluationID,
			"status":        string(model.CouponStatusActive),
		},
	})
	if err != nil {
		e.logger.Warn("lookup orphan coupons", zap.Error(err), zap.String("evaluation", evaluationID))
		return
	}

	for _, rec := range recs {
		if rec["code"] == keepCode {
			continue
		}
		_, err := e.store.Update(ctx, model.CollectionCoupons, rec.ID(), itemstore.Record{
			"status": string(model.CouponStatusExpired),
		}, itemstore.Filter{"status": string(model.CouponStatusActive)})
		if err != nil {
			e.logger.Warn("void orphan coupon", zap.Error(err), zap.String("coupon_id", rec.ID()))
			continue
		}
		e.logger.Info("orphan coupon voided", zap.String("coupon_id", rec.ID()), zap.String("evaluation", evaluationID))
	}
}

func couponFor(ev *model.Evaluation, start time.Time) model.Coupon {
	return model.Coupon{
		Code:         ev.CouponCode,
		DiscountType: model.DiscountTypePercentage,
		Value:        ev.DiscountPercentage,
		UsageLimit:   tradeInUsageLimit,
		UsageCount:   0,
		Status:       model.CouponStatusActive,
		EvaluationID: ev.ID,
		ApprovalID:   ev.ApprovalID,
		TradeInValue: ev.TradeInValue,
		CustomerID:   ev.CustomerID,
		StartDate:    start,
		EndDate:      ev.ExpiresAt,
	}
}

func decodeEvaluation(op string, rec itemstore.Record) (*model.Evaluation, error) {
	var ev model.Evaluation
	if err := itemstore.Decode(rec, &ev); err != nil {
		return nil, &DependencyError{Op: op, Err: err}
	}
	return &ev, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type lostApprovalError struct {
	winner model.Coupon
}

func (e *lostApprovalError) Error() string {
	return "coupon " + e.winner.Code + " issued by a concurrent approval"
}

type notFoundError struct {
	op string
	id string
}

func (e *notFoundError) Error() string {
	return e.op + " evaluation " + e.id + ": " + ErrEvaluationNotFound.Error()
}

func (e *notFoundError) Unwrap() error {
	return ErrEvaluationNotFound
}
