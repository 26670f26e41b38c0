package tradein

import (
	"errors"
	"fmt"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/validation"
)

// Названия переходов, которые попадают в тексты ошибок.
const (
	OpSubmit  = "submit"
	OpApprove = "approve"
	OpReject  = "reject"
	OpReview  = "review"
	OpGet     = "get"
	OpList    = "list"
)

// ErrEvaluationNotFound возвращается, если заявка с указанным идентификатором отсутствует.
var ErrEvaluationNotFound = errors.New("evaluation not found")

// ValidationError сообщает о некорректных входных данных. Запись в хранилище не выполнялась.
type ValidationError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s evaluation: invalid %s: %s", e.Op, e.Field, e.Reason)
}

func newValidationError(op string, err error) error {
	var fe *validation.FieldError
	if errors.As(err, &fe) {
		return &ValidationError{Op: op, Field: fe.Field, Reason: fe.Reason}
	}
	return &ValidationError{Op: op, Field: "input", Reason: err.Error()}
}

// ConflictError сообщает, что заявка уже не находится в состоянии, допускающем переход.
type ConflictError struct {
	Op           string
	EvaluationID string
	Status       model.EvaluationStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s evaluation %s: not allowed in status %q", e.Op, e.EvaluationID, e.Status)
}

// DependencyError оборачивает сбой хранилища элементов.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s evaluation: item store: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// PartialFailureError возвращается, если заявка одобрена, а купон создать не удалось.
// RolledBack показывает, удалось ли вернуть заявку в исходный статус. Если нет, заявка
// остаётся одобренной без купона до следующего прохода сверки купонов.
type PartialFailureError struct {
	EvaluationID string
	CouponCode   string
	RolledBack   bool
	Err          error
}

func (e *PartialFailureError) Error() string {
	state := "approval kept, coupon pending reconciliation"
	if e.RolledBack {
		state = "approval rolled back"
	}
	return fmt.Sprintf("approve evaluation %s: create coupon %s: %v (%s)", e.EvaluationID, e.CouponCode, e.Err, state)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}
