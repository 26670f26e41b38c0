// Package validation содержит функции валидации входных данных заявок на трейд-ин.
package validation

import (
	"fmt"
	"math"
	"strings"
)

const (
	// MinConditionRating и MaxConditionRating ограничивают оценку состояния матраса.
	MinConditionRating = 1
	MaxConditionRating = 5

	maxYearsOfUse = 50
	maxPhotos     = 10
	maxDiscount   = 100
)

// Причины отказа, которые предлагает интерфейс оценщика. Допускается и произвольный текст.
const (
	ReasonBedbugs            = "bedbugs"
	ReasonExcessiveWear      = "excessive_wear"
	ReasonStainsOdors        = "stains_odors"
	ReasonStructuralDamage   = "structural_damage"
	ReasonTooOld             = "too_old"
	ReasonInsufficientPhotos = "insufficient_photos"
	ReasonOther              = "other"
)

var knownReasons = map[string]struct{}{
	ReasonBedbugs:            {},
	ReasonExcessiveWear:      {},
	ReasonStainsOdors:        {},
	ReasonStructuralDamage:   {},
	ReasonTooOld:             {},
	ReasonInsufficientPhotos: {},
	ReasonOther:              {},
}

// FieldError описывает некорректное значение одного поля.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidateCondition проверяет срок использования и оценку состояния.
func ValidateCondition(yearsOfUse, conditionRating int) error {
	if yearsOfUse < 0 {
		return &FieldError{Field: "years_of_use", Reason: "must not be negative"}
	}
	if yearsOfUse > maxYearsOfUse {
		return &FieldError{Field: "years_of_use", Reason: fmt.Sprintf("must not exceed %d", maxYearsOfUse)}
	}
	if conditionRating < MinConditionRating || conditionRating > MaxConditionRating {
		return &FieldError{
			Field:  "condition_rating",
			Reason: fmt.Sprintf("must be between %d and %d", MinConditionRating, MaxConditionRating),
		}
	}
	return nil
}

// ValidateSubmission проверяет обязательные поля новой заявки.
func ValidateSubmission(customerID, brand string, yearsOfUse, conditionRating int, photos []string) error {
	if strings.TrimSpace(customerID) == "" {
		return &FieldError{Field: "customer_id", Reason: "is required"}
	}
	if strings.TrimSpace(brand) == "" {
		return &FieldError{Field: "mattress_brand", Reason: "is required"}
	}
	if err := ValidateCondition(yearsOfUse, conditionRating); err != nil {
		return err
	}
	if len(photos) > maxPhotos {
		return &FieldError{Field: "photos", Reason: fmt.Sprintf("at most %d photos allowed", maxPhotos)}
	}
	for _, p := range photos {
		if strings.TrimSpace(p) == "" {
			return &FieldError{Field: "photos", Reason: "must not contain empty references"}
		}
	}
	return nil
}

// ValidateApproval проверяет итоговые значения, указанные оценщиком.
func ValidateApproval(tradeInValue float64, discountPercentage int) error {
	if math.IsNaN(tradeInValue) || math.IsInf(tradeInValue, 0) || tradeInValue < 0 {
		return &FieldError{Field: "trade_in_value", Reason: "must be a non-negative amount"}
	}
	if discountPercentage < 0 || discountPercentage > maxDiscount {
		return &FieldError{Field: "discount_percentage", Reason: fmt.Sprintf("must be between 0 and %d", maxDiscount)}
	}
	return nil
}

// ValidateRejectionReason требует непустую причину отказа.
func ValidateRejectionReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return &FieldError{Field: "rejection_reason", Reason: "is required"}
	}
	return nil
}

// RejectionCategory сводит причину отказа к предопределённому списку: произвольный текст
// относится к категории other.
func RejectionCategory(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if IsKnownRejectionReason(reason) {
		return reason
	}
	return ReasonOther
}

// IsKnownRejectionReason сообщает, входит ли причина в предопределённый список.
func IsKnownRejectionReason(reason string) bool {
	_, ok := knownReasons[reason]
	return ok
}
