// Package tradein реализует оценку матрасов по программе трейд-ин и жизненный цикл заявок.
package tradein

import "math"

const (
	baseTradeInValue   = 200.0
	yearlyDecay        = 0.1
	stainsPenalty      = 0.8
	odorsPenalty       = 0.7
	structuralPenalty  = 0.5
	valueRoundingStep  = 10.0
	discountScale      = 1000.0
	maxDiscountPercent = 20.0
)

// Condition содержит характеристики состояния матраса, влияющие на оценку.
type Condition struct {
	YearsOfUse          int  `json:"years_of_use"`
	ConditionRating     int  `json:"condition_rating"`
	HasStains           bool `json:"has_stains"`
	HasOdors            bool `json:"has_odors"`
	HasBedbugs          bool `json:"has_bedbugs"`
	HasStructuralDamage bool `json:"has_structural_damage"`
}

// Valuation содержит предлагаемую сумму зачёта и процент скидки.
type Valuation struct {
	TradeInValue       float64 `json:"trade_in_value"`
	DiscountPercentage int     `json:"discount_percentage"`
}

// Quote рассчитывает предлагаемую оценку. Функция детерминирована и не имеет побочных эффектов;
// порядок операций с плавающей точкой фиксирован, чтобы результат совпадал с админкой.
func Quote(c Condition) Valuation {
	base := baseTradeInValue

	yearsFactor := math.Max(0, 1-float64(c.YearsOfUse)*yearlyDecay)
	base *= yearsFactor

	conditionFactor := float64(c.ConditionRating) / 5
	base *= conditionFactor

	if c.HasStains {
		base *= stainsPenalty
	}
	if c.HasOdors {
		base *= odorsPenalty
	}
	if c.HasStructuralDamage {
		base *= structuralPenalty
	}

	// Клопы полностью исключают зачёт.
	if c.HasBedbugs {
		base = 0
	}

	value := math.Round(base/valueRoundingStep) * valueRoundingStep
	discount := math.Min(maxDiscountPercent, math.Round((value/discountScale)*100))

	return Valuation{
		TradeInValue:       value,
		DiscountPercentage: int(discount),
	}
}
