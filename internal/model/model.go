// Package model содержит доменные сущности административного сервиса Sleep+.
package model

import "time"

// Названия коллекций CMS, с которыми работает сервис.
const (
	CollectionCustomers     = "customers"
	CollectionSubscriptions = "subscriptions"
	CollectionEvaluations   = "evaluations"
	CollectionCoupons       = "coupons"
	CollectionWebhookEvents = "webhook_events"
)

// EvaluationStatus описывает состояние заявки на трейд-ин матраса.
type EvaluationStatus string

const (
	EvaluationStatusPending  EvaluationStatus = "pending"
	EvaluationStatusInReview EvaluationStatus = "in_review"
	EvaluationStatusApproved EvaluationStatus = "approved"
	EvaluationStatusRejected EvaluationStatus = "rejected"
)

// IsValid сообщает, является ли значение одним из известных статусов.
func (s EvaluationStatus) IsValid() bool {
	switch s {
	case EvaluationStatusPending, EvaluationStatusInReview, EvaluationStatusApproved, EvaluationStatusRejected:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s EvaluationStatus) IsTerminal() bool {
	return s == EvaluationStatusApproved || s == EvaluationStatusRejected
}

// CanTransitionTo проверяет допустимость перехода между статусами.
func (s EvaluationStatus) CanTransitionTo(next EvaluationStatus) bool {
	switch s {
	case EvaluationStatusPending:
		return next == EvaluationStatusInReview || next == EvaluationStatusApproved || next == EvaluationStatusRejected
	case EvaluationStatusInReview:
		return next == EvaluationStatusApproved || next == EvaluationStatusRejected
	default:
		return false
	}
}

// RedemptionStatusRedeemed выставляется заявке, когда выданный по ней купон использован.
const RedemptionStatusRedeemed = "redeemed"

// Evaluation представляет заявку клиента на трейд-ин использованного матраса.
type Evaluation struct {
	ID                  string           `json:"id,omitempty"`
	CustomerID          string           `json:"customer_id"`
	MattressBrand       string           `json:"mattress_brand"`
	MattressModel       string           `json:"mattress_model,omitempty"`
	YearsOfUse          int              `json:"years_of_use"`
	ConditionRating     int              `json:"condition_rating"`
	HasStains           bool             `json:"has_stains"`
	HasOdors            bool             `json:"has_odors"`
	HasBedbugs          bool             `json:"has_bedbugs"`
	HasStructuralDamage bool             `json:"has_structural_damage"`
	Photos              []string         `json:"photos,omitempty"`
	TradeInValue        float64          `json:"trade_in_value"`
	DiscountPercentage  int              `json:"discount_percentage"`
	Status              EvaluationStatus `json:"status"`
	CouponCode          string           `json:"coupon_code,omitempty"`
	ApprovalID          string           `json:"approval_id,omitempty"`
	ApprovalAttempt     int              `json:"approval_attempt,omitempty"`
	EvaluatorNotes      string           `json:"evaluator_notes,omitempty"`
	RejectionReason     string           `json:"rejection_reason,omitempty"`
	RejectionCategory   string           `json:"rejection_category,omitempty"`
	RedemptionStatus    string           `json:"redemption_status,omitempty"`
	RedeemedOrderID     string           `json:"redeemed_order_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ExpiresAt           time.Time        `json:"expires_at"`
	ReviewedAt          *time.Time       `json:"reviewed_at,omitempty"`
	CouponIssuedAt      *time.Time       `json:"coupon_issued_at,omitempty"`
	RedeemedAt          *time.Time       `json:"redeemed_at,omitempty"`
}

// IsExpired сравнивает срок действия заявки с моментом now. Статус при этом не меняется.
func (e *Evaluation) IsExpired(now time.Time) bool {
	return !e.Status.IsTerminal() && now.After(e.ExpiresAt)
}

// CouponStatus описывает состояние купона.
type CouponStatus string

const (
	CouponStatusActive  CouponStatus = "active"
	CouponStatusExpired CouponStatus = "expired"
	CouponStatusUsed    CouponStatus = "used"
)

// DiscountTypePercentage используется для купонов, выданных по трейд-ину.
const DiscountTypePercentage = "percentage"

// Coupon описывает скидочный купон, выданный по одобренной заявке.
type Coupon struct {
	ID           string       `json:"id,omitempty"`
	Code         string       `json:"code"`
	DiscountType string       `json:"discount_type"`
	Value        int          `json:"value"`
	UsageLimit   int          `json:"usage_limit"`
	UsageCount   int          `json:"usage_count"`
	Status       CouponStatus `json:"status"`
	EvaluationID string       `json:"evaluation_id,omitempty"`
	ApprovalID   string       `json:"approval_id,omitempty"`
	TradeInValue float64      `json:"trade_in_value,omitempty"`
	CustomerID   string       `json:"customer_id,omitempty"`
	LastOrderID  string       `json:"last_order_id,omitempty"`
	StartDate    time.Time    `json:"start_date"`
	EndDate      time.Time    `json:"end_date"`
}

// Exhausted сообщает, что лимит использований купона исчерпан.
func (c *Coupon) Exhausted() bool {
	return c.UsageCount >= c.UsageLimit
}

// Customer описывает клиента, зеркалируемого из платёжной системы и интернет-магазина.
type Customer struct {
	ID                string `json:"id,omitempty"`
	Email             string `json:"email,omitempty"`
	FirstName         string `json:"first_name,omitempty"`
	LastName          string `json:"last_name,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Status            string `json:"status,omitempty"`
	StripeCustomerID  string `json:"stripe_customer_id,omitempty"`
	ShopifyCustomerID string `json:"shopify_customer_id,omitempty"`
}

// Статусы клиента.
const (
	CustomerStatusActive   = "active"
	CustomerStatusArchived = "archived"
)

// Subscription описывает подписку клиента на матрас.
type Subscription struct {
	ID                   string     `json:"id,omitempty"`
	CustomerID           string     `json:"customer_id,omitempty"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	Status               string     `json:"status"`
	PriceID              string     `json:"price_id,omitempty"`
	Amount               float64    `json:"amount"`
	Interval             string     `json:"interval,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at,omitempty"`
	LastPaymentStatus    string     `json:"last_payment_status,omitempty"`
	LastPaymentAt        *time.Time `json:"last_payment_at,omitempty"`
	LastInvoiceID        string     `json:"last_invoice_id,omitempty"`
}

// WebhookEvent фиксирует обработанное событие вебхука для защиты от повторной доставки.
type WebhookEvent struct {
	ID         string    `json:"id,omitempty"`
	Key        string    `json:"key"`
	Source     string    `json:"source"`
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Статусы обработки события вебхука.
const (
	WebhookEventProcessing = "processing"
	WebhookEventProcessed  = "processed"
	WebhookEventFailed     = "failed"
)

// WebhookEventKey возвращает ключ уникальности события в пределах источника.
func WebhookEventKey(source, eventID string) string {
	return source + ":" + eventID
}
