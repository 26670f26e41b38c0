package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
)

// Результаты последней оплаты подписки.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// ErrMalformedEvent возвращается, если данные события не удаётся разобрать.
var ErrMalformedEvent = errors.New("malformed webhook event")

// StripeProcessor отражает события Stripe в коллекциях клиентов и подписок.
type StripeProcessor struct {
	store  itemstore.Store
	logger *zap.Logger
	ledger ledger
}

// NewStripeProcessor создаёт обработчик событий Stripe.
func NewStripeProcessor(store itemstore.Store, logger *zap.Logger) *StripeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeProcessor{
		store:  store,
		logger: logger,
		ledger: ledger{store: store, now: func() time.Time { return time.Now().UTC() }},
	}
}

// Process применяет проверенное событие Stripe. Повторная доставка уже обработанного
// события подтверждается без изменений.
func (p *StripeProcessor) Process(ctx context.Context, event stripe.Event) error {
	if event.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	handle := p.handler(event.Type)
	if handle == nil {
		p.logger.Debug("stripe event ignored", zap.String("event", event.ID), zap.String("type", string(event.Type)))
		return nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}

	c, skip, err := p.ledger.begin(ctx, SourceStripe, event.ID, string(event.Type))
	if err != nil {
		return err
	}
	if skip {
		p.logger.Info("stripe event already processed", zap.String("event", event.ID))
		return nil
	}

	procErr := handle(ctx, event)
	if err := p.ledger.finish(ctx, c, procErr); err != nil {
		p.logger.Error("record stripe event result", zap.Error(err), zap.String("event", event.ID))
	}
	if procErr != nil {
		return fmt.Errorf("process stripe event %s: %w", event.Type, procErr)
	}

	p.logger.Info("stripe event processed", zap.String("event", event.ID), zap.String("type", string(event.Type)))
	return nil
}

func (p *StripeProcessor) handler(t stripe.EventType) func(context.Context, stripe.Event) error {
	switch t {
	case stripe.EventTypeCustomerCreated, stripe.EventTypeCustomerUpdated:
		return p.customerUpserted
	case stripe.EventTypeCustomerDeleted:
		return p.customerDeleted
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		return p.subscriptionChanged
	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaymentFailed:
		return p.invoicePayment
	default:
		return nil
	}
}

func (p *StripeProcessor) customerUpserted(ctx context.Context, event stripe.Event) error {
	var c stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: customer without id", ErrMalformedEvent)
	}

	first, last := splitName(c.Name)
	patch := itemstore.Record{"status": model.CustomerStatusActive}
	setIfNotEmpty(patch, "email", strings.ToLower(strings.TrimSpace(c.Email)))
	setIfNotEmpty(patch, "first_name", first)
	setIfNotEmpty(patch, "last_name", last)
	setIfNotEmpty(patch, "phone", c.Phone)

	_, err := upsert(ctx, p.store, model.CollectionCustomers, itemstore.Filter{"stripe_customer_id": c.ID}, patch)
	if err != nil {
		return fmt.Errorf("upsert customer %s: %w", c.ID, err)
	}
	return nil
}

func (p *StripeProcessor) customerDeleted(ctx context.Context, event stripe.Event) error {
	var c stripe.Customer
	if err := json.Unmarshal(event.Data.Raw, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	rec, err := itemstore.FindOne(ctx, p.store, model.CollectionCustomers, itemstore.Filter{"stripe_customer_id": c.ID})
	if errors.Is(err, itemstore.ErrNotFound) {
		p.logger.Debug("deleted stripe customer is unknown", zap.String("customer", c.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("find customer %s: %w", c.ID, err)
	}

	_, err = p.store.Update(ctx, model.CollectionCustomers, rec.ID(), itemstore.Record{
		"status": model.CustomerStatusArchived,
	}, nil)
	if err != nil {
		return fmt.Errorf("archive customer %s: %w", c.ID, err)
	}
	return nil
}

func (p *StripeProcessor) subscriptionChanged(ctx context.Context, event stripe.Event) error {
	var s stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: subscription without id", ErrMalformedEvent)
	}

	patch := itemstore.Record{
		"status":               string(s.Status),
		"cancel_at_period_end": s.CancelAtPeriodEnd,
		"current_period_start": unixTime(s.CurrentPeriodStart),
		"current_period_end":   unixTime(s.CurrentPeriodEnd),
		"canceled_at":          unixTime(s.CanceledAt),
	}

	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		item := s.Items.Data[0]
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		patch["price_id"] = item.Price.ID
		patch["amount"] = float64(item.Price.UnitAmount*quantity) / 100
		if item.Price.Recurring != nil {
			patch["interval"] = string(item.Price.Recurring.Interval)
		}
	}

	if s.Customer != nil && s.Customer.ID != "" {
		customerID, err := p.resolveCustomer(ctx, s.Customer.ID)
		if err != nil {
			return err
		}
		patch["customer_id"] = customerID
	}

	_, err := upsert(ctx, p.store, model.CollectionSubscriptions, itemstore.Filter{"stripe_subscription_id": s.ID}, patch)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", s.ID, err)
	}
	return nil
}

func (p *StripeProcessor) invoicePayment(ctx context.Context, event stripe.Event) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		p.logger.Debug("invoice without subscription ignored", zap.String("invoice", inv.ID))
		return nil
	}

	status := PaymentSucceeded
	if event.Type == stripe.EventTypeInvoicePaymentFailed {
		status = PaymentFailed
	}

	paidAt := time.Now().UTC()
	if event.Created > 0 {
		paidAt = time.Unix(event.Created, 0).UTC()
	}

	patch := itemstore.Record{
		"last_payment_status": status,
		"last_payment_at":     paidAt,
		"last_invoice_id":     inv.ID,
	}
	if inv.Customer != nil && inv.Customer.ID != "" {
		customerID, err := p.resolveCustomer(ctx, inv.Customer.ID)
		if err != nil {
			return err
		}
		patch["customer_id"] = customerID
	}

	_, err := upsert(ctx, p.store, model.CollectionSubscriptions, itemstore.Filter{
		"stripe_subscription_id": inv.Subscription.ID,
	}, patch)
	if err != nil {
		return fmt.Errorf("record payment for subscription %s: %w", inv.Subscription.ID, err)
	}
	return nil
}

// resolveCustomer возвращает идентификатор клиента в CMS, создавая запись при необходимости.
func (p *StripeProcessor) resolveCustomer(ctx context.Context, stripeID string) (string, error) {
	rec, err := itemstore.FindOne(ctx, p.store, model.CollectionCustomers, itemstore.Filter{"stripe_customer_id": stripeID})
	if err == nil {
		return rec.ID(), nil
	}
	if !errors.Is(err, itemstore.ErrNotFound) {
		return "", fmt.Errorf("find customer %s: %w", stripeID, err)
	}

	created, err := p.store.Create(ctx, model.CollectionCustomers, itemstore.Record{
		"stripe_customer_id": stripeID,
		"status":             model.CustomerStatusActive,
	})
	if err != nil {
		return "", fmt.Errorf("create customer %s: %w", stripeID, err)
	}
	return created.ID(), nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func setIfNotEmpty(rec itemstore.Record, field, value string) {
	if value = strings.TrimSpace(value); value != "" {
		rec[field] = value
	}
}
