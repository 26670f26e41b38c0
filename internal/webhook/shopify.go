package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
)

// Топики Shopify, которые обрабатывает сервис.
const (
	TopicCustomersCreate = "customers/create"
	TopicCustomersUpdate = "customers/update"
	TopicOrdersCreate    = "orders/create"
	TopicOrdersPaid      = "orders/paid"
)

const redeemAttempts = 3

type shopifyCustomer struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type shopifyOrder struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DiscountCodes []struct {
		Code string `json:"code"`
	} `json:"discount_codes"`
}

// ShopifyProcessor отражает клиентов Shopify и учитывает использование купонов в заказах.
type ShopifyProcessor struct {
	store  itemstore.Store
	logger *zap.Logger
	now    func() time.Time
	ledger ledger
	delay  time.Duration
}

// NewShopifyProcessor создаёт обработчик событий Shopify.
func NewShopifyProcessor(store itemstore.Store, logger *zap.Logger) *ShopifyProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &ShopifyProcessor{
		store:  store,
		logger: logger,
		now:    now,
		ledger: ledger{store: store, now: now},
		delay:  50 * time.Millisecond,
	}
}

// Process применяет событие Shopify с топиком topic. webhookID идентифицирует доставку;
// без него защита от повторов не применяется.
func (p *ShopifyProcessor) Process(ctx context.Context, topic, webhookID string, body []byte) error {
	handle := p.handler(topic)
	if handle == nil {
		p.logger.Debug("shopify topic ignored", zap.String("topic", topic))
		return nil
	}

	if webhookID == "" {
		return handle(ctx, body)
	}

	c, skip, err := p.ledger.begin(ctx, SourceShopify, webhookID, topic)
	if err != nil {
		return err
	}
	if skip {
		p.logger.Info("shopify webhook already processed", zap.String("webhook", webhookID))
		return nil
	}

	procErr := handle(ctx, body)
	if err := p.ledger.finish(ctx, c, procErr); err != nil {
		p.logger.Error("record shopify webhook result", zap.Error(err), zap.String("webhook", webhookID))
	}
	if procErr != nil {
		return fmt.Errorf("process shopify %s: %w", topic, procErr)
	}
	return nil
}

func (p *ShopifyProcessor) handler(topic string) func(context.Context, []byte) error {
	switch topic {
	case TopicCustomersCreate, TopicCustomersUpdate:
		return p.customerUpserted
	case TopicOrdersCreate, TopicOrdersPaid:
		return p.orderPlaced
	default:
		return nil
	}
}

func (p *ShopifyProcessor) customerUpserted(ctx context.Context, body []byte) error {
	var c shopifyCustomer
	if err := json.Unmarshal(body, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if c.ID == 0 {
		return fmt.Errorf("%w: customer without id", ErrMalformedEvent)
	}

	shopifyID := strconv.FormatInt(c.ID, 10)
	email := strings.ToLower(strings.TrimSpace(c.Email))

	patch := itemstore.Record{"shopify_customer_id": shopifyID}
	setIfNotEmpty(patch, "email", email)
	setIfNotEmpty(patch, "first_name", c.FirstName)
	setIfNotEmpty(patch, "last_name", c.LastName)
	setIfNotEmpty(patch, "phone", c.Phone)

	if email != "" {
		rec, err := itemstore.FindOne(ctx, p.store, model.CollectionCustomers, itemstore.Filter{"email": email})
		if err == nil {
			if _, err := p.store.Update(ctx, model.CollectionCustomers, rec.ID(), patch, nil); err != nil {
				return fmt.Errorf("update customer %s: %w", rec.ID(), err)
			}
			return nil
		}
		if !errors.Is(err, itemstore.ErrNotFound) {
			return fmt.Errorf("find customer by email: %w", err)
		}
	}

	patch["status"] = model.CustomerStatusActive
	if _, err := upsert(ctx, p.store, model.CollectionCustomers, itemstore.Filter{"shopify_customer_id": shopifyID}, patch); err != nil {
		return fmt.Errorf("upsert customer %s: %w", shopifyID, err)
	}
	return nil
}

func (p *ShopifyProcessor) orderPlaced(ctx context.Context, body []byte) error {
	var o shopifyOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if o.ID == 0 {
		return fmt.Errorf("%w: order without id", ErrMalformedEvent)
	}

	orderID := strconv.FormatInt(o.ID, 10)
	for _, dc := range o.DiscountCodes {
		code := strings.ToUpper(strings.TrimSpace(dc.Code))
		if code == "" {
			continue
		}
		if err := p.redeem(ctx, code, orderID); err != nil {
			return err
		}
	}
	return nil
}

// redeem увеличивает счётчик использований купона условной записью по прежнему значению.
// Купон не может быть использован сверх лимита; повторное событие того же заказа не учитывается.
func (p *ShopifyProcessor) redeem(ctx context.Context, code, orderID string) error {
	var redeemed *model.Coupon

	backoff := retry.WithMaxRetries(redeemAttempts-1, retry.NewConstant(p.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec, err := itemstore.FindOne(ctx, p.store, model.CollectionCoupons, itemstore.Filter{"code": code})
		if errors.Is(err, itemstore.ErrNotFound) {
			p.logger.Debug("unknown discount code in order", zap.String("code", code), zap.String("order", orderID))
			return nil
		}
		if err != nil {
			return retry.RetryableError(fmt.Errorf("find coupon %s: %w", code, err))
		}

		var c model.Coupon
		if err := itemstore.Decode(rec, &c); err != nil {
			return fmt.Errorf("decode coupon %s: %w", code, err)
		}

		if c.LastOrderID == orderID {
			p.logger.Debug("coupon already counted for order", zap.String("code", code), zap.String("order", orderID))
			return nil
		}
		if c.Status != model.CouponStatusActive || c.Exhausted() {
			p.logger.Warn("coupon cannot be redeemed",
				zap.String("code", code),
				zap.String("order", orderID),
				zap.String("status", string(c.Status)),
				zap.Int("usage_count", c.UsageCount),
				zap.Int("usage_limit", c.UsageLimit),
			)
			return nil
		}

		next := c.UsageCount + 1
		patch := itemstore.Record{"usage_count": next, "last_order_id": orderID}
		if next >= c.UsageLimit {
			patch["status"] = string(model.CouponStatusUsed)
		}

		_, err = p.store.Update(ctx, model.CollectionCoupons, c.ID, patch, itemstore.Filter{
			"usage_count": c.UsageCount,
			"status":      string(model.CouponStatusActive),
		})
		if errors.Is(err, itemstore.ErrPreconditionFailed) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return fmt.Errorf("redeem coupon %s: %w", code, err)
		}

		redeemed = &c
		return nil
	})
	if err != nil {
		return err
	}
	if redeemed == nil {
		return nil
	}

	p.logger.Info("coupon redeemed", zap.String("code", code), zap.String("order", orderID))

	if redeemed.EvaluationID == "" {
		return nil
	}
	return p.markEvaluationRedeemed(ctx, redeemed.EvaluationID, orderID)
}

func (p *ShopifyProcessor) markEvaluationRedeemed(ctx context.Context, evaluationID, orderID string) error {
	_, err := p.store.Update(ctx, model.CollectionEvaluations, evaluationID, itemstore.Record{
		"redemption_status": model.RedemptionStatusRedeemed,
		"redeemed_at":       p.now(),
		"redeemed_order_id": orderID,
	}, itemstore.Filter{"redemption_status": nil})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, itemstore.ErrPreconditionFailed):
		return nil
	case errors.Is(err, itemstore.ErrNotFound):
		p.logger.Warn("redeemed coupon references missing evaluation", zap.String("evaluation", evaluationID))
		return nil
	default:
		return fmt.Errorf("mark evaluation %s redeemed: %w", evaluationID, err)
	}
}
