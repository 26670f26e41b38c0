// Package webhook обрабатывает события платёжной системы Stripe и интернет-магазина Shopify
// и отражает их в коллекциях CMS.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
)

// Источники событий.
const (
	SourceStripe  = "stripe"
	SourceShopify = "shopify"
)

// ErrEventInFlight возвращается, если то же событие сейчас обрабатывается другой доставкой.
var ErrEventInFlight = errors.New("webhook event is being processed")

// processingLease задаёт, сколько событие может оставаться в статусе processing,
// прежде чем повторная доставка заберёт его себе.
const processingLease = 5 * time.Minute

// ledger ведёт журнал событий в коллекции webhook_events.
type ledger struct {
	store itemstore.Store
	now   func() time.Time
	lease time.Duration
}

// claim идентифицирует попытку обработки события. finish применяется только к своей попытке.
type claim struct {
	recordID string
	attempt  int
}

// begin регистрирует начало обработки события. skip означает, что событие уже обработано.
func (l ledger) begin(ctx context.Context, source, eventID, eventType string) (c claim, skip bool, err error) {
	key := model.WebhookEventKey(source, eventID)

	rec, err := itemstore.FindOne(ctx, l.store, model.CollectionWebhookEvents, itemstore.Filter{"key": key})
	switch {
	case err == nil:
		return l.resume(ctx, rec)
	case !errors.Is(err, itemstore.ErrNotFound):
		return claim{}, false, fmt.Errorf("lookup webhook event: %w", err)
	}

	ev, err := itemstore.Encode(model.WebhookEvent{
		Key:        key,
		Source:     source,
		EventID:    eventID,
		Type:       eventType,
		Status:     model.WebhookEventProcessing,
		Attempt:    1,
		ReceivedAt: l.now(),
	})
	if err != nil {
		return claim{}, false, err
	}

	created, err := l.store.Create(ctx, model.CollectionWebhookEvents, ev)
	if err != nil {
		if errors.Is(err, itemstore.ErrDuplicate) {
			return claim{}, false, ErrEventInFlight
		}
		return claim{}, false, fmt.Errorf("record webhook event: %w", err)
	}
	return claim{recordID: created.ID(), attempt: 1}, false, nil
}

// resume забирает неудачное или зависшее событие: запись обновляется, только если
// номер попытки не изменился с момента чтения.
func (l ledger) resume(ctx context.Context, rec itemstore.Record) (claim, bool, error) {
	var ev model.WebhookEvent
	if err := itemstore.Decode(rec, &ev); err != nil {
		return claim{}, false, fmt.Errorf("decode webhook event: %w", err)
	}

	switch ev.Status {
	case model.WebhookEventProcessed:
		return claim{recordID: rec.ID()}, true, nil
	case model.WebhookEventFailed:
	default:
		if l.now().Sub(ev.ReceivedAt) < l.leaseOrDefault() {
			return claim{}, false, ErrEventInFlight
		}
	}

	next := ev.Attempt + 1
	_, err := l.store.Update(ctx, model.CollectionWebhookEvents, rec.ID(), itemstore.Record{
		"status":      model.WebhookEventProcessing,
		"attempt":     next,
		"received_at": l.now(),
	}, itemstore.Filter{
		"status":  rec["status"],
		"attempt": rec["attempt"],
	})
	if errors.Is(err, itemstore.ErrPreconditionFailed) {
		return claim{}, false, ErrEventInFlight
	}
	if err != nil {
		return claim{}, false, fmt.Errorf("resume webhook event: %w", err)
	}
	return claim{recordID: rec.ID(), attempt: next}, false, nil
}

func (l ledger) leaseOrDefault() time.Duration {
	if l.lease > 0 {
		return l.lease
	}
	return processingLease
}

// finish отмечает результат обработки события.
func (l ledger) finish(ctx context.Context, c claim, procErr error) error {
	patch := itemstore.Record{"status": model.WebhookEventProcessed, "error": nil}
	if procErr != nil {
		patch = itemstore.Record{"status": model.WebhookEventFailed, "error": procErr.Error()}
	}

	_, err := l.store.Update(ctx, model.CollectionWebhookEvents, c.recordID, patch, itemstore.Filter{
		"status":  model.WebhookEventProcessing,
		"attempt": c.attempt,
	})
	if err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}

// upsert обновляет первый элемент, подходящий под match, или создаёт новый из match и patch.
func upsert(ctx context.Context, store itemstore.Store, collection string, match itemstore.Filter, patch itemstore.Record) (itemstore.Record, error) {
	rec, err := itemstore.FindOne(ctx, store, collection, match)
	if err == nil {
		return store.Update(ctx, collection, rec.ID(), patch, nil)
	}
	if !errors.Is(err, itemstore.ErrNotFound) {
		return nil, err
	}

	create := make(itemstore.Record, len(match)+len(patch))
	for k, v := range match {
		create[k] = v
	}
	for k, v := range patch {
		create[k] = v
	}
	return store.Create(ctx, collection, create)
}
