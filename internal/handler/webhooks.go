package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/middleware"
	whk "github.com/luiso2/directus-sleep-admin-sub001/internal/webhook"
)

// Заголовки вебхуков.
const (
	stripeSignatureHeader = "Stripe-Signature"
	shopifyTopicHeader    = "X-Shopify-Topic"
	shopifyWebhookHeader  = "X-Shopify-Webhook-Id"
)

// StripeEvents обрабатывает проверенные события Stripe.
type StripeEvents interface {
	Process(ctx context.Context, event stripe.Event) error
}

// ShopifyEvents обрабатывает проверенные события Shopify.
type ShopifyEvents interface {
	Process(ctx context.Context, topic, webhookID string, body []byte) error
}

// StripeWebhook проверяет подпись события Stripe и передаёт его обработчику.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil || h.stripeSecret == "" {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	defer r.Body.Close()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(stripeSignatureHeader), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe signature verification failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.stripe.Process(r.Context(), event); err != nil {
		h.writeWebhookError(w, err, zap.String("event", event.ID), zap.String("type", string(event.Type)))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ShopifyWebhook передаёт событие Shopify обработчику. Подпись проверяется middleware.
func (h *Handler) ShopifyWebhook(w http.ResponseWriter, r *http.Request) {
	if h.shopify == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, middleware.MaxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	topic := r.Header.Get(shopifyTopicHeader)
	if topic == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	webhookID := r.Header.Get(shopifyWebhookHeader)

	if err := h.shopify.Process(r.Context(), topic, webhookID, body); err != nil {
		h.writeWebhookError(w, err, zap.String("topic", topic), zap.String("webhook", webhookID))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeWebhookError отвечает 400 на некорректное событие, 409 на событие в обработке и 500 на сбой хранилища.
func (h *Handler) writeWebhookError(w http.ResponseWriter, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))

	switch {
	case errors.Is(err, whk.ErrMalformedEvent):
		h.logger.Warn("malformed webhook event", fields...)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, whk.ErrEventInFlight):
		h.logger.Info("webhook event in flight", fields...)
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("webhook processing error", fields...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
