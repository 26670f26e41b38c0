// Package middleware содержит HTTP middleware административного сервиса Sleep+.
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
)

// ShopifyHMACHeader содержит подпись тела вебхука Shopify.
const ShopifyHMACHeader = "X-Shopify-Hmac-Sha256"

// MaxWebhookBody ограничивает размер тела вебхука.
const MaxWebhookBody = 1 << 20

// ShopifyAuth проверяет подпись вебхуков Shopify общим секретом магазина.
type ShopifyAuth struct {
	secretKey []byte
}

// NewShopifyAuth создаёт проверку подписи с указанным секретом.
func NewShopifyAuth(secret string) *ShopifyAuth {
	return &ShopifyAuth{
		secretKey: []byte(secret),
	}
}

// Middleware отклоняет запрос с 401, если подпись отсутствует или не совпадает.
// Тело запроса после проверки доступно обработчику целиком.
func (a *ShopifyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secretKey) == 0 {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if len(body) > MaxWebhookBody {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		if !a.Verify(body, r.Header.Get(ShopifyHMACHeader)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Verify сравнивает подпись signature в base64 с HMAC-SHA256 тела body.
func (a *ShopifyAuth) Verify(body []byte, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, a.sign(body))
}

// Sign возвращает подпись тела в формате заголовка X-Shopify-Hmac-Sha256.
func (a *ShopifyAuth) Sign(body []byte) string {
	return base64.StdEncoding.EncodeToString(a.sign(body))
}

func (a *ShopifyAuth) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write(body)
	return mac.Sum(nil)
}
