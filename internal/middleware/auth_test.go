package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestShopifyAuth_ValidSignature(t *testing.T) {
	a := NewShopifyAuth("shpss_secret")
	body := `{"id":1001,"discount_codes":[{"code":"TI-ABC"}]}`

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		got, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if string(got) != body {
			t.Fatalf("body = %q, want %q", got, body)
		}
	})

	r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
	r.Header.Set(ShopifyHMACHeader, a.Sign([]byte(body)))
	w := httptest.NewRecorder()

	a.Middleware(next).ServeHTTP(w, r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestShopifyAuth_Rejects(t *testing.T) {
	a := NewShopifyAuth("shpss_secret")
	other := NewShopifyAuth("another")
	body := `{"id":1}`

	tests := []struct {
		name      string
		auth      *ShopifyAuth
		signature string
		want      int
	}{
		{name: "missing signature", auth: a, signature: "", want: http.StatusUnauthorized},
		{name: "not base64", auth: a, signature: "%%%", want: http.StatusUnauthorized},
		{name: "wrong secret", auth: a, signature: other.Sign([]byte(body)), want: http.StatusUnauthorized},
		{name: "tampered body", auth: a, signature: a.Sign([]byte(`{"id":2}`)), want: http.StatusUnauthorized},
		{name: "secret not configured", auth: NewShopifyAuth(""), signature: a.Sign([]byte(body)), want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
			if tt.signature != "" {
				r.Header.Set(ShopifyHMACHeader, tt.signature)
			}
			w := httptest.NewRecorder()

			tt.auth.Middleware(next).ServeHTTP(w, r)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestShopifyAuth_BodyTooLarge(t *testing.T) {
	a := NewShopifyAuth("shpss_secret")
	body := strings.Repeat("a", MaxWebhookBody+1)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", strings.NewReader(body))
	r.Header.Set(ShopifyHMACHeader, a.Sign([]byte(body)))
	w := httptest.NewRecorder()

	a.Middleware(http.NotFoundHandler()).ServeHTTP(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}
