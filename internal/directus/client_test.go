package directus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
)

func writeData(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func writeErrors(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"errors": []map[string]any{
			{"message": message, "extensions": map[string]any{"code": code}},
		},
	})
}

func newTestClient(url string) *Client {
	c := NewClient(url, "static-token", zap.NewNop())
	c.httpClient.RetryWaitMin = time.Millisecond
	c.httpClient.RetryWaitMax = 2 * time.Millisecond
	return c
}

func TestCreate_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/items/coupons" {
			t.Fatalf("path = %s, want /items/coupons", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer static-token" {
			t.Fatalf("authorization = %q", got)
		}

		var in map[string]any
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		in["id"] = "c-1"
		writeData(t, w, in)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rec, err := client.Create(ctx, "coupons", itemstore.Record{"code": "TI-1"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if rec.ID() != "c-1" || rec["code"] != "TI-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCreate_DuplicateIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeErrors(w, http.StatusBadRequest, codeRecordNotUnique, `Value for field "code" has to be unique.`)
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.Create(context.Background(), "coupons", itemstore.Record{"code": "TI-1"})
	if !errors.Is(err, itemstore.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestCreate_ServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeErrors(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "down")
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.Create(context.Background(), "coupons", itemstore.Record{"code": "TI-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 APIError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestRead_QueryAndRetry(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		q := r.URL.Query()
		if got := q.Get("sort"); got != "-created_at" {
			t.Fatalf("sort = %q", got)
		}
		if got := q.Get("limit"); got != "10" {
			t.Fatalf("limit = %q", got)
		}

		var filter map[string]map[string]any
		if err := json.Unmarshal([]byte(q.Get("filter")), &filter); err != nil {
			t.Fatalf("filter: %v", err)
		}
		if filter["status"]["_eq"] != "pending" {
			t.Fatalf("unexpected filter: %+v", filter)
		}

		writeData(t, w, []map[string]any{{"id": "e-1", "status": "pending"}})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	recs, err := client.Read(context.Background(), "evaluations", itemstore.Query{
		Filter: itemstore.Filter{"status": "pending"},
		Sort:   []string{"-created_at"},
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(recs) != 1 || recs[0].ID() != "e-1" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls = %d, want 2", n)
	}
}

func TestUpdate_Conditional(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/items/evaluations" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		var in struct {
			Query struct {
				Filter map[string]map[string]any `json:"filter"`
			} `json:"query"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.Query.Filter["id"]["_eq"] != "e-1" || in.Query.Filter["status"]["_eq"] != "pending" {
			t.Fatalf("unexpected filter: %s", body)
		}
		writeData(t, w, []map[string]any{{"id": "e-1", "status": in.Data["status"]}})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	rec, err := client.Update(context.Background(), "evaluations", "e-1",
		itemstore.Record{"status": "approved"}, itemstore.Filter{"status": "pending"})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if rec["status"] != "approved" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestUpdate_PreconditionFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch:
			writeData(t, w, []map[string]any{})
		case r.Method == http.MethodGet && r.URL.Path == "/items/evaluations/e-1":
			writeData(t, w, map[string]any{"id": "e-1", "status": "approved"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.Update(context.Background(), "evaluations", "e-1",
		itemstore.Record{"status": "approved"}, itemstore.Filter{"status": "pending"})
	if !errors.Is(err, itemstore.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch && r.URL.Path == "/items/evaluations" {
			writeData(t, w, []map[string]any{})
			return
		}
		writeErrors(w, http.StatusForbidden, "FORBIDDEN", "You don't have permission to access this.")
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.Update(context.Background(), "evaluations", "missing",
		itemstore.Record{"status": "approved"}, itemstore.Filter{"status": "pending"})
	if !errors.Is(err, itemstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = client.Update(context.Background(), "evaluations", "missing", itemstore.Record{"status": "x"}, nil)
	if !errors.Is(err, itemstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for plain update, got %v", err)
	}
}

func TestBuildFilter_Null(t *testing.T) {
	f := buildFilter(itemstore.Filter{"coupon_code": nil, "status": "approved"})

	null, ok := f["coupon_code"].(map[string]any)
	if !ok || null["_null"] != true {
		t.Fatalf("unexpected null filter: %+v", f)
	}
	eq, ok := f["status"].(map[string]any)
	if !ok || eq["_eq"] != "approved" {
		t.Fatalf("unexpected eq filter: %+v", f)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	client := NewClient("", "", nil)

	_, err := client.Read(context.Background(), "evaluations", itemstore.Query{})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
