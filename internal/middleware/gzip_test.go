package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// quoteEcho отвечает 201 с принятой заявкой, 204 на пустую заявку и 400 на некорректный JSON.
func quoteEcho(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req struct {
		MattressBrand string `json:"mattress_brand"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"mattress_brand": req.MattressBrand, "status": "pending"})
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestGzipMiddleware(t *testing.T) {
	type want struct {
		statusCode      int
		contentEncoding string
		body            string
	}

	tests := []struct {
		name            string
		body            string
		compressBody    bool
		contentEncoding string
		acceptEncoding  string
		want            want
	}{
		{
			name:           "compressed submission, compressed answer",
			body:            `{"mattress_brand":"Tempur"}`,
			compressBody:    true,
			contentEncoding: "gzip",
			acceptEncoding:  "gzip",
			want: want{
				statusCode:      http.StatusCreated,
				contentEncoding: "gzip",
				body:            `"mattress_brand":"Tempur"`,
			},
		},
		{
			name:           "plain submission, compressed answer",
			body:           `{"mattress_brand":"Casper"}`,
			acceptEncoding: "gzip, deflate",
			want: want{
				statusCode:      http.StatusCreated,
				contentEncoding: "gzip",
				body:            `"status":"pending"`,
			},
		},
		{
			name: "client does not accept gzip",
			body: `{"mattress_brand":"Casper"}`,
			want: want{
				statusCode: http.StatusCreated,
				body:       `"mattress_brand":"Casper"`,
			},
		},
		{
			name:           "no content is never encoded",
			acceptEncoding: "gzip",
			want: want{
				statusCode: http.StatusNoContent,
			},
		},
		{
			name:           "broken gzip body",
			body:            "not gzip at all",
			contentEncoding: "gzip",
			acceptEncoding:  "gzip",
			want: want{
				statusCode: http.StatusBadRequest,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.body)
			if tt.compressBody {
				payload = gzipBytes(t, tt.body)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/evaluations", bytes.NewReader(payload))
			if tt.contentEncoding != "" {
				req.Header.Set("Content-Encoding", tt.contentEncoding)
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(quoteEcho)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != tt.want.statusCode {
				t.Fatalf("status: got %d want %d", res.StatusCode, tt.want.statusCode)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.want.contentEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.want.contentEncoding)
			}

			raw, err := io.ReadAll(res.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if tt.want.statusCode == http.StatusNoContent {
				if len(raw) != 0 {
					t.Fatalf("no content response carries %d bytes", len(raw))
				}
				return
			}

			body := raw
			if tt.want.contentEncoding == "gzip" {
				gr, err := gzip.NewReader(bytes.NewReader(raw))
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				if body, err = io.ReadAll(gr); err != nil {
					t.Fatalf("read gzip body: %v", err)
				}
			}

			if !strings.Contains(string(body), tt.want.body) {
				t.Fatalf("body %q does not contain %q", string(body), tt.want.body)
			}
		})
	}
}
