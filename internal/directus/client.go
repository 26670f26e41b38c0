// Package directus предоставляет клиент REST API Directus, реализующий хранилище элементов.
package directus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
)

const (
	codeRecordNotUnique = "RECORD_NOT_UNIQUE"
	maxErrorBody        = 4 << 10
)

// Client инкапсулирует HTTP-взаимодействие с Directus.
type Client struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент Directus по адресу baseURL со статическим токеном доступа.
// Повторы выполняются только для чтения: запись в Directus не идемпотентна.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    base,
		token:      token,
		httpClient: rc,
	}
}

type idempotentKey struct{}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if idempotent, _ := ctx.Value(idempotentKey{}).(bool); !idempotent {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// APIError описывает ответ Directus с кодом ошибки.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("directus: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("directus: status %d: %s", e.StatusCode, e.Message)
}

type errorsResponse struct {
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

// Create создаёт элемент коллекции.
func (c *Client) Create(ctx context.Context, collection string, rec itemstore.Record) (itemstore.Record, error) {
	var out itemstore.Record
	if err := c.do(ctx, http.MethodPost, c.itemsURL(collection, "", nil), rec, &out); err != nil {
		if isCode(err, codeRecordNotUnique) {
			return nil, fmt.Errorf("%w: %s: %v", itemstore.ErrDuplicate, collection, err)
		}
		return nil, fmt.Errorf("create %s item: %w", collection, err)
	}
	return out, nil
}

// Read выбирает элементы коллекции с фильтром, сортировкой и ограничением.
func (c *Client) Read(ctx context.Context, collection string, q itemstore.Query) ([]itemstore.Record, error) {
	params := url.Values{}
	if len(q.Filter) > 0 {
		f, err := json.Marshal(buildFilter(q.Filter))
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		params.Set("filter", string(f))
	}
	if len(q.Sort) > 0 {
		params.Set("sort", strings.Join(q.Sort, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	} else {
		params.Set("limit", "-1")
	}

	var out []itemstore.Record
	if err := c.do(ctx, http.MethodGet, c.itemsURL(collection, "", params), nil, &out); err != nil {
		return nil, fmt.Errorf("read %s items: %w", collection, err)
	}
	return out, nil
}

// Update частично обновляет элемент. Условное обновление выполняется запросом
// PATCH по фильтру, в который входят идентификатор и ожидаемые значения полей.
func (c *Client) Update(ctx context.Context, collection, id string, patch itemstore.Record, expect itemstore.Filter) (itemstore.Record, error) {
	if expect == nil {
		var out itemstore.Record
		if err := c.do(ctx, http.MethodPatch, c.itemsURL(collection, id, nil), patch, &out); err != nil {
			if isNotFound(err) {
				return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrNotFound, collection, id)
			}
			return nil, fmt.Errorf("update %s item: %w", collection, err)
		}
		return out, nil
	}

	filter := itemstore.Filter{"id": id}
	for k, v := range expect {
		filter[k] = v
	}

	body := map[string]any{
		"query": map[string]any{"filter": buildFilter(filter)},
		"data":  patch,
	}

	var updated []itemstore.Record
	if err := c.do(ctx, http.MethodPatch, c.itemsURL(collection, "", nil), body, &updated); err != nil {
		return nil, fmt.Errorf("conditional update %s item: %w", collection, err)
	}
	if len(updated) > 0 {
		return updated[0], nil
	}

	var current itemstore.Record
	if err := c.do(ctx, http.MethodGet, c.itemsURL(collection, id, nil), nil, &current); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrNotFound, collection, id)
		}
		return nil, fmt.Errorf("read %s item: %w", collection, err)
	}
	return nil, fmt.Errorf("%w: %s/%s", itemstore.ErrPreconditionFailed, collection, id)
}

func (c *Client) itemsURL(collection, id string, params url.Values) string {
	u := c.baseURL + "/items/" + url.PathEscape(collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("directus client not configured")
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	if method == http.MethodGet {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apiErr
	}

	var er errorsResponse
	if json.Unmarshal(data, &er) == nil && len(er.Errors) > 0 {
		apiErr.Message = er.Errors[0].Message
		apiErr.Code = er.Errors[0].Extensions.Code
	}
	return apiErr
}

// buildFilter переводит условия равенства в синтаксис фильтров Directus.
func buildFilter(f itemstore.Filter) map[string]any {
	out := make(map[string]any, len(f))
	for field, v := range f {
		if v == nil {
			out[field] = map[string]any{"_null": true}
			continue
		}
		out[field] = map[string]any{"_eq": v}
	}
	return out
}

func isCode(err error, code string) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.Code == code
}

// isNotFound учитывает, что Directus отвечает 403 на обращение к несуществующему элементу.
func isNotFound(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusForbidden)
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type leveledLogger struct {
	l *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.l.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.l.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.l.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.l.Warnw(msg, keysAndValues...)
}
