package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
)

type call struct {
	statement string
	params    []any
}

// fakeDB records statements and answers them with execute.
type fakeDB struct {
	calls   []call
	scopes  int
	openErr error
	execute func(statement string, params []any) (lakebase.Outcome, error)
}

func (f *fakeDB) WithConnection(ctx context.Context, fn func(Executor) error) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.scopes++
	return fn(f)
}

func (f *fakeDB) Execute(ctx context.Context, statement string, params ...any) (lakebase.Outcome, error) {
	f.calls = append(f.calls, call{statement: statement, params: params})
	if f.execute == nil {
		return lakebase.Outcome{Kind: lakebase.KindAffected, RowsAffected: 1}, nil
	}
	return f.execute(statement, params)
}

func rows(columns []string, values ...[]any) lakebase.Outcome {
	out := lakebase.Outcome{Kind: lakebase.KindRows, Rows: []lakebase.Row{}}
	for _, v := range values {
		out.Rows = append(out.Rows, lakebase.NewRow(columns, v))
	}
	return out
}

func newTestApp(db Database) *App {
	return &App{DB: db, rateLimiter: NewRateLimiter(600)}
}

func do(t *testing.T, app *App, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	return apiErr
}

func TestHandleQueryRows(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"x", "name"}, []any{int64(1), "a"}), nil
	}}
	rec := do(t, newTestApp(db), "POST", "/api/v1/query", `{"statement":"SELECT 1 as x, 'a' as name","params":[]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"rows","rows":[{"x":1,"name":"a"}],"row_count":1}`, rec.Body.String())
	assert.Equal(t, 1, db.scopes)
}

func TestHandleQueryEmptyRows(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"x"}), nil
	}}
	rec := do(t, newTestApp(db), "POST", "/api/v1/query", `{"statement":"SELECT x FROM t"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"rows","rows":[],"row_count":0}`, rec.Body.String())
}

func TestHandleQueryMutation(t *testing.T) {
	db := &fakeDB{}
	rec := do(t, newTestApp(db), "POST", "/api/v1/query", `{"statement":"INSERT INTO t(name) VALUES ($1)","params":["a", 42]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"affected","rows_affected":1}`, rec.Body.String())
	require.Len(t, db.calls, 1)
	assert.Equal(t, []any{"a", json.Number("42")}, db.calls[0].params)
}

func TestHandleQueryValidation(t *testing.T) {
	db := &fakeDB{}
	app := newTestApp(db)

	rec := do(t, app, "POST", "/api/v1/query", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, app, "POST", "/api/v1/query", `{"statement":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Code)
	assert.Zero(t, db.scopes)
}

func TestHandleQueryErrorMapping(t *testing.T) {
	credErr := &credential.CredentialError{Err: errors.New("exchange failed")}
	tests := []struct {
		name    string
		openErr error
		execErr error
		status  int
		code    string
	}{
		{
			name:    "statement",
			execErr: &lakebase.StatementError{Statement: "INSERT", Err: errors.New(`null value in column "name"`)},
			status:  http.StatusBadRequest,
			code:    "STATEMENT_ERROR",
		},
		{
			name:    "credential",
			openErr: &lakebase.ConnectionError{Host: "h", Err: credErr},
			status:  http.StatusBadGateway,
			code:    "CREDENTIAL_ERROR",
		},
		{
			name:    "connection",
			openErr: &lakebase.ConnectionError{Host: "h", Err: errors.New("connection refused")},
			status:  http.StatusServiceUnavailable,
			code:    "CONNECTION_ERROR",
		},
		{
			name:    "timeout",
			execErr: &lakebase.StatementError{Statement: "SELECT", Err: fmt.Errorf("%w: %w", lakebase.ErrTimeout, context.DeadlineExceeded)},
			status:  http.StatusGatewayTimeout,
			code:    "TIMEOUT",
		},
		{
			name:    "unexpected",
			execErr: errors.New("boom"),
			status:  http.StatusInternalServerError,
			code:    "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{openErr: tt.openErr, execute: func(string, []any) (lakebase.Outcome, error) {
				return lakebase.Outcome{}, tt.execErr
			}}
			rec := do(t, newTestApp(db), "POST", "/api/v1/query", `{"statement":"INSERT INTO t(name) VALUES (NULL)"}`)
			require.Equal(t, tt.status, rec.Code)
			apiErr := decodeError(t, rec)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.NotContains(t, rec.Body.String(), "exchange failed")
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	db := &fakeDB{execute: func(statement string, _ []any) (lakebase.Outcome, error) {
		return rows([]string{"users", "products", "orders", "revenue"}, []any{int64(3), int64(5), int64(7), "123.45"}), nil
	}}
	rec := do(t, newTestApp(db), "GET", "/api/v1/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":3,"products":5,"orders":7,"revenue":123.45}`, rec.Body.String())
	require.Len(t, db.calls, 1)
	assert.True(t, lakebase.IsRead(db.calls[0].statement))
}

func TestHandleMetricsUnexpectedShape(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"users"}, []any{"many"}), nil
	}}
	rec := do(t, newTestApp(db), "GET", "/api/v1/metrics", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleMetricsBadRevenue(t *testing.T) {
	tests := map[string]lakebase.Outcome{
		"missing": rows([]string{"users", "products", "orders"}, []any{int64(1), int64(1), int64(1)}),
		"null":    rows([]string{"users", "products", "orders", "revenue"}, []any{int64(1), int64(1), int64(1), nil}),
		"text":    rows([]string{"users", "products", "orders", "revenue"}, []any{int64(1), int64(1), int64(1), "lots"}),
	}
	for name, out := range tests {
		t.Run(name, func(t *testing.T) {
			db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) { return out, nil }}
			rec := do(t, newTestApp(db), "GET", "/api/v1/metrics", "")
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
		})
	}
}

func TestHandleInventory(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"name", "stock_quantity", "category"}, []any{"Widget", int64(40), "tools"}), nil
	}}
	app := newTestApp(db)

	rec := do(t, app, "GET", "/api/v1/products/inventory", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"rows","rows":[{"name":"Widget","stock_quantity":40,"category":"tools"}],"row_count":1}`, rec.Body.String())
	require.Len(t, db.calls, 1)
	assert.Equal(t, inventoryQuery, db.calls[0].statement)
	assert.Equal(t, []any{defaultInventoryLimit}, db.calls[0].params)

	rec = do(t, app, "GET", "/api/v1/products/inventory?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, db.calls, 1)
}

func TestHandleDailyRevenue(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"date", "daily_revenue"}, []any{"2026-01-02", "19.98"}, []any{"2026-01-01", "5.00"}), nil
	}}
	app := newTestApp(db)

	rec := do(t, app, "GET", "/api/v1/revenue/daily", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"rows","rows":[{"date":"2026-01-02","daily_revenue":"19.98"},{"date":"2026-01-01","daily_revenue":"5.00"}],"row_count":2}`, rec.Body.String())
	require.Len(t, db.calls, 1)
	assert.Equal(t, dailyRevenueQuery, db.calls[0].statement)
	assert.Equal(t, []any{defaultRevenueDays}, db.calls[0].params)
	assert.True(t, lakebase.IsRead(db.calls[0].statement))

	rec = do(t, app, "GET", "/api/v1/revenue/daily?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{7}, db.calls[1].params)

	rec = do(t, app, "GET", "/api/v1/revenue/daily?days=366", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, db.calls, 2)
}

func TestHandleRecentOrders(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		return rows([]string{"order_id", "username"}, []any{int64(1), "it"}), nil
	}}
	app := newTestApp(db)

	rec := do(t, app, "GET", "/api/v1/orders/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{defaultOrderLimit}, db.calls[0].params)

	rec = do(t, app, "GET", "/api/v1/orders/recent?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{3}, db.calls[1].params)

	rec = do(t, app, "GET", "/api/v1/orders/recent?limit=1000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, db.calls, 2)
}

func TestHandleCreateProduct(t *testing.T) {
	db := &fakeDB{}
	app := newTestApp(db)

	rec := do(t, app, "POST", "/api/v1/products", `{"name":" Widget ","price":9.5,"stock_quantity":2,"category":"tools","tags":["a"," ","b "]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"created":1}}`, rec.Body.String())
	require.Len(t, db.calls, 1)
	assert.Equal(t, insertProduct, db.calls[0].statement)
	params := db.calls[0].params
	assert.Equal(t, "Widget", params[0])
	assert.Equal(t, 9.5, params[2])
	assert.Equal(t, pq.Array([]string{"a", "b"}), params[5])

	for _, body := range []string{`{"price":1}`, `{"name":"x"}`, `{"name":"x","price":1,"stock_quantity":-1}`} {
		rec = do(t, app, "POST", "/api/v1/products", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Len(t, db.calls, 1)
}

func TestHandleCreateUser(t *testing.T) {
	db := &fakeDB{}
	app := newTestApp(db)

	rec := do(t, app, "POST", "/api/v1/users", `{"email":"a@example.com","username":"a","full_name":"A"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, db.calls, 1)
	assert.Equal(t, []any{"a@example.com", "a", "A", `{"role":"customer"}`}, db.calls[0].params)

	rec = do(t, app, "POST", "/api/v1/users", `{"email":"a@example.com","username":"a","role":"root"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, app, "POST", "/api/v1/users", `{"email":"a@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, db.calls, 1)
}

func TestHandleReady(t *testing.T) {
	rec := do(t, newTestApp(&fakeDB{}), "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())

	down := &fakeDB{openErr: &lakebase.ConnectionError{Host: "h", Err: errors.New("refused")}}
	rec = do(t, newTestApp(down), "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, newTestApp(down), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("dashboard-key"), bcrypt.MinCost)
	require.NoError(t, err)
	app := newTestApp(&fakeDB{})
	app.APIKeyHash = string(hash)

	rec := do(t, app, "POST", "/api/v1/query", `{"statement":"SELECT 1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, app, "POST", "/api/v1/query", `{"statement":"SELECT 1"}`, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, app, "POST", "/api/v1/query", `{"statement":"SELECT 1"}`, "X-API-Key", "dashboard-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, "POST", "/api/v1/query", `{"statement":"SELECT 1"}`, "Authorization", "Bearer dashboard-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	// health checks stay open
	rec = do(t, app, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	app := newTestApp(&fakeDB{})
	app.rateLimiter = NewRateLimiter(2)

	for i := 0; i < 2; i++ {
		rec := do(t, app, "GET", "/api/v1/metrics", "")
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
	rec := do(t, app, "GET", "/api/v1/metrics", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, rec).Code)
}

func TestMiddlewareHeaders(t *testing.T) {
	app := newTestApp(&fakeDB{})
	app.AllowedOrigins = []string{"https://dash.example.com"}

	rec := do(t, app, "GET", "/health", "", "Origin", "https://dash.example.com", RequestIDHeader, "req-1")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	rec = do(t, app, "GET", "/health", "", "Origin", "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = do(t, app, "OPTIONS", "/api/v1/query", "", "Origin", "https://dash.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoverFromPanic(t *testing.T) {
	db := &fakeDB{execute: func(string, []any) (lakebase.Outcome, error) {
		panic("driver exploded")
	}}
	rec := do(t, newTestApp(db), "GET", "/api/v1/metrics", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}
