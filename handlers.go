package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/example/lakebase/internal/lakebase"
)

const (
	metricsQuery = `SELECT
		(SELECT COUNT(*) FROM ecommerce.users) AS users,
		(SELECT COUNT(*) FROM ecommerce.products) AS products,
		(SELECT COUNT(*) FROM ecommerce.orders) AS orders,
		(SELECT COALESCE(SUM(total_amount), 0) FROM ecommerce.orders WHERE status = 'completed') AS revenue`

	recentOrdersQuery = `SELECT o.order_id, u.username, o.status, o.total_amount, o.order_date
		FROM ecommerce.orders o
		JOIN ecommerce.users u ON o.user_id = u.user_id
		ORDER BY o.order_date DESC
		LIMIT $1`

	inventoryQuery = `SELECT name, stock_quantity, category
		FROM ecommerce.products
		ORDER BY stock_quantity DESC
		LIMIT $1`

	dailyRevenueQuery = `SELECT DATE(order_date) AS date, SUM(total_amount) AS daily_revenue
		FROM ecommerce.orders
		WHERE status = 'completed'
		GROUP BY DATE(order_date)
		ORDER BY date DESC
		LIMIT $1`

	insertProduct = `INSERT INTO ecommerce.products (name, description, price, stock_quantity, category, tags)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertUser = `INSERT INTO ecommerce.users (email, username, full_name, metadata)
		VALUES ($1, $2, $3, $4::jsonb)`

	defaultOrderLimit = 10
	maxOrderLimit     = 100

	defaultInventoryLimit = 10
	defaultRevenueDays    = 30
	maxRevenueDays        = 365
)

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := a.DB.WithConnection(ctx, func(ex Executor) error {
		_, err := ex.Execute(ctx, "SELECT 1")
		return err
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// HandleQuery runs an arbitrary statement for the query builder
// POST /api/v1/query
func (a *App) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Statement) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Statement is required")
		return
	}

	ctx := r.Context()
	var out lakebase.Outcome
	err := a.DB.WithConnection(ctx, func(ex Executor) error {
		var err error
		out, err = ex.Execute(ctx, req.Statement, req.Params...)
		return err
	})
	if err != nil {
		writeLakebaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(out))
}

func newQueryResponse(out lakebase.Outcome) QueryResponse {
	resp := QueryResponse{Kind: out.Kind.String()}
	if out.Kind == lakebase.KindRows {
		n := len(out.Rows)
		resp.Rows, resp.RowCount = out.Rows, &n
		return resp
	}
	n := out.RowsAffected
	resp.RowsAffected = &n
	return resp
}

// HandleMetrics returns the dashboard metric cards
// GET /api/v1/metrics
func (a *App) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var m DashboardMetrics
	err := a.DB.WithConnection(ctx, func(ex Executor) error {
		out, err := ex.Execute(ctx, metricsQuery)
		if err != nil {
			return err
		}
		if len(out.Rows) != 1 {
			return fmt.Errorf("metrics query returned %d rows", len(out.Rows))
		}
		row := out.Rows[0]
		if m.Users, err = intColumn(row, "users"); err != nil {
			return err
		}
		if m.Products, err = intColumn(row, "products"); err != nil {
			return err
		}
		if m.Orders, err = intColumn(row, "orders"); err != nil {
			return err
		}
		revenue, _ := row.Get("revenue")
		m.Revenue = json.Number(fmt.Sprint(revenue))
		return nil
	})
	if err != nil {
		writeLakebaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func intColumn(row lakebase.Row, column string) (int64, error) {
	v, ok := row.Get(column)
	if !ok {
		return 0, fmt.Errorf("column %q missing", column)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("column %q has unexpected type %T", column, v)
	}
}

func numberColumn(row lakebase.Row, column string) (json.Number, error) {
	v, ok := row.Get(column)
	if !ok || v == nil {
		return "", fmt.Errorf("column %q missing", column)
	}
	n := json.Number(fmt.Sprint(v))
	if _, err := n.Float64(); err != nil {
		return "", fmt.Errorf("column %q is not numeric: %v", column, v)
	}
	return n, nil
}

// limitParam reads a positive integer query parameter, writing a 400 when it is out of range.
func limitParam(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > max {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("%s must be between 1 and %d", name, max))
		return 0, false
	}
	return n, true
}

// list runs a read in its own scope and writes the rows.
func (a *App) list(w http.ResponseWriter, r *http.Request, statement string, params ...any) {
	ctx := r.Context()
	var out lakebase.Outcome
	err := a.DB.WithConnection(ctx, func(ex Executor) error {
		var err error
		out, err = ex.Execute(ctx, statement, params...)
		return err
	})
	if err != nil {
		writeLakebaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQueryResponse(out))
}

// HandleRecentOrders lists the latest orders
// GET /api/v1/orders/recent?limit=10
func (a *App) HandleRecentOrders(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, "limit", defaultOrderLimit, maxOrderLimit)
	if !ok {
		return
	}
	a.list(w, r, recentOrdersQuery, limit)
}

// HandleInventory lists the best stocked products
// GET /api/v1/products/inventory?limit=10
func (a *App) HandleInventory(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, "limit", defaultInventoryLimit, maxOrderLimit)
	if !ok {
		return
	}
	a.list(w, r, inventoryQuery, limit)
}

// HandleDailyRevenue returns completed revenue per day, newest first
// GET /api/v1/revenue/daily?days=30
func (a *App) HandleDailyRevenue(w http.ResponseWriter, r *http.Request) {
	days, ok := limitParam(w, r, "days", defaultRevenueDays, maxRevenueDays)
	if !ok {
		return
	}
	a.list(w, r, dailyRevenueQuery, days)
}

// HandleCreateProduct adds a product from the data entry form
// POST /api/v1/products
func (a *App) HandleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var in ProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.Price <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Name and a positive price are required")
		return
	}
	if in.StockQuantity < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Stock quantity cannot be negative")
		return
	}
	tags := make([]string, 0, len(in.Tags))
	for _, t := range in.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	a.insert(w, r, insertProduct, in.Name, in.Description, in.Price, in.StockQuantity, in.Category, pq.Array(tags))
}

// HandleCreateUser adds a user from the data entry form
// POST /api/v1/users
func (a *App) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in UserInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	in.Email, in.Username = strings.TrimSpace(in.Email), strings.TrimSpace(in.Username)
	if in.Email == "" || in.Username == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and username are required")
		return
	}
	if in.Role == "" {
		in.Role = "customer"
	}
	if !userRoles[in.Role] {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Role must be one of customer, admin, vendor")
		return
	}
	metadata, err := json.Marshal(map[string]string{"role": in.Role})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to encode metadata")
		return
	}

	a.insert(w, r, insertUser, in.Email, in.Username, in.FullName, string(metadata))
}

func (a *App) insert(w http.ResponseWriter, r *http.Request, statement string, params ...any) {
	ctx := r.Context()
	var out lakebase.Outcome
	err := a.DB.WithConnection(ctx, func(ex Executor) error {
		var err error
		out, err = ex.Execute(ctx, statement, params...)
		return err
	})
	if err != nil {
		writeLakebaseError(w, r, err)
		return
	}
	if out.RowsAffected != 1 {
		writeLakebaseError(w, r, errors.New("insert did not create a row"))
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]int64{"created": out.RowsAffected})
}
