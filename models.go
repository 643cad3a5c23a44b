package main

import "encoding/json"

// QueryRequest is an ad-hoc statement sent by the query builder
type QueryRequest struct {
	Statement string `json:"statement"`
	Params    []any  `json:"params"`
}

// QueryResponse carries either rows or an affected count
type QueryResponse struct {
	Kind         string `json:"kind"`
	Rows         any    `json:"rows,omitempty"`
	RowCount     *int   `json:"row_count,omitempty"`
	RowsAffected *int64 `json:"rows_affected,omitempty"`
}

// ProductInput is the data entry form for a product
type ProductInput struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Price         float64  `json:"price"`
	StockQuantity int      `json:"stock_quantity"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
}

// UserInput is the data entry form for a user
type UserInput struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// DashboardMetrics feeds the metric cards
type DashboardMetrics struct {
	Users    int64       `json:"users"`
	Products int64       `json:"products"`
	Orders   int64       `json:"orders"`
	Revenue  json.Number `json:"revenue"`
}

var userRoles = map[string]bool{"customer": true, "admin": true, "vendor": true}
