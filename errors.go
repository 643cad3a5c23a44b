package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, APIError{Code: code, Message: message})
}

func writeAPIError(w http.ResponseWriter, status int, apiErr APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"success": true,
		"data":    data,
	})
}

// writeLakebaseError maps an error from a connection scope onto an inline API failure.
func writeLakebaseError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		credErr *credential.CredentialError
		connErr *lakebase.ConnectionError
		stmtErr *lakebase.StatementError
	)
	status, apiErr := http.StatusInternalServerError, APIError{Code: "INTERNAL_ERROR", Message: "Unexpected database error"}
	switch {
	case errors.Is(err, lakebase.ErrTimeout):
		status, apiErr = http.StatusGatewayTimeout, APIError{Code: "TIMEOUT", Message: "Database operation timed out"}
	case errors.As(err, &credErr):
		status, apiErr = http.StatusBadGateway, APIError{Code: "CREDENTIAL_ERROR", Message: "Could not obtain a database credential"}
	case errors.As(err, &connErr):
		status, apiErr = http.StatusServiceUnavailable, APIError{Code: "CONNECTION_ERROR", Message: "Could not connect to the database"}
	case errors.As(err, &stmtErr):
		status, apiErr = http.StatusBadRequest, APIError{Code: "STATEMENT_ERROR", Message: "Statement failed", Details: stmtErr.Err.Error()}
	}

	level := zerolog.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	zerolog.Ctx(r.Context()).WithLevel(level).Err(err).Str("error_code", apiErr.Code).Msg("database operation failed")
	writeAPIError(w, status, apiErr)
}
