// Package errs defines the typed error taxonomy used across the bot.
// Every error carries a stable code, a human message and a timestamp so
// failures can be surfaced to clients and counted uniformly.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into one of the failure domains.
type Kind string

const (
	KindTrading       Kind = "TRADING"
	KindExchangeAPI   Kind = "EXCHANGE_API"
	KindDatabase      Kind = "DATABASE"
	KindConfiguration Kind = "CONFIGURATION"
	KindSecurity      Kind = "SECURITY"
	KindMonitoring    Kind = "MONITORING"
)

// Stable error codes referenced throughout the core.
const (
	CodeRateLimit        = "RATE_LIMIT_ERROR"
	CodeBreakerOpen      = "CIRCUIT_BREAKER_OPEN"
	CodeSignalStale      = "SIGNAL_STALE"
	CodeDuplicateAttempt = "DUPLICATE_ATTEMPT"
	CodeCloudflareBlock  = "CLOUDFLARE_BLOCK"
	CodeOrderValidation  = "ORDER_VALIDATION_FAILED"
	CodeRiskRejected     = "RISK_REJECTED"
	CodeConfigMissing    = "CONFIG_MISSING"
	CodeRecvWindow       = "RECV_WINDOW"
	CodeNoPosition       = "NO_OPEN_POSITION"
	CodeAuth             = "AUTH_FAILED"
	CodeAPIError         = "EXCHANGE_API_ERROR"
	CodeDBError          = "DATABASE_ERROR"
)

// Error is the uniform error value for the bot.
type Error struct {
	Kind       Kind      `json:"kind"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"` // HTTP status for exchange errors
	Field      string    `json:"field,omitempty"`       // offending field for configuration errors
	Query      string    `json:"query,omitempty"`       // failing statement for database errors
	Timestamp  time.Time `json:"timestamp"`
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s [%s] (%d): %s", e.Kind, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.cause = cause
	return e
}

// Trading creates a trading-domain error.
func Trading(code, message string) *Error { return New(KindTrading, code, message) }

// ExchangeAPI creates an exchange error carrying the HTTP status.
func ExchangeAPI(code, message string, statusCode int) *Error {
	e := New(KindExchangeAPI, code, message)
	e.StatusCode = statusCode
	return e
}

// Database creates a database error, optionally tagged with the statement.
func Database(message, query string, cause error) *Error {
	e := Wrap(KindDatabase, CodeDBError, message, cause)
	e.Query = query
	return e
}

// Configuration creates a configuration error tagged with the field.
func Configuration(message, field string) *Error {
	e := New(KindConfiguration, CodeConfigMissing, message)
	e.Field = field
	return e
}

// CodeOf returns the stable code of err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// Retryable reports whether err is worth retrying at the transport layer:
// network failures, HTTP 429 and 5xx. Validation, auth and business-rule
// failures are terminal for the attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		// Unclassified errors are treated as network-level failures.
		return true
	}
	switch e.Code {
	case CodeBreakerOpen, CodeOrderValidation, CodeRiskRejected,
		CodeConfigMissing, CodeSignalStale, CodeDuplicateAttempt,
		CodeAuth, CodeRecvWindow, CodeNoPosition:
		return false
	}
	if e.Kind == KindExchangeAPI {
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.StatusCode == 0
	}
	return false
}
