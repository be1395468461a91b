// Package errors holds ledgerd's error taxonomy. Pool, store and app
// failures are sentinel values wrapping a handful of root conditions, so
// callers test them with errors.Is. Code classifies any error for API
// responses and retry decisions; Error carries a client-safe message
// that never includes a database path or SQL text.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Root conditions.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrClosed        = errors.New("closed")
	ErrInvalidState  = errors.New("invalid state")
	ErrConnection    = errors.New("connection error")
	ErrConfiguration = errors.New("configuration error")
)

// Pool errors
var (
	// ErrPoolExhausted indicates no connection became free within the
	// acquire timeout. Callers should back off and retry; no data was lost.
	ErrPoolExhausted = fmt.Errorf("pool: connection pool exhausted: %w", ErrTimeout)

	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = fmt.Errorf("pool: %w", ErrClosed)

	// ErrConstruction indicates a connection could not be opened or
	// configured while building the pool. No partial pool is retained.
	ErrConstruction = fmt.Errorf("pool: construction failed: %w", ErrConnection)

	// ErrCheckpoint indicates a WAL checkpoint did not complete.
	// It is logged, never returned to callers of the pool.
	ErrCheckpoint = errors.New("pool: wal checkpoint failed")

	// ErrCircuitOpen indicates callers are failing fast because recent
	// acquires kept exhausting the pool.
	ErrCircuitOpen = fmt.Errorf("circuit breaker open: %w", ErrUnavailable)
)

// Store errors
var (
	ErrStoreInvalidConfig = fmt.Errorf("store: %w", ErrConfiguration)
	// ErrStoreRollback means a unit of work failed and so did its rollback.
	ErrStoreRollback = errors.New("store: rollback failed")
)

// App errors
var (
	ErrAppInvalidConfig = fmt.Errorf("app: %w", ErrConfiguration)
	ErrAppInvalidState  = fmt.Errorf("app: %w", ErrInvalidState)
)

// Code classifies an error for API responses.
type Code string

const (
	CodeInternal     Code = "internal"
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeExhausted    Code = "pool_exhausted"
	CodeUnavailable  Code = "unavailable"
	CodeState        Code = "invalid_state"
	CodeConfig       Code = "configuration"
	CodeConnection   Code = "connection"
	CodeStorage      Code = "storage"
)

// HTTPStatus is the status an API handler replies with for c.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeExhausted, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later without
// any change on the caller's side.
func (c Code) Retryable() bool {
	switch c {
	case CodeExhausted, CodeUnavailable, CodeTimeout:
		return true
	}
	return false
}

// Error is a coded error with a client-safe message. Err is kept for
// logs and errors.Is but is not part of the message sent to clients.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches code and a safe message to err.
func Wrap(code Code, message string, err error) *Error {
	if err != nil {
		log.WithField("code", string(code)).WithError(err).Debug("wrapping error")
	}
	return &Error{Code: code, Message: message, Err: err}
}

// WrapInternal hides err behind a generic message. Use it when err may
// contain a file path or SQL text.
func WrapInternal(err error) *Error {
	return Wrap(CodeInternal, "internal error", err)
}

// CodeOf classifies err. An *Error in the chain wins; otherwise the root
// condition decides, with pool exhaustion matched ahead of the timeout it
// wraps.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return CodeExhausted
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrConfiguration):
		return CodeConfig
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

var safeMessages = map[Code]string{
	CodeInvalidInput: "invalid input",
	CodeNotFound:     "not found",
	CodeConflict:     "already exists",
	CodeTimeout:      "operation timed out",
	CodeExhausted:    "connection pool exhausted, retry later",
	CodeUnavailable:  "service unavailable",
	CodeState:        "invalid state",
	CodeConfig:       "configuration error",
	CodeConnection:   "database connection error",
	CodeStorage:      "storage error",
}

// SafeMessage returns text about err that can be shown to a client. Only
// an *Error's own message is passed through; anything else is reduced to
// a fixed phrase for its code, since wrapped text may name files or SQL.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if msg, ok := safeMessages[CodeOf(err)]; ok {
		return msg
	}
	return "internal error"
}

// HTTPStatus maps err to a response status; nil is 200.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return CodeOf(err).HTTPStatus()
}

// Retryable reports whether err is transient, such as an exhausted pool
// or an open circuit.
func Retryable(err error) bool {
	return err != nil && CodeOf(err).Retryable()
}

func IsExhausted(err error) bool    { return errors.Is(err, ErrPoolExhausted) }
func IsClosed(err error) bool       { return errors.Is(err, ErrClosed) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// Join is errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
