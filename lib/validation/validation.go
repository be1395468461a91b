// Package validation checks caller input before it reaches the store.
// Validators return nil on success and a *Result otherwise. Every failure
// wraps errors.ErrInvalidInput, so callers and the HTTP layer can classify
// it without knowing which rule failed.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/budgetbook/ledgerd/lib/errors"
)

// Sentinel errors, checkable with errors.Is.
var (
	// ErrRequired indicates a required field is missing or blank.
	ErrRequired = fmt.Errorf("%w: field is required", apperrors.ErrInvalidInput)

	// ErrTooLong indicates a string exceeds its maximum length.
	ErrTooLong = fmt.Errorf("%w: value exceeds maximum length", apperrors.ErrInvalidInput)

	// ErrInvalidFormat indicates a value does not match the expected format.
	ErrInvalidFormat = fmt.Errorf("%w: invalid format", apperrors.ErrInvalidInput)

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = fmt.Errorf("%w: value out of range", apperrors.ErrInvalidInput)
)

// MaxTagNameLength bounds tag names as shown in the dashboard's tag chips.
const MaxTagNameLength = 50

// hexColorPattern matches CSS hex colors: #rgb or #rrggbb.
var hexColorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Result is a validation failure with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the sentinel for errors.Is.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is not blank.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string has at most max runes.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// Positive validates that an integer is greater than zero.
func Positive(field string, value int64) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that an integer is zero or more.
func NonNegative(field string, value int64) error {
	if value < 0 {
		return NewResult(field, "must not be negative", ErrOutOfRange)
	}
	return nil
}

// PositiveDuration validates that a duration is greater than zero.
func PositiveDuration(field string, value time.Duration) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// HostPort validates a host:port listen address. The host may be empty
// and the port may be 0 for an ephemeral port.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be host:port", ErrInvalidFormat)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return NewResult(field, "port must be between 0 and 65535", ErrOutOfRange)
	}
	return nil
}

// HexColor validates a CSS hex color such as "#0f0" or "#00ff00".
func HexColor(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if !hexColorPattern.MatchString(value) {
		return NewResult(field, "must be a hex color like #00ff00", ErrInvalidFormat)
	}
	return nil
}

// TagName validates a tag label.
func TagName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, strings.TrimSpace(value), MaxTagNameLength)
}

// All runs validators in order and returns the first failure.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects every failure instead of stopping at the first.
type Errors []error

// Add appends err; nil is ignored.
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors reports whether anything was collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Err returns nil when empty and the collection otherwise.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Error joins the messages.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}
