package core

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// credentialPatterns match connection-string and secret shapes that must
// never reach a client inside a Database error's details (§7).
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|pwd|secret|token)=[^&\s;]+`),
	regexp.MustCompile(`://[^:@/\s]+:[^@/\s]+@`),
}

// ScrubCredentials strips connection-string and secret shapes from s,
// for callers (e.g. the admin introspection surface) that need to show a
// connection's configuration without leaking its password (§7).
func ScrubCredentials(s string) string {
	return scrubCredentials(s)
}

func scrubCredentials(s string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if idx := indexByte(m, '='); idx >= 0 {
				return m[:idx+1] + "***"
			}
			return "://***@"
		})
	}
	return s
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Category is the error taxonomy from §4.I / §7. The request handler is the
// sole translator from Category to an HTTP status and wire shape.
type Category string

const (
	CategoryValidation     Category = "Validation"
	CategoryAuthentication Category = "Authentication"
	CategoryAuthorization  Category = "Authorization"
	CategoryNotFound       Category = "NotFound"
	CategoryRateLimit      Category = "RateLimit"
	CategoryDatabase       Category = "Database"
	CategoryConfiguration  Category = "Configuration"
	CategoryInternal       Category = "Internal"
	CategoryOverloaded     Category = "Overloaded"
)

// httpStatus is the Category -> HTTP status mapping from §4.I.
var httpStatus = map[Category]int{
	CategoryValidation:     400,
	CategoryAuthentication: 401,
	CategoryAuthorization:  403,
	CategoryNotFound:       404,
	CategoryRateLimit:      429,
	CategoryDatabase:       500,
	CategoryConfiguration:  500,
	CategoryInternal:       500,
	CategoryOverloaded:     503,
}

// retryable is the Category -> retryable mapping from §4.I.
var retryable = map[Category]bool{
	CategoryRateLimit:  true,
	CategoryDatabase:   true,
	CategoryOverloaded: true,
}

// FieldError is one entry of a Validation error's errors[] list (§4.D).
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single tagged error type that crosses component boundaries.
// Components return *Error upward; the request handler (serv package) is
// the only place that converts it to an HTTP/MCP response (§7).
type Error struct {
	Category Category
	Message  string
	Details  string
	Errors   []FieldError
	cause    error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Category, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// errorWire is the exact §4.I/§7 wire shape: { success:false, category,
// message, details?, errors? }.
type errorWire struct {
	Success  bool         `json:"success"`
	Category Category     `json:"category"`
	Message  string       `json:"message"`
	Details  string       `json:"details,omitempty"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// MarshalJSON renders Error in its documented wire shape; every error
// response carries success:false alongside its category.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorWire{
		Success:  false,
		Category: e.Category,
		Message:  e.Message,
		Details:  e.Details,
		Errors:   e.Errors,
	})
}

// HTTPStatus returns the HTTP status code for this error's category.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Category]; ok {
		return s
	}
	return 500
}

// Retryable reports whether clients should retry this error.
func (e *Error) Retryable() bool {
	return retryable[e.Category]
}

// NewError builds a tagged error of the given category.
func NewError(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

// Wrap builds a tagged error around an underlying cause, stripping nothing
// by default — callers needing credential scrubbing use WrapDatabase.
func Wrap(cat Category, message string, cause error) *Error {
	e := &Error{Category: cat, Message: message, cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// WrapDatabase builds a Database error from an engine/driver failure,
// stripping anything that looks like a connection string or credential
// from the message before it is surfaced to clients (§7).
func WrapDatabase(cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Category: CategoryDatabase, Message: "database error", Details: scrubCredentials(msg), cause: cause}
}

// ConfigError is returned by the Config Loader for structural violations
// (§4.A). It carries file/line when available.
type ConfigError struct {
	Message string
	File    string
	Line    int
}

func (e *ConfigError) Error() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// AsCoreError converts any error into the core Error taxonomy, defaulting
// unrecognized errors to Internal (§7 "Panics/unhandled exceptions ...
// mapped to Internal").
func AsCoreError(err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	if cfg, ok := err.(*ConfigError); ok {
		return &Error{Category: CategoryConfiguration, Message: cfg.Error(), cause: err}
	}
	return &Error{Category: CategoryInternal, Message: "internal error", cause: err}
}
