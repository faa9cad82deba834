package dblifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Code is the closed error taxonomy for database lifecycle operations.
// Callers branch on codes, never on message text.
type Code string

const (
	CodeAlreadyExists           Code = "DATABASE_ALREADY_EXISTS"
	CodeTemplateNotFound        Code = "TEMPLATE_NOT_FOUND"
	CodeTemplateInUse           Code = "TEMPLATE_IN_USE"
	CodeInvalidName             Code = "INVALID_DATABASE_NAME"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeDiskFull                Code = "DISK_SPACE_FULL"
	CodeConnectionFailed        Code = "CONNECTION_FAILED"
	CodeUnknown                 Code = "UNKNOWN_ERROR"
)

// Error carries a taxonomy code plus the original engine message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dblifecycle: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// classify maps an engine error onto the taxonomy. SQLSTATE codes are
// authoritative when present; substring matching on the message is the
// fallback for errors that surface without one.
func classify(err error) *Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P04":
			return newError(CodeAlreadyExists, pgErr.Message, err)
		case pgErr.Code == "3D000":
			return newError(CodeTemplateNotFound, pgErr.Message, err)
		case pgErr.Code == "55006":
			return newError(CodeTemplateInUse, pgErr.Message, err)
		case pgErr.Code == "42501":
			return newError(CodeInsufficientPermissions, pgErr.Message, err)
		case pgErr.Code == "53100":
			return newError(CodeDiskFull, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return newError(CodeConnectionFailed, pgErr.Message, err)
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already exists"):
		return newError(CodeAlreadyExists, msg, err)
	case strings.Contains(lower, "is being accessed by other users"):
		return newError(CodeTemplateInUse, msg, err)
	case strings.Contains(lower, "does not exist"):
		return newError(CodeTemplateNotFound, msg, err)
	case strings.Contains(lower, "permission denied"):
		return newError(CodeInsufficientPermissions, msg, err)
	case strings.Contains(lower, "no space left"), strings.Contains(lower, "disk full"):
		return newError(CodeDiskFull, msg, err)
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"):
		return newError(CodeConnectionFailed, msg, err)
	}
	return newError(CodeUnknown, msg, err)
}
