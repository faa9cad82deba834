// Package credential generates unique database and role identifiers,
// checking candidates against the live engine and falling back to
// alternate naming strategies when the primary strategy cannot succeed.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dbhive/dbhive/internal/naming"
)

// DefaultMaxRetries bounds collision retries for the primary strategy.
const DefaultMaxRetries = 5

// Code is the closed error taxonomy for credential generation.
type Code string

const (
	CodeInvalidProjectName     Code = "INVALID_PROJECT_NAME"
	CodeRetryExhausted         Code = "RETRY_EXHAUSTED"
	CodeGenerationFailed       Code = "GENERATION_FAILED"
	CodeUniquenessCheckFailed  Code = "UNIQUENESS_CHECK_FAILED"
	CodeAllStrategiesExhausted Code = "ALL_STRATEGIES_EXHAUSTED"
)

// Error carries a taxonomy code for caller dispatch.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGenerationFailed
}

// ExistsFunc reports whether an identifier is already taken in the
// engine. An error means the check itself failed, which is distinct from
// the identifier existing.
type ExistsFunc func(ctx context.Context, name string) (bool, error)

// Generator produces unique identifiers using live uniqueness checks.
type Generator struct {
	databaseExists ExistsFunc
	userExists     ExistsFunc
	fallback       FallbackConfig
}

// NewGenerator wires the uniqueness checks, typically
// dblifecycle.Manager.Exists and dbuser.Manager.Exists.
func NewGenerator(databaseExists, userExists ExistsFunc, fallback FallbackConfig) *Generator {
	if fallback.MaxAttempts <= 0 {
		fallback.MaxAttempts = DefaultFallbackAttempts
	}
	return &Generator{
		databaseExists: databaseExists,
		userExists:     userExists,
		fallback:       fallback,
	}
}

func (g *Generator) existsFor(kind naming.Kind) ExistsFunc {
	if kind == naming.KindUser {
		return g.userExists
	}
	return g.databaseExists
}

// GenerateUnique produces a fresh identifier for the human-supplied name.
// Candidates found in the exclusion set or already present in the engine
// are discarded and regenerated, up to maxRetries attempts. A failing
// uniqueness check consumes an attempt too (transient network errors get
// the same bounded retry), and if the final attempt still cannot be
// checked the error is UNIQUENESS_CHECK_FAILED rather than
// RETRY_EXHAUSTED so callers can dispatch the offline fallback.
func (g *Generator) GenerateUnique(ctx context.Context, humanName string, kind naming.Kind, exclude map[string]struct{}, maxRetries int) (string, error) {
	if strings.TrimSpace(humanName) == "" {
		return "", &Error{Code: CodeInvalidProjectName, Message: "project name must be a non-empty string"}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	exists := g.existsFor(kind)

	var lastCheckErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		candidate, err := naming.Generate(humanName, kind)
		if err != nil {
			return "", &Error{Code: CodeGenerationFailed, Message: "candidate generation failed", cause: err}
		}

		if _, excluded := exclude[candidate]; excluded {
			continue
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			lastCheckErr = err
			slog.Warn("uniqueness check failed", "candidate", candidate, "attempt", attempt, "error", err)
			continue
		}
		if taken {
			continue
		}
		return candidate, nil
	}

	if lastCheckErr != nil {
		return "", &Error{
			Code:    CodeUniquenessCheckFailed,
			Message: "could not verify identifier uniqueness",
			cause:   lastCheckErr,
		}
	}
	return "", &Error{
		Code:    CodeRetryExhausted,
		Message: fmt.Sprintf("no unique identifier found in %d attempts", maxRetries),
	}
}
