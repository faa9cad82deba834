package credential

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbhive/dbhive/internal/naming"
)

// DefaultFallbackAttempts bounds how many fallback candidates are tried.
const DefaultFallbackAttempts = 3

// Strategy names an alternate identifier-generation algorithm.
type Strategy string

const (
	// StrategySimplified drops the long human portion: timestamp plus a
	// short random suffix.
	StrategySimplified Strategy = "SIMPLIFIED"
	// StrategyTimestamp drops the human portion entirely.
	StrategyTimestamp Strategy = "TIMESTAMP_BASED"
	// StrategyUUID uses a 32-hex-char structured identifier.
	StrategyUUID Strategy = "UUID_BASED"
	// StrategyOffline is the simplified generator with the uniqueness
	// check skipped; only appropriate when the check itself is failing.
	StrategyOffline Strategy = "OFFLINE"
)

// FallbackConfig controls fallback dispatch.
type FallbackConfig struct {
	MaxAttempts    int
	OfflineEnabled bool
}

// strategiesFor is the dispatch table: which fallbacks are worth trying
// given the error class that defeated the primary strategy.
func (g *Generator) strategiesFor(code Code) []Strategy {
	switch code {
	case CodeInvalidProjectName:
		return []Strategy{StrategySimplified, StrategyTimestamp, StrategyUUID}
	case CodeRetryExhausted:
		return []Strategy{StrategyUUID, StrategyTimestamp}
	case CodeUniquenessCheckFailed:
		if g.fallback.OfflineEnabled {
			return []Strategy{StrategyOffline}
		}
		return []Strategy{StrategyUUID, StrategyTimestamp}
	default:
		all := []Strategy{StrategySimplified, StrategyTimestamp, StrategyUUID}
		if g.fallback.OfflineEnabled {
			all = append(all, StrategyOffline)
		}
		return all
	}
}

// GenerateWithFallback selects fallback strategies from the dispatch
// table keyed on the primary failure's error code and tries them in
// order, stopping at the first candidate that validates and is unique.
// The total number of candidates is bounded by MaxAttempts.
func (g *Generator) GenerateWithFallback(ctx context.Context, humanName string, kind naming.Kind, exclude map[string]struct{}, primaryErr error) (string, Strategy, error) {
	code := CodeOf(primaryErr)
	strategies := g.strategiesFor(code)

	exists := g.existsFor(kind)
	attempts := 0
	for _, strategy := range strategies {
		if attempts >= g.fallback.MaxAttempts {
			break
		}
		attempts++

		candidate, err := g.generateBy(strategy, humanName, kind)
		if err != nil {
			slog.Warn("fallback candidate generation failed",
				"strategy", strategy, "error", err)
			continue
		}
		if err := naming.Validate(candidate); err != nil {
			slog.Warn("fallback candidate rejected",
				"strategy", strategy, "candidate", candidate, "error", err)
			continue
		}
		if _, excluded := exclude[candidate]; excluded {
			continue
		}

		if strategy != StrategyOffline {
			taken, err := exists(ctx, candidate)
			if err != nil || taken {
				continue
			}
		}

		slog.Info("fallback strategy produced identifier",
			"strategy", strategy, "primary_error", string(code))
		return candidate, strategy, nil
	}

	return "", "", &Error{
		Code:    CodeAllStrategiesExhausted,
		Message: fmt.Sprintf("no fallback strategy succeeded after %d attempts", attempts),
		cause:   primaryErr,
	}
}

// generateBy builds one candidate with the named strategy. Every shape
// begins with the kind's fixed affix so downstream ownership conventions
// hold regardless of which strategy produced the name.
func (g *Generator) generateBy(strategy Strategy, humanName string, kind naming.Kind) (string, error) {
	prefix := "db_"
	if kind == naming.KindUser {
		prefix = "user_"
	}

	switch strategy {
	case StrategySimplified, StrategyOffline:
		suffix, err := naming.RandomSuffix(naming.SuffixLength)
		if err != nil {
			return "", err
		}
		ts := strconv.FormatInt(time.Now().Unix(), 36)
		return prefix + ts + "_" + suffix, nil

	case StrategyTimestamp:
		ts := strconv.FormatInt(time.Now().UnixNano(), 36)
		return prefix + "t" + ts, nil

	case StrategyUUID:
		hex := strings.ReplaceAll(uuid.New().String(), "-", "")
		return prefix + hex, nil
	}

	return "", fmt.Errorf("unknown strategy %q", strategy)
}
