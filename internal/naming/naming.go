// Package naming validates, sanitizes, and generates Postgres identifiers
// (database names and role names) for tenant provisioning.
package naming

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the Postgres limit for unquoted identifiers.
const MaxIdentifierLength = 63

// SuffixLength is the number of random characters appended to generated names.
const SuffixLength = 4

// suffixAlphabet is the base-36 alphabet used for random suffixes.
const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// placeholder is used when sanitization leaves nothing usable.
const placeholder = "proj"

// ErrorCode classifies naming validation failures.
type ErrorCode string

const (
	CodeEmpty      ErrorCode = "EMPTY"
	CodeTooLong    ErrorCode = "TOO_LONG"
	CodeBadPattern ErrorCode = "BAD_PATTERN"
	CodeReserved   ErrorCode = "RESERVED"
)

// Error is a naming validation failure with a closed code set.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("naming: %s: %s", e.Code, e.Message)
}

// Kind selects the affix scheme for generated identifiers.
type Kind int

const (
	// KindDatabase generates names shaped db_<name>_<suffix>.
	KindDatabase Kind = iota
	// KindUser generates names shaped user_<name>_<suffix>.
	KindUser
)

func (k Kind) String() string {
	if k == KindUser {
		return "user"
	}
	return "database"
}

func (k Kind) prefix() string {
	if k == KindUser {
		return "user_"
	}
	return "db_"
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved holds names that must never be created or dropped: engine
// templates plus product-owned schema owners.
var reserved = map[string]struct{}{
	"postgres":  {},
	"template0": {},
	"template1": {},
	"dbhive":    {},
	"admin":     {},
	"auth":      {},
	"storage":   {},
}

// Validate checks a name against the engine identifier rules. It returns
// nil for a usable name or an *Error with a closed code.
func Validate(name string) error {
	if name == "" {
		return &Error{Code: CodeEmpty, Message: "name must not be empty"}
	}
	if len(name) > MaxIdentifierLength {
		return &Error{
			Code:    CodeTooLong,
			Message: fmt.Sprintf("name exceeds %d characters", MaxIdentifierLength),
		}
	}
	if !namePattern.MatchString(name) {
		return &Error{
			Code:    CodeBadPattern,
			Message: "name must start with a lowercase letter and contain only [a-z0-9_]",
		}
	}
	if _, ok := reserved[name]; ok {
		return &Error{Code: CodeReserved, Message: fmt.Sprintf("%q is reserved", name)}
	}
	return nil
}

// IsValid reports whether Validate accepts the name.
func IsValid(name string) bool {
	return Validate(name) == nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Sanitize lowercases the input, collapses runs of non-alphanumeric
// characters to single underscores, strips leading/trailing underscores,
// prefixes "p_" when the result starts with a digit, and falls back to a
// fixed placeholder when nothing survives. Sanitize is idempotent.
func Sanitize(input string) string {
	s := strings.ToLower(input)
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return placeholder
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "p_" + s
	}
	return s
}

// Generate builds a fresh identifier from a human-supplied name: sanitize,
// truncate the human portion to fit within the engine length bound, and
// append an underscore plus a random base-36 suffix. The suffix is never
// truncated; only the human portion is.
func Generate(humanName string, kind Kind) (string, error) {
	human := Sanitize(humanName)

	affixLen := len(kind.prefix()) + 1 + SuffixLength
	maxHuman := MaxIdentifierLength - affixLen
	if len(human) > maxHuman {
		human = strings.TrimRight(human[:maxHuman], "_")
	}

	suffix, err := RandomSuffix(SuffixLength)
	if err != nil {
		return "", err
	}

	name := kind.prefix() + human + "_" + suffix
	if err := Validate(name); err != nil {
		return "", err
	}
	return name, nil
}

// RandomSuffix returns n characters drawn uniformly from the base-36
// alphabet using a cryptographically secure source. Generated identifiers
// must not be guessable, so math/rand is not acceptable here.
func RandomSuffix(n int) (string, error) {
	max := big.NewInt(int64(len(suffixAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random suffix: %w", err)
		}
		b[i] = suffixAlphabet[idx.Int64()]
	}
	return string(b), nil
}
