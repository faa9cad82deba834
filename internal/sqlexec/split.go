package sqlexec

import "strings"

// Split breaks a SQL script into top-level statements on ';', skipping
// separators inside single-quoted strings (with '' escaping), double-quoted
// identifiers (with "" escaping), dollar-quoted blocks ($tag$...$tag$),
// line comments (-- to end of line), and block comments (/* ... */,
// non-nesting). Empty statements are dropped.
func Split(sql string) []string {
	var (
		stmts []string
		buf   strings.Builder
	)

	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]

		switch {
		case c == '\'':
			j := scanQuoted(sql, i, '\'')
			buf.WriteString(sql[i:j])
			i = j

		case c == '"':
			j := scanQuoted(sql, i, '"')
			buf.WriteString(sql[i:j])
			i = j

		case c == '$':
			if tag, ok := dollarTag(sql[i:]); ok {
				j := i + len(tag)
				end := strings.Index(sql[j:], tag)
				if end < 0 {
					// Unterminated dollar quote: consume the rest.
					buf.WriteString(sql[i:])
					i = n
				} else {
					j += end + len(tag)
					buf.WriteString(sql[i:j])
					i = j
				}
			} else {
				buf.WriteByte(c)
				i++
			}

		case c == '-' && i+1 < n && sql[i+1] == '-':
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				i = n
			} else {
				i += j // keep the newline as statement whitespace
			}

		case c == '/' && i+1 < n && sql[i+1] == '*':
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				i = n
			} else {
				i += j + 4
			}
			// A comment separates tokens like whitespace does.
			if i < n && !isSpace(sql[i]) {
				if s := buf.String(); s != "" && !isSpace(s[len(s)-1]) {
					buf.WriteByte(' ')
				}
			}

		case c == ';':
			flush()
			i++

		default:
			buf.WriteByte(c)
			i++
		}
	}
	flush()

	return stmts
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// scanQuoted returns the index just past a quoted region starting at
// sql[start] (which must be the opening quote). A doubled quote is an
// escape, not a terminator.
func scanQuoted(sql string, start int, quote byte) int {
	i := start + 1
	n := len(sql)
	for i < n {
		if sql[i] == quote {
			if i+1 < n && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

// dollarTag reports whether s begins a dollar-quote delimiter ($$ or
// $tag$) and returns the full delimiter.
func dollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == '$' {
			return s[:i+1], true
		}
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(i > 1 && c >= '0' && c <= '9')) {
			return "", false
		}
	}
	return "", false
}
