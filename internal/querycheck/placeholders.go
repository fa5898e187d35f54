package querycheck

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sqlx-go/sqlx/internal/migrate"
)

var (
	positionalPlaceholder = regexp.MustCompile(`\$(\d+)`)
	questionPlaceholder   = regexp.MustCompile(`\?`)
	sqlStringLiteral      = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlLineComment        = regexp.MustCompile(`--[^\n]*`)
)

// PlaceholderCount returns how many distinct bind parameters query
// references for engine: the highest $N for Postgres, the count of ?
// marks for MySQL/SQLite, per spec §4.I. Anything inside a string
// literal or a line comment is ignored first, so quoted text containing
// a literal "?" or "$1" is never mistaken for a placeholder.
func PlaceholderCount(query string, engine migrate.Engine) int {
	stripped := stripNoise(query)
	if engine == migrate.Postgres {
		max := 0
		for _, m := range positionalPlaceholder.FindAllStringSubmatch(stripped, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > max {
				max = n
			}
		}
		return max
	}
	return len(questionPlaceholder.FindAllString(stripped, -1))
}

func stripNoise(query string) string {
	query = sqlStringLiteral.ReplaceAllStringFunc(query, blank)
	return sqlLineComment.ReplaceAllStringFunc(query, blank)
}

func blank(s string) string { return strings.Repeat(" ", len(s)) }
