package sqlutil

import (
	"strconv"
	"strings"
)

// Dialect selects the bind-parameter style of the target database.
type Dialect int

const (
	// Postgres uses $1, $2, ... placeholders.
	Postgres Dialect = iota
	// SQLite uses positional ? placeholders.
	SQLite
)

// ParseDialect maps a driver name to its dialect. Unknown names default to Postgres.
func ParseDialect(driver string) Dialect {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite
	default:
		return Postgres
	}
}

// Rebind rewrites a query written with $N placeholders for the dialect. Placeholders
// must appear in ascending order and each at most once.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}

	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		if _, err := strconv.Atoi(query[i+1 : j]); err != nil {
			b.WriteString(query[i:j])
		} else {
			b.WriteByte('?')
		}
		i = j - 1
	}
	return b.String()
}
