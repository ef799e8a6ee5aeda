package sqlcompile

import (
	"fmt"
	"strings"
)

// PostgresDialect targets the networked backend (jackc/pgx), extracting
// JSON fields with the ->/->> operator chain and binding placeholders
// as $N.
type PostgresDialect struct{}

func (PostgresDialect) JSONPath(path []string) string {
	var sb strings.Builder
	sb.WriteString("payload")
	for i, seg := range path {
		if i == len(path)-1 {
			sb.WriteString("->>")
		} else {
			sb.WriteString("->")
		}
		sb.WriteByte('\'')
		sb.WriteString(strings.ReplaceAll(seg, "'", "''"))
		sb.WriteByte('\'')
	}
	return sb.String()
}

func (PostgresDialect) CastNumeric(sqlExpr string) string {
	return "(" + sqlExpr + ")::double precision"
}

func (PostgresDialect) Placeholder(argIndex int) string {
	return fmt.Sprintf("$%d", argIndex)
}
