package sqlcompile

import "strings"

// SQLiteDialect targets the embedded backend (modernc.org/sqlite),
// extracting JSON fields with json_extract and binding placeholders
// positionally with '?'.
type SQLiteDialect struct{}

func (SQLiteDialect) JSONPath(path []string) string {
	var sb strings.Builder
	sb.WriteString("json_extract(payload, '$")
	for _, seg := range path {
		sb.WriteByte('.')
		sb.WriteString(seg)
	}
	sb.WriteString("')")
	return sb.String()
}

func (SQLiteDialect) CastNumeric(sqlExpr string) string {
	return "CAST(" + sqlExpr + " AS REAL)"
}

func (SQLiteDialect) Placeholder(int) string { return "?" }
