package source

import (
	"fmt"
	"strings"

	"github.com/colrep/colrep/model"
)

// BuildQuery renders the extraction statement for a resolved table. It is a
// pure function: projection in resolved column order, then a WHERE clause
// combining the user filter and the cursor predicate.
//
// An incremental table whose cursor expression has not been resolved is a
// configuration error, never a silently weaker query.
func BuildQuery(t *model.Table) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no resolved columns", t.Ident())
	}
	if t.Incremental() && t.CursorExpr == "" {
		return "", fmt.Errorf("table %s is configured for incremental loading but no cursor expression was resolved", t.Ident())
	}

	var projection = make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		projection = append(projection, col.Expr)
	}

	var query = fmt.Sprintf("SELECT %s FROM %s", strings.Join(projection, ", "), t.Ident())
	switch {
	case t.Filter != "" && t.CursorExpr != "":
		query += fmt.Sprintf(" WHERE (%s) AND (%s)", t.Filter, t.CursorExpr)
	case t.Filter != "":
		query += fmt.Sprintf(" WHERE (%s)", t.Filter)
	case t.CursorExpr != "":
		query += fmt.Sprintf(" WHERE (%s)", t.CursorExpr)
	}
	return query, nil
}
