package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/iceberg-go"
	"github.com/sirupsen/logrus"

	"github.com/colrep/colrep/model"
)

// Ordered column metadata for one table, as reported by the catalog.
const columnCatalogQuery = `
SELECT column_name, udt_name, is_nullable,
       COALESCE(numeric_precision, 0), COALESCE(numeric_scale, 0), COALESCE(datetime_precision, 0)
  FROM information_schema.columns
 WHERE table_schema = $1 AND table_name = $2%s
 ORDER BY ordinal_position`

// Resolve expands the table's requested columns against
// information_schema.columns, applies identifier escaping and the type
// mapping table, derives the canonical schema, and computes the cursor
// predicate for incremental tables.
//
// A catalog failure leaves the table unresolved; it must not proceed to
// extraction.
func (s *Source) Resolve(ctx context.Context, t *model.Table) error {
	var logger = s.logger.WithField("table", t.Ident())

	var query string
	var args = []any{t.Namespace, t.Name}
	if t.Wildcard() {
		query = fmt.Sprintf(columnCatalogQuery, "")
	} else {
		var names = make([]string, 0, len(t.Columns))
		for _, col := range t.Columns {
			names = append(names, col.Expr)
		}
		query = fmt.Sprintf(columnCatalogQuery, " AND column_name = ANY($3)")
		args = append(args, names)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error querying catalog for %s: %w", t.Ident(), err)
	}
	defer rows.Close()

	var columns []model.Column
	var fields []iceberg.NestedField
	for rows.Next() {
		var name, udtName, isNullable string
		var precision, scale, datetimePrecision int
		if err := rows.Scan(&name, &udtName, &isNullable, &precision, &scale, &datetimePrecision); err != nil {
			return fmt.Errorf("error scanning catalog row for %s: %w", t.Ident(), err)
		}

		var escaped = s.escapeIdentifier(name)
		var mapped = mapColumnType(escaped, udtName, precision, scale)
		if mapped.Lossy {
			logger.WithFields(logrus.Fields{
				"column": name,
				"type":   udtName,
			}).Warn("unsupported column type, falling back to text")
		}

		columns = append(columns, model.Column{Expr: mapped.Expr, SourceType: udtName})
		fields = append(fields, iceberg.NestedField{
			ID:       len(fields) + 1,
			Name:     name,
			Type:     mapped.Type,
			Required: strings.EqualFold(isNullable, "NO"),
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error listing catalog columns for %s: %w", t.Ident(), err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("no catalog columns found for %s", t.Ident())
	}

	// Merge keys become the schema's identifier fields when they resolve.
	var identifiers []int
	for _, key := range t.Target.Keys {
		for _, f := range fields {
			if f.Name == key {
				identifiers = append(identifiers, f.ID)
			}
		}
	}

	t.Columns = columns
	t.Schema = iceberg.NewSchemaWithIdentifiers(0, identifiers, fields...)

	if t.Incremental() {
		t.CursorExpr = s.cursorExpression(t.Cursor)
		logger.WithField("cursor", t.CursorExpr).Debug("resolved cursor expression")
	}

	logger.WithField("columns", len(columns)).Debug("resolved table schema")
	return nil
}

// cursorExpression renders the incremental predicate from the configured
// cursor descriptor. The `xid` pseudo-column compares transaction visibility
// order and has no native comparison operator, so it is compared by way of a
// text-to-bigint cast of xmin.
func (s *Source) cursorExpression(c *model.Cursor) string {
	if c.Field == "xid" {
		return fmt.Sprintf("xmin::text::bigint %s %s", c.Operator, literal(c.Value))
	}
	return fmt.Sprintf(`"%s" %s %s`, c.Field, c.Operator, literal(c.Value))
}

// cursorMaxExpression is the aggregate used by the pre-scan to compute the
// next high-water mark for the cursor field.
func cursorMaxExpression(c *model.Cursor) string {
	if c.Field == "xid" {
		return "max(xmin::text::bigint)"
	}
	return fmt.Sprintf(`max("%s")`, c.Field)
}

// literal renders a cursor value as a SQL literal. Strings are quoted;
// numbers and booleans are emitted as-is.
func literal(v any) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return fmt.Sprintf("%v", v)
}

// prescanQuery builds the count/high-water-mark statement scoped by the same
// filter and cursor predicate as the extraction query.
func prescanQuery(t *model.Table) (string, error) {
	if t.Incremental() {
		if t.CursorExpr == "" {
			return "", fmt.Errorf("table %s is configured for incremental loading but no cursor expression was resolved", t.Ident())
		}
		var query = fmt.Sprintf("SELECT COUNT(*), %s FROM %s WHERE (%s)",
			cursorMaxExpression(t.Cursor), t.Ident(), t.CursorExpr)
		if t.Filter != "" {
			query += fmt.Sprintf(" AND (%s)", t.Filter)
		}
		return query, nil
	}

	var query = fmt.Sprintf("SELECT COUNT(*), -1 FROM %s", t.Ident())
	if t.Filter != "" {
		query += fmt.Sprintf(" WHERE (%s)", t.Filter)
	}
	return query, nil
}

// prescan runs the count query and reports the matching row count along with
// the proposed new cursor value (nil when there is none to propose).
func (s *Source) prescan(ctx context.Context, t *model.Table) (int64, any, error) {
	var query, err = prescanQuery(t)
	if err != nil {
		return 0, nil, err
	}
	s.logger.WithFields(logrus.Fields{"table": t.Ident(), "query": query}).Debug("running pre-scan query")

	var count int64
	var target any
	if err := s.db.QueryRowContext(ctx, query).Scan(&count, &target); err != nil {
		return 0, nil, fmt.Errorf("error running pre-scan for %s: %w", t.Ident(), err)
	}
	if !t.Incremental() || count == 0 {
		target = nil
	}
	if b, ok := target.([]byte); ok {
		target = string(b)
	}
	return count, target, nil
}
