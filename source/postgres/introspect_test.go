package postgres

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/colrep/colrep/model"
)

func testSource() *Source {
	var logger = logrus.New()
	logger.SetOutput(io.Discard)
	return &Source{
		logger: logrus.NewEntry(logger),
		keywords: map[string]struct{}{
			"select": {},
			"order":  {},
			"from":   {},
		},
	}
}

func TestEscapeIdentifier(t *testing.T) {
	var s = testSource()

	require.Equal(t, `"select"`, s.escapeIdentifier("select"))
	require.Equal(t, `"SELECT"`, s.escapeIdentifier("SELECT")) // Reserved words match case-insensitively.
	require.Equal(t, "order_id", s.escapeIdentifier("order_id"))
	require.Equal(t, `"first name"`, s.escapeIdentifier("first name"))
	require.Equal(t, `"a;b"`, s.escapeIdentifier("a;b"))
	require.Equal(t, "plain", s.escapeIdentifier("plain"))
}

func TestEscapeIdentifierEmbeddedQuotes(t *testing.T) {
	var s = testSource()

	// A column whose name contains double quotes is quoted with the embedded
	// quotes doubled, never passed through as if it were already escaped.
	require.Equal(t, `"""x"""`, s.escapeIdentifier(`"x"`))
	require.Equal(t, `"a""b"`, s.escapeIdentifier(`a"b`))
}

func TestCursorExpression(t *testing.T) {
	var s = testSource()

	var expr = s.cursorExpression(&model.Cursor{Field: "id", Operator: ">", Value: json.Number("100")})
	require.Equal(t, `"id" > 100`, expr)

	expr = s.cursorExpression(&model.Cursor{Field: "updated_at", Operator: ">=", Value: "2026-01-01"})
	require.Equal(t, `"updated_at" >= '2026-01-01'`, expr)

	// String values are escaped, not trusted.
	expr = s.cursorExpression(&model.Cursor{Field: "name", Operator: ">", Value: "o'hare"})
	require.Equal(t, `"name" > 'o''hare'`, expr)

	// The xid pseudo-column must be compared through an integer cast of xmin.
	expr = s.cursorExpression(&model.Cursor{Field: "xid", Operator: ">", Value: json.Number("731")})
	require.Equal(t, "xmin::text::bigint > 731", expr)
}

func TestPrescanQuery(t *testing.T) {
	var tbl = &model.Table{
		Namespace: "public",
		Name:      "events",
		Columns:   []model.Column{{Expr: "id"}},
	}

	query, err := prescanQuery(tbl)
	require.NoError(t, err)
	require.Equal(t, "SELECT COUNT(*), -1 FROM public.events", query)

	tbl.Filter = "active = true"
	query, err = prescanQuery(tbl)
	require.NoError(t, err)
	require.Equal(t, "SELECT COUNT(*), -1 FROM public.events WHERE (active = true)", query)

	tbl.Cursor = &model.Cursor{Field: "id", Operator: ">", Value: json.Number("100")}
	tbl.CursorExpr = `"id" > 100`
	query, err = prescanQuery(tbl)
	require.NoError(t, err)
	require.Equal(t, `SELECT COUNT(*), max("id") FROM public.events WHERE ("id" > 100) AND (active = true)`, query)

	tbl.Cursor = &model.Cursor{Field: "xid", Operator: ">", Value: json.Number("731")}
	tbl.CursorExpr = "xmin::text::bigint > 731"
	query, err = prescanQuery(tbl)
	require.NoError(t, err)
	require.Equal(t, "SELECT COUNT(*), max(xmin::text::bigint) FROM public.events WHERE (xmin::text::bigint > 731) AND (active = true)", query)
}

func TestPrescanQueryUnresolvedCursor(t *testing.T) {
	var tbl = &model.Table{
		Namespace: "public",
		Name:      "events",
		Cursor:    &model.Cursor{Field: "id", Operator: ">", Value: json.Number("100")},
	}
	var _, err = prescanQuery(tbl)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no cursor expression")
}
