package postgres

import (
	"fmt"

	"github.com/apache/iceberg-go"
)

// mapping is the result of translating one catalog column: the canonical
// columnar type, the rewritten source expression to select, and whether the
// translation is a lossy text fallback.
type mapping struct {
	Type  iceberg.Type
	Expr  string
	Lossy bool
}

// Directly representable types, keyed by udt_name. Everything else goes
// through a family rule below.
var exactTypes = map[string]iceberg.Type{
	"bool":    iceberg.BooleanType{},
	"int2":    iceberg.Int32Type{},
	"int4":    iceberg.Int32Type{},
	"int8":    iceberg.Int64Type{},
	"float4":  iceberg.Float32Type{},
	"float8":  iceberg.Float64Type{},
	"text":    iceberg.StringType{},
	"varchar": iceberg.StringType{},
	"bpchar":  iceberg.StringType{},
	"char":    iceberg.StringType{},
	"name":    iceberg.StringType{},
}

// Precision/scale fallback for unconstrained `numeric` columns, for which the
// catalog reports NULL precision and scale.
const (
	defaultNumericPrecision = 38
	defaultNumericScale     = 18
)

// mapColumnType resolves a catalog column into its canonical type and source
// expression. The column name must already be escaped for use in SQL. Pure
// function with deterministic output for every udt_name.
func mapColumnType(escaped, udtName string, precision, scale int) mapping {
	if type_, ok := exactTypes[udtName]; ok {
		return mapping{Type: type_, Expr: escaped}
	}

	var castText = fmt.Sprintf("%s::text AS %s", escaped, escaped)

	switch udtName {
	case "bit", "varbit", "bytea", "uuid", "json", "jsonb", "xml":
		return mapping{Type: iceberg.StringType{}, Expr: castText}
	case "money":
		return mapping{
			Type: iceberg.DecimalTypeOf(21, 4),
			Expr: fmt.Sprintf("%s::numeric(21,4) AS %s", escaped, escaped),
		}
	case "numeric":
		if precision <= 0 {
			precision, scale = defaultNumericPrecision, defaultNumericScale
		}
		return mapping{Type: iceberg.DecimalTypeOf(precision, scale), Expr: escaped}
	case "date":
		// TODO(schema): represent dates as a temporal canonical type rather
		// than formatted text once destination stores agree on a calendar
		// encoding.
		return mapping{
			Type: iceberg.StringType{},
			Expr: fmt.Sprintf("to_char(%s, 'YYYY-MM-DD') AS %s", escaped, escaped),
		}
	case "time", "timetz", "timestamp", "timestamptz":
		return mapping{
			Type: iceberg.StringType{},
			Expr: fmt.Sprintf("to_char(%s, 'YYYY-MM-DD HH24:MI:SS.US') AS %s", escaped, escaped),
		}
	case "interval":
		return mapping{Type: iceberg.StringType{}, Expr: castText}
	}

	// Unknown types degrade to text. This is a warning, not an error.
	return mapping{Type: iceberg.StringType{}, Expr: castText, Lossy: true}
}
