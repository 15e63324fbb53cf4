package duckdb

import (
	"fmt"
	"strings"

	"github.com/apache/iceberg-go"

	"github.com/colrep/colrep/tablestore"
)

// columnDDL translates a canonical column type into its DuckDB type.
// Decimal types carry their precision and scale, so those are matched
// on the type-string prefix rather than the exact string.
func columnDDL(typ iceberg.Type) string {
	var s = typ.String()
	switch s {
	case "boolean":
		return "BOOLEAN"
	case "int":
		return "INTEGER"
	case "long":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "double":
		return "DOUBLE"
	case "string":
		return "VARCHAR"
	case "binary":
		return "BLOB"
	case "date":
		return "DATE"
	case "time":
		return "TIME"
	case "timestamp":
		return "TIMESTAMP"
	case "timestamptz":
		return "TIMESTAMP WITH TIME ZONE"
	case "uuid":
		return "UUID"
	}
	if dec, ok := typ.(iceberg.DecimalType); ok {
		return fmt.Sprintf("DECIMAL(%d,%d)", dec.Precision(), dec.Scale())
	}
	return "VARCHAR"
}

func createTableStatement(id tablestore.Ident, schema *iceberg.Schema) string {
	var defs []string
	for _, f := range schema.Fields() {
		var def = fmt.Sprintf("%s %s", quoteIdentifier(f.Name), columnDDL(f.Type))
		if f.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", qualifiedName(id), strings.Join(defs, ", "))
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualifiedName(id tablestore.Ident) string {
	return quoteIdentifier(id.Namespace) + "." + quoteIdentifier(id.Name)
}
