package config

import (
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the configuration document, for
// operators writing config files by hand.
func Schema() *jsonschema.Schema {
	// The library's default output wraps everything behind a top-level
	// $ref, which hurts readability for a hand-edited config file, so
	// both referencing behaviors are disabled.
	var reflector = jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var schema = reflector.ReflectFromType(reflect.TypeOf(Document{}))
	schema.Definitions = nil
	schema.Title = "Replication Run Configuration"
	return schema
}
