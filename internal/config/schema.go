// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the config file schema.
const SchemaID = "https://authcore.dev/schemas/config.schema.json"

// durationPattern accepts time.ParseDuration input such as "15m" or "1h30m".
const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// GenerateSchema returns the JSON Schema of the YAML config file. Every key is
// optional and unknown keys are rejected.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:               "koanf",
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeFor[time.Duration]() {
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     durationPattern,
					Description: "Go duration, e.g. 15m or 1h30m",
				}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Authcore configuration"
	schema.Description = "Schema for authcore YAML config files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Code("CONFIG_SCHEMA_FAILED").With("operation", "marshal schema").Wrap(err)
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	data, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.Code("CONFIG_SCHEMA_FAILED").With("operation", "parse schema").Wrap(err)
	}
	c := jschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, oops.Code("CONFIG_SCHEMA_FAILED").With("operation", "add schema resource").Wrap(err)
	}
	sch, err := c.Compile("config.schema.json")
	if err != nil {
		return nil, oops.Code("CONFIG_SCHEMA_FAILED").With("operation", "compile schema").Wrap(err)
	}
	return sch, nil
})

// ValidateDocument checks raw YAML against the config schema. An empty
// document is valid.
func ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "parse yaml").Wrap(err)
	}
	if doc == nil {
		return nil
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return oops.Code("CONFIG_INVALID").With("operation", "schema validation").Wrap(err)
	}
	return nil
}

// toJSONTypes converts yaml.v3 output into values the validator understands.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	case int:
		return json.Number(strconv.Itoa(val))
	case int64:
		return json.Number(strconv.FormatInt(val, 10))
	case uint64:
		return json.Number(strconv.FormatUint(val, 10))
	case float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return val
	}
}
