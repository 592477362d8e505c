package settings

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"const": 1},
    "settings": {
      "type": "object",
      "properties": {
        "storm_guard": {
          "type": "object",
          "properties": {
            "window_ms": {"type": "integer", "minimum": 1},
            "threshold": {"type": "integer", "minimum": 1},
            "cooldown_ms": {"type": "integer", "minimum": 1}
          }
        },
        "ring_buffer_capacity": {"type": "integer", "minimum": 1},
        "per_site_enabled": {
          "type": "object",
          "additionalProperties": {"type": "boolean"}
        }
      }
    },
    "rules": {"type": "array"}
  }
}`

const ruleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "pattern"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "pattern": {"type": "string", "minLength": 1},
    "match_kind": {"enum": ["", "substring", "regex", "expr"]},
    "field": {"enum": ["", "message", "stack", "source"]},
    "action": {"enum": ["", "ignore", "highlight"]},
    "scope": {"enum": ["", "global", "hostname"]},
    "hostname": {"type": "string"},
    "case_sensitive": {"type": "boolean"},
    "enabled": {"type": "boolean"}
  }
}`

var (
	schemaOnce     sync.Once
	documentSchema *jsonschema.Schema
	ruleSchema     *jsonschema.Schema
	schemaErr      error
)

func schemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		documentSchema, schemaErr = compileSchema("document.json", documentSchemaJSON)
		if schemaErr != nil {
			return
		}
		ruleSchema, schemaErr = compileSchema("rule.json", ruleSchemaJSON)
	})
	return documentSchema, ruleSchema, schemaErr
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return sch, nil
}
