package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/neurobench/trialctx/pkg/schema"
)

// paradigmSchemaJSON is the JSON Schema for ParadigmDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const paradigmSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://neurobench.dev/schemas/paradigm.json",
  "type": "object",
  "required": ["name", "parameters"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "parameters": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/parameter" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name", "expression"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "expression": {
          "type": "string",
          "minLength": 1
        },
        "label": { "type": "string" },
        "log": { "type": "boolean" },
        "dialect": {
          "type": "string",
          "enum": ["expr", "cel"]
        },
        "advance_when": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// DocumentValidator validates paradigm documents against the embedded JSON
// Schema (Draft 2020-12). Safe for concurrent use.
type DocumentValidator struct {
	paradigmSchema *jsonschema.Schema
}

// NewDocumentValidator creates a DocumentValidator with the paradigm schema
// pre-compiled.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(paradigmSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal paradigm schema: %w", err)
	}
	if err := c.AddResource("https://neurobench.dev/schemas/paradigm.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add paradigm schema resource: %w", err)
	}

	compiled, err := c.Compile("https://neurobench.dev/schemas/paradigm.json")
	if err != nil {
		return nil, fmt.Errorf("compile paradigm schema: %w", err)
	}

	return &DocumentValidator{paradigmSchema: compiled}, nil
}

// ValidateDocument validates raw JSON against the paradigm schema and
// decodes it into a ParadigmDefinition.
func (v *DocumentValidator) ValidateDocument(raw []byte) (*schema.ParadigmDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"paradigm document is not valid JSON").WithCause(err)
	}

	if err := v.paradigmSchema.Validate(doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"paradigm document is invalid: %s", err.Error()).WithCause(err)
	}

	var def schema.ParadigmDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"decode paradigm document").WithCause(err)
	}
	return &def, nil
}
