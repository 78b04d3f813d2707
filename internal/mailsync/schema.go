package mailsync

import (
	"bytes"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frameSchemaURL = "https://schemas.relaymail.dev/frame.json"

// frameSchema covers the structural shape of every inbound frame. Field-level
// normalization happens in the decoder; the schema only rejects frames the
// decoder could not read without guessing.
const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "event"}}},
      "then": {
        "required": ["event_type"],
        "properties": {
          "event_type": {"type": "string", "minLength": 1},
          "message": {"$ref": "#/$defs/message"},
          "task": {"$ref": "#/$defs/task"}
        }
      }
    }
  ],
  "$defs": {
    "address": {"type": ["string", "array", "null"], "items": {"type": "string"}},
    "timestamp": {"type": ["string", "number"]},
    "message": {
      "type": "object",
      "required": ["message_id", "timestamp"],
      "properties": {
        "message_id": {"type": "string", "minLength": 1},
        "inbox_id": {"type": "string"},
        "thread_id": {"type": "string"},
        "from": {"$ref": "#/$defs/address"},
        "to": {"$ref": "#/$defs/address"},
        "subject": {"type": ["string", "null"]},
        "preview": {"type": ["string", "null"]},
        "timestamp": {"$ref": "#/$defs/timestamp"},
        "labels": {"type": ["string", "array", "null"], "items": {"type": "string"}}
      }
    },
    "task": {
      "type": "object",
      "required": ["task_id"],
      "anyOf": [{"required": ["revision"]}, {"required": ["updated_at"]}],
      "properties": {
        "task_id": {"type": "string", "minLength": 1},
        "type": {"type": "string"},
        "status": {"type": "string"},
        "title": {"type": "string"},
        "data": {"type": ["object", "null"]},
        "revision": {"type": "integer"},
        "updated_at": {"$ref": "#/$defs/timestamp"}
      }
    }
  }
}`

type schemas struct {
	frame   *jsonschema.Schema
	message *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, err
	}
	frame, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, err
	}
	message, err := compiler.Compile(frameSchemaURL + "#/$defs/message")
	if err != nil {
		return nil, err
	}
	return &schemas{frame: frame, message: message}, nil
}

func validateJSON(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
