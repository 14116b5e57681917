package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema constrains the outer envelope only. Payload shapes are
// enforced by the typed decoders; the schema keeps obviously broken
// frames out of the dispatch loop before any kind switch runs.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "timestamp"],
  "properties": {
    "kind": {"type": "string", "minLength": 1},
    "payload": {"type": "object"},
    "timestamp": {"type": "integer", "minimum": 0}
  }
}`

var compiledEnvelope = jsonschema.MustCompileString("envelope.schema.json", envelopeSchema)

// ValidateEnvelope checks that data is a structurally valid frame
// envelope. It does not require the kind to be known.
func ValidateEnvelope(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &DecodeError{Err: err}
	}
	if err := compiledEnvelope.Validate(doc); err != nil {
		return &DecodeError{Err: fmt.Errorf("envelope schema: %w", err)}
	}
	return nil
}
