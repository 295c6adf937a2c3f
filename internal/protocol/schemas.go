package protocol

import "github.com/santhosh-tekuri/jsonschema/v5"

// Schemas for the structured payloads the engine digs out of oracle
// text. Validation here is shape-only; numeric tolerance rules live
// in the engine.

const turnPayloadSchema = `{
  "type": "object",
  "properties": {
    "matrixRow": {
      "type": "array",
      "items": {"type": "number"},
      "minItems": 1
    },
    "explanation": {"type": "string"}
  },
  "required": ["matrixRow"]
}`

const blendPayloadSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"}
  },
  "required": ["name", "description"]
}`

var (
	// TurnPayloadSchema validates a negotiation-turn response body.
	TurnPayloadSchema = jsonschema.MustCompileString("turn_payload.json", turnPayloadSchema)

	// BlendPayloadSchema validates an evolution-blend response body.
	BlendPayloadSchema = jsonschema.MustCompileString("blend_payload.json", blendPayloadSchema)
)
