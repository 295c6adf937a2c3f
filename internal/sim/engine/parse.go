package engine

import (
	"encoding/json"

	"potsplit.ai/internal/protocol"
)

// turnPayload is the structured object the engine digs out of the
// oracle's free text.
type turnPayload struct {
	MatrixRow   []float64 `json:"matrixRow"`
	Explanation string    `json:"explanation"`
}

// parseTurn extracts and shape-checks a turn payload. A sequence one
// element short is padded with a trailing zero; one element long is
// trimmed. Any other length mismatch is a hard parse failure.
func parseTurn(text string, wantLen int, player string) (turnPayload, bool, error) {
	raw, ok := protocol.ExtractJSONObject(text)
	if !ok {
		return turnPayload{}, false, protocol.NewTurnError(protocol.ErrParsing, player,
			"no JSON object in oracle response (%d bytes)", len(text))
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return turnPayload{}, false, protocol.NewTurnError(protocol.ErrParsing, player,
			"payload not valid JSON: %v", err)
	}
	if err := protocol.TurnPayloadSchema.Validate(generic); err != nil {
		return turnPayload{}, false, protocol.NewTurnError(protocol.ErrParsing, player,
			"payload shape: %v", err)
	}

	var p turnPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return turnPayload{}, false, protocol.NewTurnError(protocol.ErrParsing, player,
			"payload decode: %v", err)
	}

	lengthFixed := false
	switch len(p.MatrixRow) {
	case wantLen:
	case wantLen - 1:
		p.MatrixRow = append(p.MatrixRow, 0)
		lengthFixed = true
	case wantLen + 1:
		p.MatrixRow = p.MatrixRow[:wantLen]
		lengthFixed = true
	default:
		return turnPayload{}, false, protocol.NewTurnError(protocol.ErrParsing, player,
			"matrixRow has %d values, want %d", len(p.MatrixRow), wantLen)
	}
	return p, lengthFixed, nil
}
