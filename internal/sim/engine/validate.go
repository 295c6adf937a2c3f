package engine

import (
	"math"

	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/matrix"
)

// validate judges a corrected row. Failures come back as
// INVALID_MATRIX_UNCORRECTABLE turn errors; auto-correction has
// already absorbed everything the engine is willing to absorb.
func (e *Engine) validate(row []float64, in TurnInput) *protocol.TurnError {
	player := in.Player()
	propLo, propHi := e.mat.SectionBounds(matrix.SectionProposal)
	voteLo, voteHi := e.mat.SectionBounds(matrix.SectionVoteAllocation)
	reqLo, reqHi := e.mat.SectionBounds(matrix.SectionVoteRequest)

	prop := row[propLo:propHi]
	vote := row[voteLo:voteHi]
	req := row[reqLo:reqHi]

	if in.Eliminated {
		if !matrix.IsSentinelSection(prop) || !matrix.IsSentinelSection(req) {
			return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
				"eliminated row must have sentinel proposal and vote-request sections")
		}
		if vote[in.PlayerIndex] != 0 {
			return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
				"eliminated player allocated %.2f votes to itself", vote[in.PlayerIndex])
		}
	} else {
		if sum := matrix.SumSection(prop); math.Abs(sum-100) > sumTolValidate {
			return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
				"proposal section sums to %.2f", sum)
		}
		if self := prop[in.PlayerIndex]; self < selfFloorPct {
			return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
				"self allocation %.2f below floor %.0f", self, selfFloorPct)
		}
		for i, v := range req {
			if v < 0 || v > 100 {
				return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
					"vote-request[%d]=%.2f outside [0,100]", i, v)
			}
		}
		for i, v := range prop {
			if v < 0 || v > 100 {
				return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
					"proposal[%d]=%.2f outside [0,100]", i, v)
			}
		}
	}

	sum := matrix.SumSection(vote)
	if math.Abs(sum-100) > sumTolValidate {
		return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
			"vote allocation sums to %.2f", sum)
	}
	allZero := true
	for i, v := range vote {
		if v < 0 || v > 100 {
			return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
				"vote[%d]=%.2f outside [0,100]", i, v)
		}
		if v != 0 {
			allZero = false
		}
	}
	if allZero {
		return protocol.NewTurnError(protocol.ErrMatrixUncorrectable, player,
			"vote allocation is all zero")
	}
	return nil
}
