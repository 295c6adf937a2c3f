package engine

import (
	"fmt"
	"math"

	"potsplit.ai/internal/sim/matrix"
)

// Numeric guardrails applied before validation. The floor used here
// (17) is deliberately higher than the one validation enforces (10);
// correction aims for a profitable share, validation only rejects
// clearly self-harming rows.
const (
	profitFloorPct     = 17.0
	selfFloorPct       = 10.0
	sumTolValidate     = 3.0
	sumTolPhase        = 5.0
	rescaleTolProposal = 0.5
	rescaleTolVote     = 0.1
)

// autoCorrect repairs common numeric drift in a raw row, in place.
// It returns human-readable notes of what it changed.
func (e *Engine) autoCorrect(row []float64, in TurnInput) []string {
	n := e.mat.PlayerCount()
	players := e.mat.Players()
	var notes []string

	propLo, propHi := e.mat.SectionBounds(matrix.SectionProposal)
	voteLo, voteHi := e.mat.SectionBounds(matrix.SectionVoteAllocation)
	reqLo, reqHi := e.mat.SectionBounds(matrix.SectionVoteRequest)

	if in.Eliminated {
		// Dead sections are pinned; only the vote allocation stays live.
		for i := propLo; i < propHi; i++ {
			row[i] = matrix.Sentinel
		}
		for i := reqLo; i < reqHi; i++ {
			row[i] = matrix.Sentinel
		}
		notes = append(notes, "pinned dead sections to sentinel")
	} else {
		// Self-share floor: raise to the profit floor and take the
		// deficit proportionally from the other active entries.
		self := propLo + in.PlayerIndex
		if row[self] < profitFloorPct {
			deficit := profitFloorPct - row[self]
			row[self] = profitFloorPct

			var othersSum float64
			for j := 0; j < n; j++ {
				if j == in.PlayerIndex || !in.Active[players[j]] {
					continue
				}
				othersSum += math.Max(row[propLo+j], 0)
			}
			if othersSum > 0 {
				for j := 0; j < n; j++ {
					if j == in.PlayerIndex || !in.Active[players[j]] {
						continue
					}
					cut := deficit * math.Max(row[propLo+j], 0) / othersSum
					row[propLo+j] = math.Max(row[propLo+j]-cut, 0)
				}
			}
			notes = append(notes, fmt.Sprintf("raised self share to %.0f%%", profitFloorPct))
		}

		// Rescale the proposal section to sum 100, residual on the
		// first entry.
		if fixed := rescaleSection(row[propLo:propHi], rescaleTolProposal, 0); fixed {
			notes = append(notes, "rescaled proposal section to 100")
		}
	}

	// Vote allocation rescales for everyone, residual on the largest
	// entry.
	if fixed := rescaleSection(row[voteLo:voteHi], rescaleTolVote, largestIndex(row[voteLo:voteHi])); fixed {
		notes = append(notes, "rescaled vote allocation to 100")
	}

	// Clamp everything that is not a sentinel.
	clamped := false
	for i := range row {
		if row[i] == matrix.Sentinel {
			continue
		}
		if row[i] < 0 {
			row[i] = 0
			clamped = true
		} else if row[i] > 100 {
			row[i] = 100
			clamped = true
		}
	}
	if clamped {
		notes = append(notes, "clamped values into [0,100]")
	}

	return notes
}

// rescaleSection multiplies the section so it sums to 100 and pushes
// the rounding residual onto residualIdx. A zero or sentinel section
// is left alone for validation to judge.
func rescaleSection(sec []float64, tol float64, residualIdx int) bool {
	if matrix.IsSentinelSection(sec) {
		return false
	}
	sum := matrix.SumSection(sec)
	if sum <= 0 || math.Abs(sum-100) <= tol {
		return false
	}
	ratio := 100 / sum
	for i := range sec {
		sec[i] = math.Round(sec[i]*ratio*100) / 100
	}
	if residualIdx >= 0 && residualIdx < len(sec) {
		residual := 100 - matrix.SumSection(sec)
		sec[residualIdx] = math.Round((sec[residualIdx]+residual)*100) / 100
	}
	return true
}

func largestIndex(sec []float64) int {
	best := 0
	for i := range sec {
		if sec[i] > sec[best] {
			best = i
		}
	}
	return best
}
