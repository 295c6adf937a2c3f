package engine

import (
	"fmt"
	"sort"
	"strings"

	"potsplit.ai/internal/sim/matrix"
)

// Phase selects the emphasis of the generated prompt. The wire shape
// of the expected answer is identical in every phase: a full matrix
// row plus an optional explanation.
type Phase string

const (
	PhaseNegotiation Phase = "negotiation"
	PhaseProposal    Phase = "proposal"
	PhaseVoting      Phase = "voting"
)

const roleText = "You are a negotiation agent in a recurring resource-split game. " +
	"You respond with a single JSON object and nothing else."

func (e *Engine) buildPrompt(in TurnInput) string {
	players := e.mat.Players()
	n := len(players)
	grid := e.mat.Snapshot()

	var b strings.Builder

	fmt.Fprintf(&b, "GAME: %d players split a pool of %d coins. Entry fee per player: %d coins.\n",
		n, n*e.entryFee, e.entryFee)
	fmt.Fprintf(&b, "You are player %q (position %d of %d). Round %d", in.Player(), in.PlayerIndex, n, in.Round)
	if in.Phase == PhaseNegotiation {
		fmt.Fprintf(&b, ", negotiation sub-round %d", in.SubRound)
	}
	b.WriteString(".\n\n")

	b.WriteString("YOUR STRATEGY:\n")
	b.WriteString(strings.TrimSpace(in.StrategyText))
	b.WriteString("\n\n")

	if in.Eliminated {
		b.WriteString("STATUS: You are ELIMINATED. Your proposal and vote-request sections are dead " +
			"and must contain only the value -1. You still vote: your vote-allocation section must " +
			"sum to 100, with 0 allocated to yourself.\n\n")
	} else {
		b.WriteString("STATUS: You are ACTIVE.\n\n")
	}

	fmt.Fprintf(&b, "MATRIX LAYOUT: each row has %d numbers in three sections of %d:\n", 3*n, n)
	fmt.Fprintf(&b, "  [0..%d]   proposal: your proposed percentage of the pool for each player, must sum to 100\n", n-1)
	fmt.Fprintf(&b, "  [%d..%d]  vote-allocation: 100 points spread across the standing proposals\n", n, 2*n-1)
	fmt.Fprintf(&b, "  [%d..%d] vote-request: the votes you ask each player for\n", 2*n, 3*n-1)
	b.WriteString("Player order in every section: ")
	b.WriteString(strings.Join(players, ", "))
	b.WriteString("\n\n")

	b.WriteString("CURRENT MATRIX:\n")
	for i, row := range grid {
		status := "active"
		if !in.Active[players[i]] {
			status = "eliminated"
		}
		fmt.Fprintf(&b, "  %-24s (%s): %s\n", players[i], status, formatRow(row))
	}
	b.WriteString("\n")

	b.WriteString(e.profitabilityDigest(grid, players, in))

	switch in.Phase {
	case PhaseProposal:
		b.WriteString("PHASE: FINAL PROPOSAL. Your proposal section is about to be put to a vote. " +
			"Make it the split you actually want ratified.\n")
	case PhaseVoting:
		b.WriteString("PHASE: VOTING. Your vote-allocation section decides which standing proposal " +
			"wins. Allocate all 100 points.\n")
	default:
		b.WriteString("PHASE: NEGOTIATION. Adjust any of your sections to improve your position.\n")
	}

	fmt.Fprintf(&b, "\nRespond with exactly one JSON object:\n"+
		`{"matrixRow": [%d numbers], "explanation": "one short sentence"}`+"\n", 3*n)

	return b.String()
}

// profitabilityDigest spells out what each standing proposal pays the
// prompted player, so the model does not have to do the arithmetic.
func (e *Engine) profitabilityDigest(grid [][]float64, players []string, in TurnInput) string {
	n := len(players)
	pool := n * e.entryFee
	self := in.Player()

	type stake struct {
		proposer string
		pct      float64
	}
	var stakes []stake
	for i, row := range grid {
		if !in.Active[players[i]] {
			continue
		}
		sec := row[:n]
		if matrix.IsSentinelSection(sec) {
			continue
		}
		if matrix.SumSection(sec) == 0 {
			continue
		}
		stakes = append(stakes, stake{proposer: players[i], pct: sec[in.PlayerIndex]})
	}
	if len(stakes) == 0 {
		return "STANDING PROPOSALS: none yet.\n\n"
	}
	sort.Slice(stakes, func(a, b int) bool { return stakes[a].pct > stakes[b].pct })

	var b strings.Builder
	fmt.Fprintf(&b, "WHAT EACH STANDING PROPOSAL PAYS YOU (%s), pool=%d coins, fee already paid=%d:\n",
		self, pool, e.entryFee)
	for _, s := range stakes {
		coins := s.pct / 100 * float64(pool)
		fmt.Fprintf(&b, "  %s offers you %.1f%% = %.0f coins (net %+.0f)\n",
			s.proposer, s.pct, coins, coins-float64(e.entryFee))
	}
	fmt.Fprintf(&b, "Break-even is %.1f%% of the pool.\n\n", float64(e.entryFee)/float64(pool)*100)
	return b.String()
}

func formatRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.1f", v), "0"), ".")
	}
	return "[" + strings.Join(parts, " ") + "]"
}
