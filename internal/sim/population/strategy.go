package population

import (
	"time"

	"github.com/google/uuid"

	"potsplit.ai/internal/sim/archetypes"
)

// LedgerEntry is one append-only balance change.
type LedgerEntry struct {
	GameNumber int       `json:"game_number"`
	Balance    int       `json:"balance"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ledger reasons.
const (
	ReasonEntryFee = "entry_fee"
	ReasonWinnings = "winnings"
	ReasonSeed     = "seed"
)

// ParentShare records one parent's influence over an evolved
// descendant.
type ParentShare struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Strategy is a persistent agent definition: its negotiation persona,
// bankroll, lifetime stats and lineage.
type Strategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Archetype   string `json:"archetype"`
	Description string `json:"description"`

	Balance       int     `json:"balance"`
	GamesPlayed   int     `json:"games_played"`
	Wins          int     `json:"wins"`
	TotalProfit   int     `json:"total_profit"`
	AverageProfit float64 `json:"average_profit"`

	Ledger []LedgerEntry `json:"ledger"`

	Generation int           `json:"generation"`
	Parents    []ParentShare `json:"parents,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`

	BornGame int       `json:"born_game"`
	BornAt   time.Time `json:"born_at"`
}

// credit appends a ledger entry and moves the balance.
func (s *Strategy) credit(game, delta int, reason string, now time.Time) {
	s.Balance += delta
	s.Ledger = append(s.Ledger, LedgerEntry{
		GameNumber: game,
		Balance:    s.Balance,
		Delta:      delta,
		Reason:     reason,
		Timestamp:  now,
	})
}

// profitSignal is the blend-weight input: the better of lifetime and
// rate-derived profit, floored at zero.
func (s *Strategy) profitSignal() float64 {
	total := float64(s.TotalProfit)
	rate := s.AverageProfit * float64(s.GamesPlayed)
	sig := total
	if rate > sig {
		sig = rate
	}
	if sig < 0 {
		sig = 0
	}
	return sig
}

// seedStrategy instantiates an archetype with a fresh bankroll.
func seedStrategy(a archetypes.Archetype, balance, game int, now time.Time) *Strategy {
	s := &Strategy{
		ID:          a.ID,
		Name:        a.Name,
		Archetype:   a.ID,
		Description: a.Description,
		Generation:  0,
		BornGame:    game,
		BornAt:      now,
	}
	s.credit(game, balance, ReasonSeed, now)
	return s
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()[:8]
}

// EliminationEvent records a bankruptcy removal. Immutable once
// created.
type EliminationEvent struct {
	StrategyID   string    `json:"strategy_id"`
	Name         string    `json:"name"`
	GameNumber   int       `json:"game_number"`
	FinalBalance int       `json:"final_balance"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// EvolutionEvent records the synthesis of a replacement strategy.
type EvolutionEvent struct {
	StrategyID string        `json:"strategy_id"`
	Name       string        `json:"name"`
	GameNumber int           `json:"game_number"`
	Generation int           `json:"generation"`
	Parents    []ParentShare `json:"parents"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}
