// Package round drives one game of the split-pool negotiation to
// completion: repeated negotiation sub-rounds, a proposal phase, a
// voting phase, then either a ratified winner or an elimination, until
// the table resolves or the round cap forces an equal split.
package round

import (
	"context"
	"log"
	"time"

	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/engine"
	"potsplit.ai/internal/sim/matrix"
	"potsplit.ai/internal/sim/tuning"
)

// State names for round updates and logs.
const (
	StateNegotiating = "NEGOTIATING"
	StateProposing   = "PROPOSING"
	StateVoting      = "VOTING"
	StateWinner      = "WINNER"
	StateFallback    = "FALLBACK"
)

// Rand is the pluggable tie-break policy. The original behavior is
// explicitly randomized, so tests inject a seeded source rather than
// a deterministic rule.
type Rand interface {
	Intn(n int) int
}

// Player is one seat at the table.
type Player struct {
	ID           string
	Name         string
	StrategyText string
}

// Outcome is the settled result of one game.
type Outcome struct {
	Winner     string // proposer whose split was ratified; empty on fallback
	Fallback   bool
	Rounds     int
	Proposal   matrix.Proposal
	Coins      map[string]int
	Eliminated []string // in elimination order

	// ProposalFallbacks flags players whose phase proposal was
	// structurally invalid and replaced by an equal split.
	ProposalFallbacks map[string]bool
	VoteFallbacks     map[string]bool
}

// Coordinator owns one game's state machine.
type Coordinator struct {
	gameNumber int
	players    []Player
	tune       tuning.Tuning
	eng        *engine.Engine
	rand       Rand
	sink       protocol.Sink
	log        *log.Logger

	active     map[string]bool
	eliminated []string
}

type Config struct {
	GameNumber int
	Players    []Player
	Tune       tuning.Tuning
	Engine     *engine.Engine
	Rand       Rand
	Sink       protocol.Sink
	Log        *log.Logger
}

func New(cfg Config) *Coordinator {
	active := make(map[string]bool, len(cfg.Players))
	for _, p := range cfg.Players {
		active[p.ID] = true
	}
	sink := cfg.Sink
	if sink == nil {
		sink = protocol.NopSink{}
	}
	return &Coordinator{
		gameNumber: cfg.GameNumber,
		players:    cfg.Players,
		tune:       cfg.Tune,
		eng:        cfg.Engine,
		rand:       cfg.Rand,
		sink:       sink,
		log:        cfg.Log,
		active:     active,
	}
}

// Run plays the game to a terminal state. The only error paths are
// context cancellation and programming faults; oracle misbehavior is
// absorbed by per-phase fallbacks so a started game always settles.
func (c *Coordinator) Run(ctx context.Context) (Outcome, error) {
	for round := 1; round <= c.tune.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		if err := c.negotiationPhase(ctx, round); err != nil {
			return Outcome{}, err
		}

		proposals, propFallbacks, err := c.proposalPhase(ctx, round)
		if err != nil {
			return Outcome{}, err
		}

		votes, voteFallbacks, err := c.votingPhase(ctx, round, proposals)
		if err != nil {
			return Outcome{}, err
		}

		totals := tallyVotes(proposals, votes)

		if winner, ok := c.findWinner(totals); ok {
			c.log.Printf("game %d: %s wins in round %d with %.0f votes",
				c.gameNumber, winner, round, totals[winner])
			return c.settle(winner, proposals[winner], round, propFallbacks, voteFallbacks), nil
		}

		if c.activeCount() == 2 {
			winner := c.headToHead(totals)
			c.log.Printf("game %d: head-to-head resolved to %s in round %d", c.gameNumber, winner, round)
			return c.settle(winner, proposals[winner], round, propFallbacks, voteFallbacks), nil
		}

		loser, tieBreak := c.lowestVoted(totals)
		c.active[loser] = false
		c.eliminated = append(c.eliminated, loser)
		c.log.Printf("game %d: %s eliminated in round %d (%.0f votes, tie_break=%v)",
			c.gameNumber, loser, round, totals[loser], tieBreak)
		c.sink.Emit(protocol.NewEvent(protocol.TypePlayerEliminated, protocol.PlayerEliminated{
			GameNumber: c.gameNumber,
			Round:      round,
			Player:     loser,
			Votes:      int(totals[loser]),
			TieBreak:   tieBreak,
		}))
	}

	// Round cap: crude but always-terminating equal split across all
	// original players.
	c.log.Printf("game %d: round cap reached, falling back to equal split", c.gameNumber)
	prop := equalSplit(c.playerIDs())
	out := c.settle("", prop, c.tune.MaxRounds, nil, nil)
	out.Fallback = true
	out.Winner = ""
	return out, nil
}

func (c *Coordinator) settle(winner string, prop matrix.Proposal, rounds int,
	propFallbacks, voteFallbacks map[string]bool) Outcome {
	return Outcome{
		Winner:            winner,
		Rounds:            rounds,
		Proposal:          prop,
		Coins:             distributeCoins(prop, len(c.players), c.tune.EntryFee),
		Eliminated:        append([]string(nil), c.eliminated...),
		ProposalFallbacks: propFallbacks,
		VoteFallbacks:     voteFallbacks,
	}
}

// findWinner returns the proposer whose total crossed the ratify
// threshold, preferring the highest total when several cross at once.
func (c *Coordinator) findWinner(totals map[string]float64) (string, bool) {
	threshold := float64(c.tune.WinThresholdPct) / 100 * float64(len(c.players)*100)
	best := ""
	for _, p := range c.players {
		if !c.active[p.ID] {
			continue
		}
		t := totals[p.ID]
		if t >= threshold && (best == "" || t > totals[best]) {
			best = p.ID
		}
	}
	return best, best != ""
}

// headToHead resolves the two-player endgame: higher total wins
// outright, equal totals go to a coin flip. Never eliminates.
func (c *Coordinator) headToHead(totals map[string]float64) string {
	var pair []string
	for _, p := range c.players {
		if c.active[p.ID] {
			pair = append(pair, p.ID)
		}
	}
	a, b := pair[0], pair[1]
	switch {
	case totals[a] > totals[b]:
		return a
	case totals[b] > totals[a]:
		return b
	default:
		return pair[c.rand.Intn(2)]
	}
}

// lowestVoted picks the active player with the fewest total votes,
// breaking multi-way ties uniformly at random.
func (c *Coordinator) lowestVoted(totals map[string]float64) (string, bool) {
	low := -1.0
	var tied []string
	for _, p := range c.players {
		if !c.active[p.ID] {
			continue
		}
		t := totals[p.ID]
		switch {
		case low < 0 || t < low:
			low = t
			tied = tied[:0]
			tied = append(tied, p.ID)
		case t == low:
			tied = append(tied, p.ID)
		}
	}
	if len(tied) == 1 {
		return tied[0], false
	}
	return tied[c.rand.Intn(len(tied))], true
}

func (c *Coordinator) activeCount() int {
	n := 0
	for _, ok := range c.active {
		if ok {
			n++
		}
	}
	return n
}

func (c *Coordinator) playerIDs() []string {
	ids := make([]string, len(c.players))
	for i, p := range c.players {
		ids[i] = p.ID
	}
	return ids
}

func (c *Coordinator) activeIDs() []string {
	var ids []string
	for _, p := range c.players {
		if c.active[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (c *Coordinator) eliminatedIDs() []string {
	return append([]string(nil), c.eliminated...)
}

// pause is a plain timed suspension honoring cancellation. All pacing
// between oracle calls funnels through here.
func (c *Coordinator) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
