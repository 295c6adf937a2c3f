package round

import (
	"context"
	"math"
	"sync"
	"time"

	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/engine"
	"potsplit.ai/internal/sim/matrix"
)

// dispatch runs one engine turn per listed player concurrently and
// joins them all. Launches are staggered by the turn delay to keep
// outbound oracle traffic inside rate limits; the barrier makes phase
// latency the slowest participant, not the sum.
func (c *Coordinator) dispatch(ctx context.Context, phase engine.Phase, round, subRound int, ids []string) error {
	activeSet := make(map[string]bool, len(c.players))
	for _, p := range c.players {
		activeSet[p.ID] = c.active[p.ID]
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		idx, ok := c.eng.Matrix().PlayerIndex(id)
		if !ok {
			continue
		}
		strategy := ""
		for _, p := range c.players {
			if p.ID == id {
				strategy = p.StrategyText
				break
			}
		}
		in := engine.TurnInput{
			PlayerIndex:  idx,
			StrategyText: strategy,
			Round:        round,
			SubRound:     subRound,
			Phase:        phase,
			Eliminated:   !c.active[id],
			Active:       activeSet,
		}
		wg.Add(1)
		go func(in engine.TurnInput) {
			defer wg.Done()
			// Failures are already classified and logged by the
			// engine; phase decoding supplies the fallback.
			_, _ = c.eng.PerformTurn(ctx, in)
		}(in)

		if err := c.pause(ctx, time.Duration(c.tune.TurnDelayMs)*time.Millisecond); err != nil {
			wg.Wait()
			return err
		}
	}
	wg.Wait()
	return ctx.Err()
}

// negotiationPhase gives every player, eliminated included, one turn
// per sub-round. Failed turns simply leave the row as it was.
func (c *Coordinator) negotiationPhase(ctx context.Context, round int) error {
	for sub := 1; sub <= c.tune.NegotiationSubRounds; sub++ {
		c.sink.Emit(protocol.NewEvent(protocol.TypeRoundUpdate, protocol.RoundUpdate{
			GameNumber: c.gameNumber,
			Round:      round,
			SubRound:   sub,
			Phase:      StateNegotiating,
			Active:     c.activeIDs(),
			Eliminated: c.eliminatedIDs(),
		}))
		if err := c.dispatch(ctx, engine.PhaseNegotiation, round, sub, c.playerIDs()); err != nil {
			return err
		}
		if sub < c.tune.NegotiationSubRounds {
			if err := c.pause(ctx, time.Duration(c.tune.SubRoundDelayMs)*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

// proposalPhase collects a full proposal from every active player. A
// structurally invalid or missing proposal is replaced by an equal
// split and flagged.
func (c *Coordinator) proposalPhase(ctx context.Context, round int) (map[string]matrix.Proposal, map[string]bool, error) {
	c.sink.Emit(protocol.NewEvent(protocol.TypeRoundUpdate, protocol.RoundUpdate{
		GameNumber: c.gameNumber,
		Round:      round,
		Phase:      StateProposing,
		Active:     c.activeIDs(),
		Eliminated: c.eliminatedIDs(),
	}))

	if err := c.dispatch(ctx, engine.PhaseProposal, round, 0, c.activeIDs()); err != nil {
		return nil, nil, err
	}

	proposals := make(map[string]matrix.Proposal)
	fallbacks := make(map[string]bool)
	for _, id := range c.activeIDs() {
		idx, _ := c.eng.Matrix().PlayerIndex(id)
		prop, err := c.eng.Matrix().DecodeProposal(idx)
		if err == nil && validProposal(prop, len(c.players)) {
			proposals[id] = prop
			continue
		}
		c.log.Printf("game %d: %s: %s, using equal split", c.gameNumber, id, protocol.ErrProposalInvalid)
		proposals[id] = equalSplit(c.playerIDs())
		fallbacks[id] = true
	}
	return proposals, fallbacks, nil
}

// votingPhase collects a vote over the standing proposals from every
// player. Invalid votes are replaced by an even spread.
func (c *Coordinator) votingPhase(ctx context.Context, round int, proposals map[string]matrix.Proposal) (map[string]matrix.Vote, map[string]bool, error) {
	c.sink.Emit(protocol.NewEvent(protocol.TypeRoundUpdate, protocol.RoundUpdate{
		GameNumber: c.gameNumber,
		Round:      round,
		Phase:      StateVoting,
		Active:     c.activeIDs(),
		Eliminated: c.eliminatedIDs(),
	}))

	if err := c.dispatch(ctx, engine.PhaseVoting, round, 0, c.playerIDs()); err != nil {
		return nil, nil, err
	}

	proposers := make([]string, 0, len(proposals))
	for _, p := range c.players {
		if _, ok := proposals[p.ID]; ok {
			proposers = append(proposers, p.ID)
		}
	}

	votes := make(map[string]matrix.Vote)
	fallbacks := make(map[string]bool)
	for _, p := range c.players {
		idx, _ := c.eng.Matrix().PlayerIndex(p.ID)
		vote, err := c.eng.Matrix().DecodeVote(idx)
		if err == nil && validVote(vote, proposers) {
			votes[p.ID] = vote
			continue
		}
		c.log.Printf("game %d: %s: %s, using even spread", c.gameNumber, p.ID, protocol.ErrVoteInvalid)
		votes[p.ID] = equalVote(proposers)
		fallbacks[p.ID] = true
	}
	return votes, fallbacks, nil
}

// validProposal requires full coverage, entries in range and a total
// of 100 within the phase tolerance.
func validProposal(p matrix.Proposal, playerCount int) bool {
	if len(p) != playerCount {
		return false
	}
	for _, v := range p {
		if v < 0 || v > 100 {
			return false
		}
	}
	return matrix.SumsTo(p, 100, sumTolPhase)
}

// validVote requires the points directed at proposers to total 100
// within the phase tolerance, nothing negative anywhere.
func validVote(v matrix.Vote, proposers []string) bool {
	if len(v) == 0 {
		return false
	}
	for _, pts := range v {
		if pts < 0 || pts > 100 {
			return false
		}
	}
	var sum float64
	for _, id := range proposers {
		sum += v[id]
	}
	return math.Abs(sum-100) <= sumTolPhase
}

// sumTolPhase mirrors the looser structural tolerance the phases use,
// distinct from the engine's validation tolerance.
const sumTolPhase = 5.0

func tallyVotes(proposals map[string]matrix.Proposal, votes map[string]matrix.Vote) map[string]float64 {
	totals := make(map[string]float64, len(proposals))
	for proposer := range proposals {
		for _, v := range votes {
			totals[proposer] += v[proposer]
		}
	}
	return totals
}

// equalSplit spreads 100 integer percent across ids, remainder one
// point at a time to the first ids.
func equalSplit(ids []string) matrix.Proposal {
	p := make(matrix.Proposal, len(ids))
	base := 100 / len(ids)
	rem := 100 - base*len(ids)
	for i, id := range ids {
		pct := base
		if i < rem {
			pct++
		}
		p[id] = float64(pct)
	}
	return p
}

func equalVote(proposers []string) matrix.Vote {
	v := make(matrix.Vote, len(proposers))
	if len(proposers) == 0 {
		return v
	}
	base := 100 / len(proposers)
	rem := 100 - base*len(proposers)
	for i, id := range proposers {
		pts := base
		if i < rem {
			pts++
		}
		v[id] = float64(pts)
	}
	return v
}

// distributeCoins converts a ratified split into whole coins. The
// total never exceeds the pool: any rounding overshoot is shaved off
// the largest recipients.
func distributeCoins(p matrix.Proposal, playerCount, entryFee int) map[string]int {
	pool := playerCount * entryFee
	coins := make(map[string]int, len(p))
	total := 0
	for id, pct := range p {
		c := int(math.Round(pct / 100 * float64(pool)))
		if c < 0 {
			c = 0
		}
		coins[id] = c
		total += c
	}
	for total > pool {
		biggest := ""
		for id, c := range coins {
			if biggest == "" || c > coins[biggest] || (c == coins[biggest] && id < biggest) {
				biggest = id
			}
		}
		coins[biggest]--
		total--
	}
	return coins
}
