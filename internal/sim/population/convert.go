package population

import (
	"potsplit.ai/internal/persistence/snapshot"
)

// export captures the manager's state as a versioned snapshot.
func (m *Manager) export() snapshot.SnapshotV1 {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:    1,
			SessionID:  m.session,
			GameNumber: m.gameNumber,
		},
		PlayerCount:     m.tune.PlayerCount,
		EntryFee:        m.tune.EntryFee,
		StartingBalance: m.tune.StartingBalance,
		Seed:            m.seed,
		NextGameNumber:  m.gameNumber + 1,
		Matchups:        copyMatchups(m.matchups),
	}

	for _, s := range m.roster {
		snap.Roster = append(snap.Roster, strategyToV1(s))
	}
	for _, e := range m.eliminations {
		snap.Eliminations = append(snap.Eliminations, snapshot.EliminationV1(e))
	}
	for _, e := range m.evolutions {
		snap.Evolutions = append(snap.Evolutions, evolutionToV1(e))
	}
	return snap
}

// restore replaces the manager's state from a snapshot.
func (m *Manager) restore(snap snapshot.SnapshotV1) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gameNumber = snap.NextGameNumber - 1
	if m.gameNumber < 0 {
		m.gameNumber = 0
	}
	if snap.Seed != 0 {
		m.seed = snap.Seed
	}
	m.roster = m.roster[:0]
	for i := range snap.Roster {
		m.roster = append(m.roster, strategyFromV1(snap.Roster[i]))
	}
	m.eliminations = m.eliminations[:0]
	for _, e := range snap.Eliminations {
		m.eliminations = append(m.eliminations, EliminationEvent(e))
	}
	m.evolutions = m.evolutions[:0]
	for _, e := range snap.Evolutions {
		m.evolutions = append(m.evolutions, evolutionFromV1(e))
	}
	m.matchups = copyMatchups(snap.Matchups)
	if m.matchups == nil {
		m.matchups = make(map[string]map[string]int)
	}
}

func strategyToV1(s *Strategy) snapshot.StrategyV1 {
	v := snapshot.StrategyV1{
		ID:            s.ID,
		Name:          s.Name,
		Archetype:     s.Archetype,
		Description:   s.Description,
		Balance:       s.Balance,
		GamesPlayed:   s.GamesPlayed,
		Wins:          s.Wins,
		TotalProfit:   s.TotalProfit,
		AverageProfit: s.AverageProfit,
		Generation:    s.Generation,
		Reasoning:     s.Reasoning,
		BornGame:      s.BornGame,
		BornAt:        s.BornAt,
	}
	for _, e := range s.Ledger {
		v.Ledger = append(v.Ledger, snapshot.LedgerEntryV1(e))
	}
	for _, p := range s.Parents {
		v.Parents = append(v.Parents, snapshot.ParentShareV1(p))
	}
	return v
}

func strategyFromV1(v snapshot.StrategyV1) *Strategy {
	s := &Strategy{
		ID:            v.ID,
		Name:          v.Name,
		Archetype:     v.Archetype,
		Description:   v.Description,
		Balance:       v.Balance,
		GamesPlayed:   v.GamesPlayed,
		Wins:          v.Wins,
		TotalProfit:   v.TotalProfit,
		AverageProfit: v.AverageProfit,
		Generation:    v.Generation,
		Reasoning:     v.Reasoning,
		BornGame:      v.BornGame,
		BornAt:        v.BornAt,
	}
	for _, e := range v.Ledger {
		s.Ledger = append(s.Ledger, LedgerEntry(e))
	}
	for _, p := range v.Parents {
		s.Parents = append(s.Parents, ParentShare(p))
	}
	return s
}

func evolutionToV1(e EvolutionEvent) snapshot.EvolutionV1 {
	v := snapshot.EvolutionV1{
		StrategyID: e.StrategyID,
		Name:       e.Name,
		GameNumber: e.GameNumber,
		Generation: e.Generation,
		Reasoning:  e.Reasoning,
		Fallback:   e.Fallback,
		Timestamp:  e.Timestamp,
	}
	for _, p := range e.Parents {
		v.Parents = append(v.Parents, snapshot.ParentShareV1(p))
	}
	return v
}

func evolutionFromV1(v snapshot.EvolutionV1) EvolutionEvent {
	e := EvolutionEvent{
		StrategyID: v.StrategyID,
		Name:       v.Name,
		GameNumber: v.GameNumber,
		Generation: v.Generation,
		Reasoning:  v.Reasoning,
		Fallback:   v.Fallback,
		Timestamp:  v.Timestamp,
	}
	for _, p := range v.Parents {
		e.Parents = append(e.Parents, ParentShare(p))
	}
	return e
}

func copyMatchups(m map[string]map[string]int) map[string]map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]map[string]int, len(m))
	for k, inner := range m {
		c := make(map[string]int, len(inner))
		for k2, v := range inner {
			c[k2] = v
		}
		out[k] = c
	}
	return out
}
