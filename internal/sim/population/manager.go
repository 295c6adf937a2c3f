// Package population owns the roster of strategies, runs successive
// games through the round coordinator, settles balances, removes
// bankrupt strategies and synthesizes their replacements.
package population

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	mrand "math/rand"
	"sync"
	"time"

	"potsplit.ai/internal/oracle"
	"potsplit.ai/internal/persistence/indexdb"
	"potsplit.ai/internal/persistence/snapshot"
	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/archetypes"
	"potsplit.ai/internal/sim/engine"
	"potsplit.ai/internal/sim/matrix"
	"potsplit.ai/internal/sim/round"
	"potsplit.ai/internal/sim/tuning"
)

// Store is the primary persistence boundary.
type Store interface {
	Save(snap snapshot.SnapshotV1) (path string, err error)
	LoadLatest() (snapshot.SnapshotV1, bool, error)
}

// FallbackStore takes full snapshot bodies when the primary store
// fails. The JSONL fallback logger satisfies it.
type FallbackStore interface {
	Write(v any) error
}

type Config struct {
	Tune      tuning.Tuning
	Catalog   archetypes.Catalog
	Client    oracle.Client
	Sink      protocol.Sink
	Log       *log.Logger
	SessionID string

	// Seed feeds the tie-break rng (0 means time-based). A snapshot's
	// recorded seed takes precedence on resume. Rand, when set,
	// overrides seeding entirely; tests inject fixed policies here.
	Seed int64
	Rand round.Rand

	// All persistence is optional; a nil store degrades straight to
	// log-only.
	Store    Store
	Fallback FallbackStore
	Index    *indexdb.SQLiteIndex
}

type Manager struct {
	tune    tuning.Tuning
	catalog archetypes.Catalog
	client  oracle.Client
	sink    protocol.Sink
	log     *log.Logger
	rand    round.Rand
	session string

	store    Store
	fallback FallbackStore
	index    *indexdb.SQLiteIndex

	state SimContext

	seed int64

	mu           sync.Mutex
	roster       []*Strategy
	gameNumber   int
	eliminations []EliminationEvent
	evolutions   []EvolutionEvent
	matchups     map[string]map[string]int
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("oracle client is required")
	}
	if err := cfg.Tune.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, err
	}
	sink := cfg.Sink
	if sink == nil {
		sink = protocol.NopSink{}
	}
	m := &Manager{
		tune:     cfg.Tune,
		catalog:  cfg.Catalog,
		client:   cfg.Client,
		sink:     sink,
		log:      cfg.Log,
		rand:     cfg.Rand,
		seed:     cfg.Seed,
		session:  cfg.SessionID,
		store:    cfg.Store,
		fallback: cfg.Fallback,
		index:    cfg.Index,
		matchups: make(map[string]map[string]int),
	}
	if !m.resume() {
		m.seedRoster(1)
	}
	if m.rand == nil {
		if m.seed == 0 {
			m.seed = time.Now().UnixNano()
		}
		m.rand = mrand.New(mrand.NewSource(m.seed))
	}
	return m, nil
}

// resume restores state from the latest snapshot, if any.
func (m *Manager) resume() bool {
	if m.store == nil {
		return false
	}
	snap, ok, err := m.store.LoadLatest()
	if err != nil {
		m.log.Printf("snapshot load failed, starting fresh: %v", err)
		return false
	}
	if !ok {
		return false
	}
	m.restore(snap)
	m.log.Printf("resumed at game %d with %d strategies", m.gameNumber+1, len(m.roster))
	return true
}

// seedRoster replaces the roster with fresh archetype instances.
func (m *Manager) seedRoster(game int) {
	now := time.Now().UTC()
	n := m.tune.PlayerCount
	m.roster = m.roster[:0]
	for i := 0; i < n; i++ {
		a := m.catalog.Archetypes[i%len(m.catalog.Archetypes)]
		s := seedStrategy(a, m.tune.StartingBalance, game, now)
		if i >= len(m.catalog.Archetypes) {
			// Catalog smaller than the table: disambiguate repeats.
			s.ID = fmt.Sprintf("%s_%d", a.ID, i/len(m.catalog.Archetypes)+1)
		}
		m.roster = append(m.roster, s)
		m.indexLedger(s, s.Ledger[len(s.Ledger)-1])
	}
}

// Context exposes the simulation control state, read-only for
// everyone but the run loop.
func (m *Manager) Context() *SimContext { return &m.state }

// Stop requests a cooperative halt. A phase already dispatched runs
// to completion; the flag is honored at the next loop boundary.
func (m *Manager) Stop() { m.state.running.Store(false) }

// Run plays games until stopped or cancelled. Games are strictly
// sequential; only oracle calls within a phase overlap.
func (m *Manager) Run(ctx context.Context) error {
	m.state.running.Store(true)
	defer m.state.running.Store(false)

	for m.state.Running() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.solventCount() < 2 {
			// Partial repair is not worth it below quorum: discard
			// and reseed the canonical set.
			m.log.Printf("fewer than two solvent strategies; full population reset")
			protocol.Logf(m.sink, protocol.LevelWarning, "population", "fewer than two solvent strategies; full population reset")
			m.mu.Lock()
			m.seedRoster(m.gameNumber + 1)
			m.mu.Unlock()
		}

		game := m.nextGame()
		out, err := m.playGame(ctx, game)
		if err != nil {
			return err
		}

		m.settle(game, out)
		m.processBankruptcies(ctx, game)
		if game%m.tune.SnapshotEveryGames == 0 {
			m.persist()
		}

		m.state.waitingNextGame.Store(true)
		cd := &Countdown{
			Seconds: m.tune.GameDelaySec,
			Sink:    m.sink,
			Stop:    func() bool { return !m.state.Running() },
		}
		finished := cd.Run(ctx, game+1)
		m.state.waitingNextGame.Store(false)
		if !finished && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// playGame debits fees, runs one game and emits its lifecycle
// events.
func (m *Manager) playGame(ctx context.Context, game int) (round.Outcome, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	players := make([]round.Player, len(m.roster))
	ids := make([]string, len(m.roster))
	for i, s := range m.roster {
		players[i] = round.Player{ID: s.ID, Name: s.Name, StrategyText: s.Description}
		ids[i] = s.ID
		s.credit(game, -m.tune.EntryFee, ReasonEntryFee, now)
		s.GamesPlayed++
		m.indexLedger(s, s.Ledger[len(s.Ledger)-1])
	}
	m.mu.Unlock()

	pool := len(players) * m.tune.EntryFee
	m.sink.Emit(protocol.NewEvent(protocol.TypeGameStarted, protocol.GameStarted{
		GameNumber: game,
		Players:    ids,
		Pool:       pool,
	}))
	m.log.Printf("game %d started: %d players, pool %d", game, len(players), pool)

	mat, err := matrix.New(ids)
	if err != nil {
		return round.Outcome{}, err
	}
	eng := engine.New(mat, m.client, m.tune, m.log)
	coord := round.New(round.Config{
		GameNumber: game,
		Players:    players,
		Tune:       m.tune,
		Engine:     eng,
		Rand:       m.rand,
		Sink:       m.sink,
		Log:        m.log,
	})

	out, err := coord.Run(ctx)
	if err != nil {
		return round.Outcome{}, err
	}

	m.sink.Emit(protocol.NewEvent(protocol.TypeGameCompleted, protocol.GameCompleted{
		GameNumber: game,
		Winner:     out.Winner,
		Fallback:   out.Fallback,
		Rounds:     out.Rounds,
		Coins:      out.Coins,
	}))
	if m.index != nil {
		coins, _ := json.Marshal(out.Coins)
		m.index.WriteGame(indexdb.GameRow{
			GameNumber: game,
			Winner:     out.Winner,
			Fallback:   out.Fallback,
			Rounds:     out.Rounds,
			Pool:       pool,
			CoinsJSON:  string(coins),
			PlayedAt:   time.Now().UTC(),
		})
	}
	return out, nil
}

// settle credits winnings and updates lifetime stats.
func (m *Manager) settle(game int, out round.Outcome) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.roster {
		coins := out.Coins[s.ID]
		if coins != 0 {
			s.credit(game, coins, ReasonWinnings, now)
			m.indexLedger(s, s.Ledger[len(s.Ledger)-1])
		}
		s.TotalProfit += coins - m.tune.EntryFee
		s.AverageProfit = float64(s.TotalProfit) / float64(s.GamesPlayed)
		if out.Winner == s.ID {
			s.Wins++
		}
	}

	if out.Winner != "" {
		if m.matchups[out.Winner] == nil {
			m.matchups[out.Winner] = make(map[string]int)
		}
		for _, s := range m.roster {
			if s.ID != out.Winner {
				m.matchups[out.Winner][s.ID]++
			}
		}
	}
}

// processBankruptcies removes strategies whose balance fell below the
// entry fee and synthesizes one replacement per removal. The check
// runs after settlement: winnings from this game can recharge a
// strategy before it is judged.
func (m *Manager) processBankruptcies(ctx context.Context, game int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bankrupt []*Strategy
	var survivors []*Strategy
	for _, s := range m.roster {
		if s.Balance < m.tune.EntryFee {
			bankrupt = append(bankrupt, s)
		} else {
			survivors = append(survivors, s)
		}
	}
	if len(bankrupt) == 0 {
		return
	}
	m.roster = survivors

	for _, dead := range bankrupt {
		now := time.Now().UTC()
		elim := EliminationEvent{
			StrategyID:   dead.ID,
			Name:         dead.Name,
			GameNumber:   game,
			FinalBalance: dead.Balance,
			Reason:       "bankruptcy",
			Timestamp:    now,
		}
		m.eliminations = append(m.eliminations, elim)
		m.log.Printf("strategy %s eliminated: balance %d below fee %d", dead.ID, dead.Balance, m.tune.EntryFee)
		m.sink.Emit(protocol.NewEvent(protocol.TypeStrategyEliminated, protocol.StrategyEliminated{
			StrategyID:   dead.ID,
			Name:         dead.Name,
			GameNumber:   game,
			FinalBalance: dead.Balance,
			Reason:       "bankruptcy",
		}))
		if m.index != nil {
			m.index.WriteElimination(indexdb.EliminationRow{
				StrategyID: dead.ID, Name: dead.Name, GameNumber: game,
				FinalBalance: dead.Balance, Reason: "bankruptcy", Timestamp: now,
			})
		}

		repl, ev := m.synthesize(ctx, survivors, dead, game)
		m.roster = append(m.roster, repl)
		m.evolutions = append(m.evolutions, ev)
		m.indexLedger(repl, repl.Ledger[len(repl.Ledger)-1])
		m.log.Printf("strategy %s born (gen %d) replacing %s", repl.ID, repl.Generation, dead.ID)

		parentWeights := make(map[string]float64, len(ev.Parents))
		for _, p := range ev.Parents {
			parentWeights[p.ID] = p.Weight
		}
		m.sink.Emit(protocol.NewEvent(protocol.TypeStrategyEvolved, protocol.StrategyEvolved{
			StrategyID: repl.ID,
			Name:       repl.Name,
			Generation: repl.Generation,
			Parents:    parentWeights,
			Reasoning:  ev.Reasoning,
			Fallback:   ev.Fallback,
		}))
		if m.index != nil {
			m.index.WriteEvolution(indexdb.EvolutionRow{
				StrategyID: repl.ID, Name: repl.Name, GameNumber: game,
				Generation: ev.Generation, ParentsJSON: indexdb.MarshalParents(ev.Parents),
				Reasoning: ev.Reasoning, Fallback: ev.Fallback, Timestamp: ev.Timestamp,
			})
		}
	}

	if len(m.roster) != m.tune.PlayerCount {
		m.log.Printf("warning: roster size %d after bankruptcy cycle, want %d", len(m.roster), m.tune.PlayerCount)
		protocol.Logf(m.sink, protocol.LevelWarning, "population", "roster size %d after bankruptcy cycle, want %d", len(m.roster), m.tune.PlayerCount)
	}
}

// persist snapshots state best-effort: primary store, then the JSONL
// fallback, then log-only. Failures never block the loop.
func (m *Manager) persist() {
	snap := m.export()

	if m.store != nil {
		path, err := m.store.Save(snap)
		if err == nil {
			if m.index != nil {
				m.index.RecordSnapshot(indexdb.SnapshotRow{
					GameNumber: snap.Header.GameNumber,
					Path:       path,
					RosterSize: len(snap.Roster),
					RecordedAt: time.Now().UTC(),
				})
			}
			return
		}
		m.log.Printf("primary snapshot failed: %v", err)
		protocol.Logf(m.sink, protocol.LevelError, "population", "primary snapshot failed: %v", err)
	}
	if m.fallback != nil {
		if err := m.fallback.Write(snap); err == nil {
			return
		} else {
			m.log.Printf("fallback snapshot failed: %v", err)
			protocol.Logf(m.sink, protocol.LevelError, "population", "fallback snapshot failed: %v", err)
		}
	}
	m.log.Printf("snapshot for game %d retained in memory only", snap.Header.GameNumber)
	protocol.Logf(m.sink, protocol.LevelWarning, "population", "snapshot for game %d retained in memory only", snap.Header.GameNumber)
}

// nextGame advances the counter under the lock; observer bootstrap
// and HTTP handlers read GameNumber concurrently with the run loop.
func (m *Manager) nextGame() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gameNumber++
	return m.gameNumber
}

func (m *Manager) indexLedger(s *Strategy, e LedgerEntry) {
	if m.index == nil {
		return
	}
	m.index.WriteLedger(indexdb.LedgerRow{
		StrategyID: s.ID,
		GameNumber: e.GameNumber,
		Balance:    e.Balance,
		Delta:      e.Delta,
		Reason:     e.Reason,
		Timestamp:  e.Timestamp,
	})
}

func (m *Manager) solventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.roster {
		if s.Balance >= m.tune.EntryFee {
			n++
		}
	}
	return n
}

// Roster returns deep copies for external readers.
func (m *Manager) Roster() []Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Strategy, len(m.roster))
	for i, s := range m.roster {
		c := *s
		c.Ledger = append([]LedgerEntry(nil), s.Ledger...)
		c.Parents = append([]ParentShare(nil), s.Parents...)
		out[i] = c
	}
	return out
}

func (m *Manager) GameNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gameNumber
}

func (m *Manager) Eliminations() []EliminationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EliminationEvent(nil), m.eliminations...)
}

func (m *Manager) Evolutions() []EvolutionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EvolutionEvent(nil), m.evolutions...)
}
