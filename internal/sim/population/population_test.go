package population

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"potsplit.ai/internal/oracle"
	"potsplit.ai/internal/persistence/snapshot"
	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/archetypes"
	"potsplit.ai/internal/sim/round"
	"potsplit.ai/internal/sim/tuning"
)

type fixedRand struct{}

func (fixedRand) Intn(int) int { return 0 }

var brokenOracle = oracle.Func(func(context.Context, string, oracle.Options) (string, error) {
	return "", errors.New("model unavailable")
})

func fastTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.TurnDelayMs = 0
	t.SubRoundDelayMs = 0
	t.GameDelaySec = 0
	t.NegotiationSubRounds = 1
	return t
}

func testManager(t *testing.T, client oracle.Client, sink protocol.Sink) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Tune:      fastTuning(),
		Catalog:   archetypes.Builtin(),
		Client:    client,
		Sink:      sink,
		Log:       log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Rand:      fixedRand{},
		SessionID: "test-session",
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestSeedRoster(t *testing.T) {
	m := testManager(t, brokenOracle, nil)

	roster := m.Roster()
	if len(roster) != 6 {
		t.Fatalf("roster size %d, want 6", len(roster))
	}
	seen := make(map[string]bool)
	for _, s := range roster {
		if seen[s.ID] {
			t.Fatalf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Balance != 500 {
			t.Errorf("%s balance %d, want 500", s.ID, s.Balance)
		}
		if s.Generation != 0 {
			t.Errorf("%s generation %d, want 0", s.ID, s.Generation)
		}
		if len(s.Ledger) != 1 || s.Ledger[0].Reason != ReasonSeed {
			t.Errorf("%s ledger %v, want a single seed entry", s.ID, s.Ledger)
		}
	}
}

func TestSeedRoster_SmallCatalogDisambiguates(t *testing.T) {
	cat := archetypes.Catalog{Archetypes: []archetypes.Archetype{
		{ID: "x", Name: "X", Description: "first"},
		{ID: "y", Name: "Y", Description: "second"},
	}}
	m, err := NewManager(Config{
		Tune:    fastTuning(),
		Catalog: cat,
		Client:  brokenOracle,
		Log:     log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Rand:    fixedRand{},
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	seen := make(map[string]bool)
	for _, s := range m.Roster() {
		if seen[s.ID] {
			t.Fatalf("duplicate id %q from repeated archetype", s.ID)
		}
		seen[s.ID] = true
	}
	if !seen["x"] || !seen["x_2"] || !seen["x_3"] {
		t.Fatalf("missing disambiguated repeats, got %v", seen)
	}
}

func TestBlendWeights_ProfitProportional(t *testing.T) {
	survivors := []*Strategy{
		{ID: "a", Name: "A", TotalProfit: 300, GamesPlayed: 3, AverageProfit: 100},
		{ID: "b", Name: "B", TotalProfit: 100, GamesPlayed: 3, AverageProfit: 33.3},
		{ID: "c", Name: "C", TotalProfit: -50, GamesPlayed: 3, AverageProfit: -16.6},
	}
	shares := blendWeights(survivors)
	if len(shares) != 3 {
		t.Fatalf("shares=%v", shares)
	}
	if shares[0].Weight != 0.75 || shares[1].Weight != 0.25 || shares[2].Weight != 0 {
		t.Fatalf("weights=%v, want 0.75/0.25/0", shares)
	}
}

func TestBlendWeights_UniformWhenNoPositiveSignal(t *testing.T) {
	survivors := []*Strategy{
		{ID: "a", TotalProfit: -100, GamesPlayed: 2, AverageProfit: -50},
		{ID: "b", TotalProfit: 0, GamesPlayed: 2},
		{ID: "c", TotalProfit: -30, GamesPlayed: 2, AverageProfit: -15},
		{ID: "d", TotalProfit: -200, GamesPlayed: 2, AverageProfit: -100},
	}
	shares := blendWeights(survivors)
	for _, s := range shares {
		if math.Abs(s.Weight-0.25) > 1e-9 {
			t.Fatalf("weights=%v, want uniform 0.25", shares)
		}
	}
}

func TestProfitSignal(t *testing.T) {
	cases := []struct {
		name string
		s    Strategy
		want float64
	}{
		{"positive total", Strategy{TotalProfit: 120, GamesPlayed: 4, AverageProfit: 30}, 120},
		{"rate beats total", Strategy{TotalProfit: 80, GamesPlayed: 4, AverageProfit: 25}, 100},
		{"negative floored", Strategy{TotalProfit: -60, GamesPlayed: 2, AverageProfit: -30}, 0},
		{"unplayed", Strategy{}, 0},
	}
	for _, tc := range cases {
		if got := tc.s.profitSignal(); got != tc.want {
			t.Errorf("%s: signal=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFallbackBlend_TopTwoParents(t *testing.T) {
	byID := map[string]*Strategy{
		"a": {ID: "a", Name: "Alpha", Description: "always anchor high"},
		"b": {ID: "b", Name: "Beta", Description: "trade votes for shares"},
		"c": {ID: "c", Name: "Gamma", Description: "wait and strike"},
	}
	parents := []ParentShare{
		{ID: "a", Name: "Alpha", Weight: 0.2},
		{ID: "b", Name: "Beta", Weight: 0.5},
		{ID: "c", Name: "Gamma", Weight: 0.3},
	}
	p := fallbackBlend(parents, byID)
	if p.Name != "Hybrid: Beta x Gamma" {
		t.Fatalf("name=%q", p.Name)
	}
	if !strings.Contains(p.Description, "trade votes for shares") {
		t.Fatalf("description=%q does not lead with the heaviest parent", p.Description)
	}
}

func TestSynthesize_OracleBlend(t *testing.T) {
	scripted := oracle.Func(func(_ context.Context, prompt string, _ oracle.Options) (string, error) {
		if !strings.Contains(prompt, "Synthesize ONE replacement") {
			return "", errors.New("unexpected prompt")
		}
		return `Sure: {"name": "Patient Broker", "description": "Builds early coalitions and defends a 20% floor.", "reasoning": "blend of the two earners"}`, nil
	})
	m := testManager(t, scripted, nil)

	survivors := []*Strategy{
		{ID: "p1", Name: "P1", Description: "d1", Generation: 2, TotalProfit: 100, GamesPlayed: 2, AverageProfit: 50},
		{ID: "p2", Name: "P2", Description: "d2", Generation: 1, TotalProfit: 50, GamesPlayed: 2, AverageProfit: 25},
	}
	dead := &Strategy{ID: "dead", Name: "Dead", Description: "went bust"}

	s, ev := m.synthesize(context.Background(), survivors, dead, 9)
	if ev.Fallback {
		t.Fatalf("oracle blend should not fall back")
	}
	if s.Name != "Patient Broker" {
		t.Fatalf("name=%q", s.Name)
	}
	if !strings.HasPrefix(s.ID, "hybrid_") {
		t.Fatalf("id=%q, want hybrid_ prefix", s.ID)
	}
	if s.Generation != 3 {
		t.Fatalf("generation=%d, want 1 past the eldest parent", s.Generation)
	}
	if s.Balance != 500 {
		t.Fatalf("balance=%d, want a fresh bankroll", s.Balance)
	}
	if len(s.Parents) != 2 {
		t.Fatalf("parents=%v", s.Parents)
	}
	if s.BornGame != 9 || ev.GameNumber != 9 {
		t.Fatalf("born_game=%d ev_game=%d", s.BornGame, ev.GameNumber)
	}
}

func TestSynthesize_FallbackOnOracleFailure(t *testing.T) {
	m := testManager(t, brokenOracle, nil)
	survivors := []*Strategy{
		{ID: "p1", Name: "P1", Description: "d1", TotalProfit: 100, GamesPlayed: 1, AverageProfit: 100},
		{ID: "p2", Name: "P2", Description: "d2", TotalProfit: 10, GamesPlayed: 1, AverageProfit: 10},
	}
	dead := &Strategy{ID: "dead", Name: "Dead", Description: "went bust"}

	s, ev := m.synthesize(context.Background(), survivors, dead, 4)
	if !ev.Fallback {
		t.Fatalf("expected deterministic fallback")
	}
	if s.Name != "Hybrid: P1 x P2" {
		t.Fatalf("name=%q", s.Name)
	}
}

func TestSynthesize_NovelWhenNoSurvivors(t *testing.T) {
	m := testManager(t, brokenOracle, nil)
	dead := &Strategy{ID: "dead", Name: "Dead", Description: "went bust"}

	s, ev := m.synthesize(context.Background(), nil, dead, 4)
	if !strings.HasPrefix(s.ID, "novel_") {
		t.Fatalf("id=%q, want novel_ prefix", s.ID)
	}
	if !strings.HasPrefix(s.Name, "Novel ") {
		t.Fatalf("name=%q", s.Name)
	}
	if s.Generation != 1 || !ev.Fallback {
		t.Fatalf("generation=%d fallback=%v", s.Generation, ev.Fallback)
	}
}

func TestProcessBankruptcies(t *testing.T) {
	m := testManager(t, brokenOracle, nil)

	m.mu.Lock()
	for i, s := range m.roster {
		s.GamesPlayed = 1
		if i == 0 {
			s.Balance = 40 // below the 100 entry fee
		} else {
			s.Balance = 400
		}
	}
	deadID := m.roster[0].ID
	m.mu.Unlock()

	m.processBankruptcies(context.Background(), 7)

	elims := m.Eliminations()
	if len(elims) != 1 {
		t.Fatalf("eliminations=%v, want exactly one", elims)
	}
	if elims[0].StrategyID != deadID || elims[0].FinalBalance != 40 || elims[0].Reason != "bankruptcy" {
		t.Fatalf("elimination=%+v", elims[0])
	}

	roster := m.Roster()
	if len(roster) != 6 {
		t.Fatalf("roster size %d after replacement, want 6", len(roster))
	}
	for _, s := range roster {
		if s.ID == deadID {
			t.Fatalf("bankrupt strategy %s still on the roster", deadID)
		}
	}
	repl := roster[len(roster)-1]
	if !strings.HasPrefix(repl.ID, "hybrid_") {
		t.Fatalf("replacement id=%q", repl.ID)
	}
	if repl.Balance != 500 {
		t.Fatalf("replacement balance=%d, want a fresh bankroll", repl.Balance)
	}
	if repl.Generation != 1 {
		t.Fatalf("replacement generation=%d, want 1 over seed parents", repl.Generation)
	}
	if repl.BornGame != 7 {
		t.Fatalf("replacement born_game=%d", repl.BornGame)
	}

	evos := m.Evolutions()
	if len(evos) != 1 || evos[0].StrategyID != repl.ID || len(evos[0].Parents) != 5 {
		t.Fatalf("evolutions=%+v", evos)
	}
}

func TestProcessBankruptcies_NoneSolventIsUntouchedHere(t *testing.T) {
	// The full reset lives in the run loop; processBankruptcies alone
	// must still replace every removal, even from an empty survivor
	// pool.
	m := testManager(t, brokenOracle, nil)
	m.mu.Lock()
	for _, s := range m.roster {
		s.GamesPlayed = 1
		s.Balance = 10
	}
	m.mu.Unlock()

	m.processBankruptcies(context.Background(), 3)

	roster := m.Roster()
	if len(roster) != 6 {
		t.Fatalf("roster size %d, want 6 replacements", len(roster))
	}
	for _, s := range roster {
		if !strings.HasPrefix(s.ID, "novel_") && !strings.HasPrefix(s.ID, "hybrid_") {
			t.Fatalf("unexpected survivor %q", s.ID)
		}
	}
}

func TestSettle(t *testing.T) {
	m := testManager(t, brokenOracle, nil)

	m.mu.Lock()
	for _, s := range m.roster {
		s.GamesPlayed = 1
		s.Balance = 400 // post-fee
	}
	winner := m.roster[0].ID
	runner := m.roster[1].ID
	m.mu.Unlock()

	out := round.Outcome{
		Winner: winner,
		Coins:  map[string]int{winner: 300, runner: 300},
		Rounds: 2,
	}
	m.settle(1, out)

	roster := m.Roster()
	if roster[0].Balance != 700 {
		t.Fatalf("winner balance=%d, want 400+300", roster[0].Balance)
	}
	if roster[0].TotalProfit != 200 || roster[0].AverageProfit != 200 {
		t.Fatalf("winner profit=%d avg=%v, want 300-100", roster[0].TotalProfit, roster[0].AverageProfit)
	}
	if roster[0].Wins != 1 {
		t.Fatalf("winner wins=%d", roster[0].Wins)
	}
	if roster[2].TotalProfit != -100 {
		t.Fatalf("shut-out profit=%d, want -100", roster[2].TotalProfit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.matchups[winner][runner] != 1 || len(m.matchups[winner]) != 5 {
		t.Fatalf("matchups=%v", m.matchups)
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	m := testManager(t, brokenOracle, nil)

	now := time.Now().UTC().Truncate(time.Second)
	m.mu.Lock()
	m.gameNumber = 12
	m.roster[0].Balance = 730
	m.roster[0].Wins = 3
	m.eliminations = append(m.eliminations, EliminationEvent{
		StrategyID: "gone", Name: "Gone", GameNumber: 8, FinalBalance: 60,
		Reason: "bankruptcy", Timestamp: now,
	})
	m.evolutions = append(m.evolutions, EvolutionEvent{
		StrategyID: "hybrid_ab12cd34", Name: "Blend", GameNumber: 8, Generation: 2,
		Parents: []ParentShare{{ID: "a", Name: "A", Weight: 0.6}}, Timestamp: now,
	})
	m.matchups["a"] = map[string]int{"b": 2}
	m.mu.Unlock()

	snap := m.export()
	if snap.NextGameNumber != 13 || snap.Header.SessionID != "test-session" {
		t.Fatalf("header=%+v next=%d", snap.Header, snap.NextGameNumber)
	}

	other := testManager(t, brokenOracle, nil)
	other.restore(snap)

	if other.GameNumber() != 12 {
		t.Fatalf("restored game number %d, want 12", other.GameNumber())
	}
	roster := other.Roster()
	if len(roster) != 6 || roster[0].Balance != 730 || roster[0].Wins != 3 {
		t.Fatalf("restored roster[0]=%+v", roster[0])
	}
	if elims := other.Eliminations(); len(elims) != 1 || elims[0].StrategyID != "gone" {
		t.Fatalf("restored eliminations=%v", elims)
	}
	if evos := other.Evolutions(); len(evos) != 1 || len(evos[0].Parents) != 1 {
		t.Fatalf("restored evolutions=%v", evos)
	}
	other.mu.Lock()
	defer other.mu.Unlock()
	if other.matchups["a"]["b"] != 2 {
		t.Fatalf("restored matchups=%v", other.matchups)
	}
}

// stopAfterFirstGame flips the manager off as soon as one game
// completes, letting Run exit at the next loop boundary.
type stopAfterFirstGame struct {
	mu sync.Mutex
	m  *Manager

	completed int
}

func (s *stopAfterFirstGame) Emit(ev protocol.Event) {
	if ev.Type != protocol.TypeGameCompleted {
		return
	}
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	s.m.Stop()
}

func TestRun_SingleGameLifecycle(t *testing.T) {
	sink := &stopAfterFirstGame{}
	m := testManager(t, brokenOracle, sink)
	sink.m = m

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.GameNumber() != 1 {
		t.Fatalf("game number %d, want 1", m.GameNumber())
	}
	if m.Context().Running() {
		t.Fatalf("running flag still set after Run returned")
	}

	// Even with every oracle call failing, the game settles and the
	// pool returns to the table: fees out, coins in.
	total := 0
	for _, s := range m.Roster() {
		total += s.Balance
	}
	if total != 6*500 {
		t.Fatalf("total bankroll %d, want the conserved 3000", total)
	}
	for _, s := range m.Roster() {
		if s.GamesPlayed != 1 {
			t.Fatalf("%s games_played=%d, want 1", s.ID, s.GamesPlayed)
		}
	}
}

// stopAfterGames flips the manager off once n games have completed.
type stopAfterGames struct {
	mu     sync.Mutex
	m      *Manager
	target int
	seen   int
}

func (s *stopAfterGames) Emit(ev protocol.Event) {
	if ev.Type != protocol.TypeGameCompleted {
		return
	}
	s.mu.Lock()
	s.seen++
	done := s.seen >= s.target
	s.mu.Unlock()
	if done {
		s.m.Stop()
	}
}

// Observer bootstrap and the HTTP handlers read the counter and the
// roster while the run loop plays; both sides must go through the
// lock. Run under -race.
func TestGameNumber_ConcurrentReadsDuringRun(t *testing.T) {
	sink := &stopAfterGames{target: 3}
	m := testManager(t, brokenOracle, sink)
	sink.m = m

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = m.GameNumber()
					_ = m.Roster()
				}
			}
		}()
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(stop)
	wg.Wait()

	if m.GameNumber() != 3 {
		t.Fatalf("game number %d, want 3", m.GameNumber())
	}
}

type countingStore struct {
	mu    sync.Mutex
	games []int
}

func (c *countingStore) Save(snap snapshot.SnapshotV1) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.games = append(c.games, snap.Header.GameNumber)
	return "mem", nil
}

func (c *countingStore) LoadLatest() (snapshot.SnapshotV1, bool, error) {
	return snapshot.SnapshotV1{}, false, nil
}

func TestRun_SnapshotCadence(t *testing.T) {
	store := &countingStore{}
	sink := &stopAfterGames{target: 4}
	tune := fastTuning()
	tune.SnapshotEveryGames = 2

	m, err := NewManager(Config{
		Tune:      tune,
		Catalog:   archetypes.Builtin(),
		Client:    brokenOracle,
		Sink:      sink,
		Log:       log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Rand:      fixedRand{},
		SessionID: "test-session",
		Store:     store,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	sink.m = m

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.games) != 2 || store.games[0] != 2 || store.games[1] != 4 {
		t.Fatalf("snapshots at games %v, want [2 4]", store.games)
	}
}

type failingStore struct{}

func (failingStore) Save(snapshot.SnapshotV1) (string, error) {
	return "", errors.New("disk full")
}

func (failingStore) LoadLatest() (snapshot.SnapshotV1, bool, error) {
	return snapshot.SnapshotV1{}, false, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingSink) Emit(ev protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) logLines(t *testing.T) []protocol.LogLine {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.LogLine
	for _, ev := range r.events {
		if ev.Type != protocol.TypeLog {
			continue
		}
		var line protocol.LogLine
		if err := json.Unmarshal(ev.Payload, &line); err != nil {
			t.Fatalf("log payload: %v", err)
		}
		out = append(out, line)
	}
	return out
}

func TestPersistFailureStreamsErrorLog(t *testing.T) {
	sink := &recordingSink{}
	m, err := NewManager(Config{
		Tune:      fastTuning(),
		Catalog:   archetypes.Builtin(),
		Client:    brokenOracle,
		Sink:      sink,
		Log:       log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Rand:      fixedRand{},
		SessionID: "test-session",
		Store:     failingStore{},
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	m.persist()

	var sawError, sawRetained bool
	for _, l := range sink.logLines(t) {
		if l.Source != "population" {
			t.Fatalf("unexpected log source %q", l.Source)
		}
		if l.Level == protocol.LevelError && strings.Contains(l.Message, "primary snapshot failed") {
			sawError = true
		}
		if l.Level == protocol.LevelWarning && strings.Contains(l.Message, "retained in memory") {
			sawRetained = true
		}
	}
	if !sawError || !sawRetained {
		t.Fatalf("missing streamed failure log lines (error=%v retained=%v)", sawError, sawRetained)
	}
}

func TestSnapshotCarriesSeedAcrossResume(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.FileStore{DataDir: dir}

	m, err := NewManager(Config{
		Tune:      fastTuning(),
		Catalog:   archetypes.Builtin(),
		Client:    brokenOracle,
		Log:       log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Seed:      42,
		SessionID: "seed-session",
		Store:     store,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if snap := m.export(); snap.Seed != 42 {
		t.Fatalf("exported seed %d, want 42", snap.Seed)
	}
	m.persist()

	resumed, err := NewManager(Config{
		Tune:      fastTuning(),
		Catalog:   archetypes.Builtin(),
		Client:    brokenOracle,
		Log:       log.New(os.Stderr, "[pop-test] ", log.LstdFlags),
		Seed:      7,
		SessionID: "seed-session-2",
		Store:     store,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.seed != 42 {
		t.Fatalf("resumed seed %d, want the snapshot's 42", resumed.seed)
	}
	if resumed.rand == nil {
		t.Fatalf("rand not constructed on resume")
	}
	if snap := resumed.export(); snap.Seed != 42 {
		t.Fatalf("re-exported seed %d, want 42", snap.Seed)
	}
}
