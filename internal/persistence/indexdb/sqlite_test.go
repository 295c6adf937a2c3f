package indexdb

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// eventually polls for the async writer to catch up.
func eventually(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func TestRecentGames(t *testing.T) {
	idx := openTestIndex(t)

	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	for n := 1; n <= 3; n++ {
		idx.WriteGame(GameRow{
			GameNumber: n,
			Winner:     "aggressive_maximizer",
			Rounds:     n,
			Pool:       600,
			CoinsJSON:  `{"aggressive_maximizer": 300}`,
			PlayedAt:   now,
		})
	}
	idx.WriteGame(GameRow{GameNumber: 4, Fallback: true, Rounds: 10, Pool: 600, CoinsJSON: "{}", PlayedAt: now})

	var games []GameRow
	eventually(t, func() bool {
		var err error
		games, err = idx.RecentGames(2)
		return err == nil && len(games) == 2
	})

	if games[0].GameNumber != 4 || games[1].GameNumber != 3 {
		t.Fatalf("order=%d,%d, want newest first", games[0].GameNumber, games[1].GameNumber)
	}
	if !games[0].Fallback || games[1].Fallback {
		t.Fatalf("fallback flags=%v,%v", games[0].Fallback, games[1].Fallback)
	}
	if !games[0].PlayedAt.Equal(now) {
		t.Fatalf("played_at=%v", games[0].PlayedAt)
	}
}

func TestLineageOf(t *testing.T) {
	idx := openTestIndex(t)

	idx.WriteEvolution(EvolutionRow{
		StrategyID:  "hybrid_ab12cd34",
		Name:        "Hybrid: A x B",
		GameNumber:  7,
		Generation:  2,
		ParentsJSON: MarshalParents([]map[string]any{{"id": "a", "weight": 0.7}}),
		Reasoning:   "blend of the earners",
		Fallback:    false,
		Timestamp:   time.Now().UTC(),
	})
	idx.WriteEvolution(EvolutionRow{
		StrategyID: "other", Name: "Other", GameNumber: 8, Generation: 1,
		ParentsJSON: "[]", Timestamp: time.Now().UTC(),
	})

	var lineage []EvolutionRow
	eventually(t, func() bool {
		var err error
		lineage, err = idx.LineageOf("hybrid_ab12cd34")
		return err == nil && len(lineage) == 1
	})
	if lineage[0].Generation != 2 || lineage[0].Reasoning != "blend of the earners" {
		t.Fatalf("lineage=%+v", lineage[0])
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic on the closed channel.
	idx.WriteLedger(LedgerRow{StrategyID: "late", GameNumber: 1, Timestamp: time.Now()})
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMarshalParents(t *testing.T) {
	if got := MarshalParents([]string{"a"}); got != `["a"]` {
		t.Fatalf("got %q", got)
	}
	if got := MarshalParents(func() {}); got != "[]" {
		t.Fatalf("unmarshalable value: got %q", got)
	}
}
