// Package indexdb keeps a sqlite read-model of the simulation:
// per-game results, ledger entries, elimination and evolution
// history. It is fed asynchronously and drops writes when it falls
// behind; the JSONL event log remains the source of truth.
package indexdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type GameRow struct {
	GameNumber int
	Winner     string
	Fallback   bool
	Rounds     int
	Pool       int
	CoinsJSON  string
	PlayedAt   time.Time
}

type LedgerRow struct {
	StrategyID string
	GameNumber int
	Balance    int
	Delta      int
	Reason     string
	Timestamp  time.Time
}

type EliminationRow struct {
	StrategyID   string
	Name         string
	GameNumber   int
	FinalBalance int
	Reason       string
	Timestamp    time.Time
}

type EvolutionRow struct {
	StrategyID  string
	Name        string
	GameNumber  int
	Generation  int
	ParentsJSON string
	Reasoning   string
	Fallback    bool
	Timestamp   time.Time
}

type SnapshotRow struct {
	GameNumber int
	Path       string
	RosterSize int
	RecordedAt time.Time
}

type reqKind int

const (
	reqGame reqKind = iota + 1
	reqLedger
	reqElimination
	reqEvolution
	reqSnapshot
)

type req struct {
	kind reqKind

	game        GameRow
	ledger      LedgerRow
	elimination EliminationRow
	evolution   EvolutionRow
	snapshot    SnapshotRow
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Buffered so a burst of ledger writes at settlement never
		// stalls the simulation.
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-style workload; NORMAL durability is fine
	// for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games (
			game_number INTEGER PRIMARY KEY,
			winner TEXT,
			fallback INTEGER NOT NULL,
			rounds INTEGER NOT NULL,
			pool INTEGER NOT NULL,
			coins_json TEXT NOT NULL,
			played_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			game_number INTEGER NOT NULL,
			balance INTEGER NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT NOT NULL,
			ts TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_strategy_game ON ledger(strategy_id, game_number);`,
		`CREATE TABLE IF NOT EXISTS eliminations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			name TEXT NOT NULL,
			game_number INTEGER NOT NULL,
			final_balance INTEGER NOT NULL,
			reason TEXT NOT NULL,
			ts TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS evolutions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			name TEXT NOT NULL,
			game_number INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			parents_json TEXT NOT NULL,
			reasoning TEXT,
			fallback INTEGER NOT NULL,
			ts TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			game_number INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			roster_size INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind.
	}
}

func (s *SQLiteIndex) WriteGame(g GameRow) { s.enqueue(req{kind: reqGame, game: g}) }

func (s *SQLiteIndex) WriteLedger(l LedgerRow) { s.enqueue(req{kind: reqLedger, ledger: l}) }

func (s *SQLiteIndex) WriteElimination(e EliminationRow) {
	s.enqueue(req{kind: reqElimination, elimination: e})
}

func (s *SQLiteIndex) WriteEvolution(e EvolutionRow) {
	s.enqueue(req{kind: reqEvolution, evolution: e})
}

func (s *SQLiteIndex) RecordSnapshot(r SnapshotRow) { s.enqueue(req{kind: reqSnapshot, snapshot: r}) }

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		var err error
		switch r.kind {
		case reqGame:
			_, err = s.db.Exec(
				`INSERT OR REPLACE INTO games(game_number, winner, fallback, rounds, pool, coins_json, played_at)
				 VALUES(?,?,?,?,?,?,?)`,
				r.game.GameNumber, r.game.Winner, boolInt(r.game.Fallback), r.game.Rounds,
				r.game.Pool, r.game.CoinsJSON, r.game.PlayedAt.UTC().Format(time.RFC3339Nano))
		case reqLedger:
			_, err = s.db.Exec(
				`INSERT INTO ledger(strategy_id, game_number, balance, delta, reason, ts)
				 VALUES(?,?,?,?,?,?)`,
				r.ledger.StrategyID, r.ledger.GameNumber, r.ledger.Balance, r.ledger.Delta,
				r.ledger.Reason, r.ledger.Timestamp.UTC().Format(time.RFC3339Nano))
		case reqElimination:
			_, err = s.db.Exec(
				`INSERT INTO eliminations(strategy_id, name, game_number, final_balance, reason, ts)
				 VALUES(?,?,?,?,?,?)`,
				r.elimination.StrategyID, r.elimination.Name, r.elimination.GameNumber,
				r.elimination.FinalBalance, r.elimination.Reason,
				r.elimination.Timestamp.UTC().Format(time.RFC3339Nano))
		case reqEvolution:
			_, err = s.db.Exec(
				`INSERT INTO evolutions(strategy_id, name, game_number, generation, parents_json, reasoning, fallback, ts)
				 VALUES(?,?,?,?,?,?,?,?)`,
				r.evolution.StrategyID, r.evolution.Name, r.evolution.GameNumber,
				r.evolution.Generation, r.evolution.ParentsJSON, r.evolution.Reasoning,
				boolInt(r.evolution.Fallback), r.evolution.Timestamp.UTC().Format(time.RFC3339Nano))
		case reqSnapshot:
			_, err = s.db.Exec(
				`INSERT OR REPLACE INTO snapshots(game_number, path, roster_size, recorded_at)
				 VALUES(?,?,?,?)`,
				r.snapshot.GameNumber, r.snapshot.Path, r.snapshot.RosterSize,
				r.snapshot.RecordedAt.UTC().Format(time.RFC3339Nano))
		}
		_ = err // index writes are best-effort
	}
}

// RecentGames reads the newest games for the history endpoint.
func (s *SQLiteIndex) RecentGames(limit int) ([]GameRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT game_number, winner, fallback, rounds, pool, coins_json, played_at
		 FROM games ORDER BY game_number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameRow
	for rows.Next() {
		var g GameRow
		var fb int
		var playedAt string
		if err := rows.Scan(&g.GameNumber, &g.Winner, &fb, &g.Rounds, &g.Pool, &g.CoinsJSON, &playedAt); err != nil {
			return nil, err
		}
		g.Fallback = fb != 0
		g.PlayedAt, _ = time.Parse(time.RFC3339Nano, playedAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// LineageOf reads the evolution chain ending at a strategy id.
func (s *SQLiteIndex) LineageOf(strategyID string) ([]EvolutionRow, error) {
	rows, err := s.db.Query(
		`SELECT strategy_id, name, game_number, generation, parents_json, reasoning, fallback, ts
		 FROM evolutions WHERE strategy_id = ? ORDER BY id`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvolutionRow
	for rows.Next() {
		var e EvolutionRow
		var fb int
		var ts string
		var reasoning sql.NullString
		if err := rows.Scan(&e.StrategyID, &e.Name, &e.GameNumber, &e.Generation,
			&e.ParentsJSON, &reasoning, &fb, &ts); err != nil {
			return nil, err
		}
		e.Reasoning = reasoning.String
		e.Fallback = fb != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarshalParents is a convenience for callers filling ParentsJSON.
func MarshalParents(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
