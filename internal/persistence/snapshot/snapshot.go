// Package snapshot persists the full simulation state: roster,
// ledger histories, elimination/evolution history and counters —
// enough to resume play deterministically from the next game number.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version    int    `json:"version"`
	SessionID  string `json:"session_id"`
	GameNumber int    `json:"game_number"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	// Effective tuning captured for deterministic resume.
	PlayerCount     int   `json:"player_count"`
	EntryFee        int   `json:"entry_fee"`
	StartingBalance int   `json:"starting_balance"`
	Seed            int64 `json:"seed"`

	NextGameNumber int `json:"next_game_number"`

	Roster       []StrategyV1    `json:"roster"`
	Eliminations []EliminationV1 `json:"eliminations"`
	Evolutions   []EvolutionV1   `json:"evolutions"`

	// Matchups counts winner -> opponent victories.
	Matchups map[string]map[string]int `json:"matchups,omitempty"`
}

type StrategyV1 struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Archetype   string `json:"archetype"`
	Description string `json:"description"`

	Balance       int     `json:"balance"`
	GamesPlayed   int     `json:"games_played"`
	Wins          int     `json:"wins"`
	TotalProfit   int     `json:"total_profit"`
	AverageProfit float64 `json:"average_profit"`

	Ledger []LedgerEntryV1 `json:"ledger"`

	Generation int             `json:"generation"`
	Parents    []ParentShareV1 `json:"parents,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`

	BornGame int       `json:"born_game"`
	BornAt   time.Time `json:"born_at"`
}

type LedgerEntryV1 struct {
	GameNumber int       `json:"game_number"`
	Balance    int       `json:"balance"`
	Delta      int       `json:"delta"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

type ParentShareV1 struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type EliminationV1 struct {
	StrategyID   string    `json:"strategy_id"`
	Name         string    `json:"name"`
	GameNumber   int       `json:"game_number"`
	FinalBalance int       `json:"final_balance"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

type EvolutionV1 struct {
	StrategyID string          `json:"strategy_id"`
	Name       string          `json:"name"`
	GameNumber int             `json:"game_number"`
	Generation int             `json:"generation"`
	Parents    []ParentShareV1 `json:"parents"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Fallback   bool            `json:"fallback,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Path returns the canonical location of a snapshot for a game
// number.
func Path(dataDir string, gameNumber int) string {
	return filepath.Join(dataDir, "snapshots", fmt.Sprintf("%d.snap.zst", gameNumber))
}

// Write stores the snapshot atomically: a JSON header line followed
// by a gob body, zstd-compressed, renamed into place.
func Write(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = f.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads a snapshot written by Write.
func Read(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; the gob body repeats it.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// Latest returns the path of the highest-numbered snapshot under
// dataDir, or "" when none exist.
func Latest(dataDir string) string {
	dir := filepath.Join(dataDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	best, bestN := "", -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".snap.zst"))
		if err != nil {
			continue
		}
		if n > bestN {
			bestN = n
			best = filepath.Join(dir, name)
		}
	}
	return best
}

// WriteEvolutionExport writes the plain-JSON progress export the
// visualization tooling consumes. Best effort, not part of the
// resume path.
func WriteEvolutionExport(dataDir string, snap SnapshotV1) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, fmt.Sprintf("enhanced_evolution_%s.json", time.Now().UTC().Format("20060102_150405")))

	export := map[string]any{
		"gameNumber":       snap.Header.GameNumber,
		"roster":           snap.Roster,
		"eliminations":     snap.Eliminations,
		"evolutions":       snap.Evolutions,
		"strategyMatchups": exportMatchups(snap.Matchups),
	}
	b, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func exportMatchups(m map[string]map[string]int) map[string]map[string]int {
	if m == nil {
		return map[string]map[string]int{}
	}
	// Stable key order is irrelevant to JSON maps, but copy so the
	// export never aliases live state.
	out := make(map[string]map[string]int, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		inner := make(map[string]int, len(m[k]))
		for k2, v := range m[k] {
			inner[k2] = v
		}
		out[k] = inner
	}
	return out
}
