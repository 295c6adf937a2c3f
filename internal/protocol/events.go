package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const Version = "1.0"

// Event types pushed to dashboard observers. The core emits these
// fire-and-forget; no acknowledgment is awaited.
const (
	TypeGameStarted        = "GAME_STARTED"
	TypeGameCompleted      = "GAME_COMPLETED"
	TypeRoundUpdate        = "ROUND_UPDATE"
	TypePlayerEliminated   = "PLAYER_ELIMINATED"
	TypeStrategyEliminated = "STRATEGY_ELIMINATED"
	TypeStrategyEvolved    = "STRATEGY_EVOLVED"
	TypeCountdownTick      = "COUNTDOWN_TICK"
	TypeLog                = "LOG"
)

// Log levels for TypeLog events.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Event is the envelope every sink message travels in. Payload holds
// the type-specific body, already marshaled so the observer fanout
// never re-encodes per client.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(typ string, payload any) Event {
	b, err := json.Marshal(payload)
	if err != nil {
		b = nil
	}
	return Event{Type: typ, Timestamp: time.Now().UTC(), Payload: b}
}

type GameStarted struct {
	GameNumber int      `json:"game_number"`
	Players    []string `json:"players"`
	Pool       int      `json:"pool"`
}

type GameCompleted struct {
	GameNumber int            `json:"game_number"`
	Winner     string         `json:"winner,omitempty"`
	Fallback   bool           `json:"fallback"`
	Rounds     int            `json:"rounds"`
	Coins      map[string]int `json:"coins"`
}

type RoundUpdate struct {
	GameNumber int      `json:"game_number"`
	Round      int      `json:"round"`
	SubRound   int      `json:"sub_round,omitempty"`
	Phase      string   `json:"phase"`
	Active     []string `json:"active"`
	Eliminated []string `json:"eliminated,omitempty"`
}

type PlayerEliminated struct {
	GameNumber int    `json:"game_number"`
	Round      int    `json:"round"`
	Player     string `json:"player"`
	Votes      int    `json:"votes"`
	TieBreak   bool   `json:"tie_break,omitempty"`
}

type StrategyEliminated struct {
	StrategyID   string `json:"strategy_id"`
	Name         string `json:"name"`
	GameNumber   int    `json:"game_number"`
	FinalBalance int    `json:"final_balance"`
	Reason       string `json:"reason"`
}

type StrategyEvolved struct {
	StrategyID string             `json:"strategy_id"`
	Name       string             `json:"name"`
	Generation int                `json:"generation"`
	Parents    map[string]float64 `json:"parents"`
	Reasoning  string             `json:"reasoning,omitempty"`
	Fallback   bool               `json:"fallback,omitempty"`
}

type CountdownTick struct {
	NextGameNumber int `json:"next_game_number"`
	SecondsLeft    int `json:"seconds_left"`
}

type LogLine struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Logf pushes a leveled log line to observers. Source tags the
// emitting component. A nil sink discards the line.
func Logf(s Sink, level, source, format string, args ...any) {
	if s == nil {
		return
	}
	s.Emit(NewEvent(TypeLog, LogLine{
		Level:   level,
		Source:  source,
		Message: fmt.Sprintf(format, args...),
	}))
}

// Sink receives events from the core. Implementations must not block
// the caller; slow consumers drop rather than backpressure the game
// loop.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards everything. Useful default for tests and headless
// runs.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
