package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	PlayerCount     int `yaml:"player_count"`
	EntryFee        int `yaml:"entry_fee"`
	StartingBalance int `yaml:"starting_balance"`

	NegotiationSubRounds int `yaml:"negotiation_sub_rounds"`
	MaxRounds            int `yaml:"max_rounds"`

	// Throttling of outbound oracle calls. Plain timed waits, not
	// adaptive backpressure.
	TurnDelayMs     int `yaml:"turn_delay_ms"`
	SubRoundDelayMs int `yaml:"sub_round_delay_ms"`
	GameDelaySec    int `yaml:"game_delay_sec"`

	WinThresholdPct int `yaml:"win_threshold_pct"`

	Oracle OracleTuning `yaml:"oracle"`

	SnapshotEveryGames int `yaml:"snapshot_every_games"`
}

type OracleTuning struct {
	Temperature   float64 `yaml:"temperature"`
	MaxOutputSize int     `yaml:"max_output_size"`
	TimeoutSec    int     `yaml:"timeout_sec"`
}

func Defaults() Tuning {
	return Tuning{
		PlayerCount:          6,
		EntryFee:             100,
		StartingBalance:      500,
		NegotiationSubRounds: 3,
		MaxRounds:            10,
		TurnDelayMs:          500,
		SubRoundDelayMs:      2000,
		GameDelaySec:         30,
		WinThresholdPct:      61,
		Oracle: OracleTuning{
			Temperature:   0.8,
			MaxOutputSize: 1024,
			TimeoutSec:    60,
		},
		SnapshotEveryGames: 1,
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.PlayerCount < 2 {
		return fmt.Errorf("player_count must be >= 2, got %d", t.PlayerCount)
	}
	if t.EntryFee <= 0 {
		return fmt.Errorf("entry_fee must be positive, got %d", t.EntryFee)
	}
	if t.StartingBalance < t.EntryFee {
		return fmt.Errorf("starting_balance %d below entry_fee %d", t.StartingBalance, t.EntryFee)
	}
	if t.NegotiationSubRounds < 1 {
		return fmt.Errorf("negotiation_sub_rounds must be >= 1, got %d", t.NegotiationSubRounds)
	}
	if t.MaxRounds < 1 {
		return fmt.Errorf("max_rounds must be >= 1, got %d", t.MaxRounds)
	}
	if t.WinThresholdPct < 51 || t.WinThresholdPct > 100 {
		return fmt.Errorf("win_threshold_pct must be in [51,100], got %d", t.WinThresholdPct)
	}
	if t.SnapshotEveryGames < 1 {
		return fmt.Errorf("snapshot_every_games must be >= 1, got %d", t.SnapshotEveryGames)
	}
	return nil
}
