// Package engine turns one agent's turn into a validated matrix-row
// update. The reasoning oracle is an unreliable collaborator: its
// output is located, shape-checked, auto-corrected for small numeric
// drift, and validated before anything touches the shared matrix.
package engine

import (
	"context"
	"log"
	"sync"

	"potsplit.ai/internal/oracle"
	"potsplit.ai/internal/protocol"
	"potsplit.ai/internal/sim/matrix"
	"potsplit.ai/internal/sim/tuning"
)

// TurnInput describes one agent turn.
type TurnInput struct {
	PlayerIndex  int
	StrategyText string
	Round        int
	SubRound     int
	Phase        Phase
	Eliminated   bool

	// Active maps player id -> still in the game. Includes the
	// caller.
	Active map[string]bool

	// boundPlayer is resolved from PlayerIndex by the engine before
	// prompt construction.
	boundPlayer string
}

func (in TurnInput) Player() string { return in.boundPlayer }

// TurnResult reports an accepted row update.
type TurnResult struct {
	Row         []float64
	Explanation string
	LengthFixed bool
	Corrections []string
}

// Engine is the sole writer of matrix rows. One engine serves one
// game.
type Engine struct {
	mat      *matrix.Matrix
	client   oracle.Client
	opts     tuning.OracleTuning
	entryFee int
	log      *log.Logger

	mu           sync.Mutex
	explanations map[string][]string
}

func New(mat *matrix.Matrix, client oracle.Client, tune tuning.Tuning, logger *log.Logger) *Engine {
	return &Engine{
		mat:          mat,
		client:       client,
		opts:         tune.Oracle,
		entryFee:     tune.EntryFee,
		log:          logger,
		explanations: make(map[string][]string),
	}
}

// PerformTurn runs one agent turn end to end: prompt, oracle call,
// parse, auto-correct, validate, write. On any failure the matrix is
// untouched and the caller picks its own fallback.
func (e *Engine) PerformTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	players := e.mat.Players()
	if in.PlayerIndex < 0 || in.PlayerIndex >= len(players) {
		return TurnResult{}, protocol.NewTurnError(protocol.ErrSystem, "",
			"player index %d out of range", in.PlayerIndex)
	}
	in.boundPlayer = players[in.PlayerIndex]
	player := in.boundPlayer

	prompt := e.buildPrompt(in)
	text, err := e.client.Generate(ctx, prompt, oracle.Options{
		Temperature:   e.opts.Temperature,
		MaxOutputSize: e.opts.MaxOutputSize,
		RoleText:      roleText,
	})
	if err != nil {
		terr := protocol.NewTurnError(protocol.ErrSystem, player, "oracle: %v", err)
		e.log.Printf("turn failed: %v", terr)
		return TurnResult{}, terr
	}

	payload, lengthFixed, perr := parseTurn(text, e.mat.RowWidth(), player)
	if perr != nil {
		e.log.Printf("turn failed: %v", perr)
		return TurnResult{}, perr
	}
	if lengthFixed {
		e.log.Printf("length auto-fix applied for %s", player)
	}

	row := payload.MatrixRow
	notes := e.autoCorrect(row, in)

	if verr := e.validate(row, in); verr != nil {
		e.log.Printf("turn failed: %v", verr)
		return TurnResult{}, verr
	}

	if err := e.mat.Update(player, in.PlayerIndex, row); err != nil {
		terr := protocol.NewTurnError(protocol.ErrSystem, player, "matrix write: %v", err)
		e.log.Printf("turn failed: %v", terr)
		return TurnResult{}, terr
	}

	if payload.Explanation != "" {
		e.mu.Lock()
		e.explanations[player] = append(e.explanations[player], payload.Explanation)
		e.mu.Unlock()
	}

	return TurnResult{
		Row:         append([]float64(nil), row...),
		Explanation: payload.Explanation,
		LengthFixed: lengthFixed,
		Corrections: notes,
	}, nil
}

// Explanations returns the explanation history collected for a
// player, oldest first.
func (e *Engine) Explanations(player string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.explanations[player]...)
}

// Matrix exposes the engine's matrix for phase decoding.
func (e *Engine) Matrix() *matrix.Matrix { return e.mat }
