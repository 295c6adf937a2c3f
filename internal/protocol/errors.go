package protocol

import "fmt"

// Turn/phase failure codes. These travel in events and log lines, so
// they are stable strings rather than Go error values.
const (
	// Protocol Engine layer.
	ErrParsing             = "PARSING_ERROR"
	ErrMatrixUncorrectable = "INVALID_MATRIX_UNCORRECTABLE"
	ErrSystem              = "SYSTEM_ERROR"

	// Round Coordinator phase layer.
	ErrProposalInvalid = "PROPOSAL_INVALID"
	ErrVoteInvalid     = "VOTE_INVALID"
)

var knownCodes = map[string]struct{}{
	ErrParsing:             {},
	ErrMatrixUncorrectable: {},
	ErrSystem:              {},
	ErrProposalInvalid:     {},
	ErrVoteInvalid:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// TurnError is the tagged failure an engine turn or phase call returns.
// Callers branch on Code and supply their own fallback; they never
// assume success.
type TurnError struct {
	Code   string
	Player string
	Detail string
}

func (e *TurnError) Error() string {
	if e.Player == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Player, e.Detail)
}

func NewTurnError(code, player, format string, args ...any) *TurnError {
	return &TurnError{Code: code, Player: player, Detail: fmt.Sprintf(format, args...)}
}
