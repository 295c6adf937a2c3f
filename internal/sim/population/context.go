package population

import (
	"context"
	"sync/atomic"
	"time"

	"potsplit.ai/internal/protocol"
)

// SimContext is the one place simulation control state lives. Only
// the manager's top-level loop mutates it; everything else reads.
type SimContext struct {
	running         atomic.Bool
	waitingNextGame atomic.Bool
}

func (c *SimContext) Running() bool { return c.running.Load() }

func (c *SimContext) WaitingNextGame() bool { return c.waitingNextGame.Load() }

// Countdown ticks once per second for a fixed span, emitting a
// countdown event per tick. It owns its clock and tears down
// deterministically when the span ends, the context is cancelled, or
// the stop check says so.
type Countdown struct {
	Seconds int
	Sink    protocol.Sink

	// Stop is polled each tick; returning true ends the countdown
	// early.
	Stop func() bool
}

// Run blocks until the countdown finishes or is cut short. It
// reports whether the full span elapsed.
func (cd *Countdown) Run(ctx context.Context, nextGame int) bool {
	if cd.Seconds <= 0 {
		return true
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for left := cd.Seconds; left > 0; left-- {
		cd.Sink.Emit(protocol.NewEvent(protocol.TypeCountdownTick, protocol.CountdownTick{
			NextGameNumber: nextGame,
			SecondsLeft:    left,
		}))
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if cd.Stop != nil && cd.Stop() {
			return false
		}
	}
	return true
}
