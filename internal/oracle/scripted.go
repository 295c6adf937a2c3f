package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays canned responses in order. Tests use it to stand
// in for the remote model; an empty script fails every call, which
// exercises caller fallbacks.
type Scripted struct {
	mu        sync.Mutex
	Responses []string
	next      int

	// Calls records every prompt seen, for assertions.
	Calls []string
}

func (s *Scripted) Generate(_ context.Context, prompt string, _ Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, prompt)
	if s.next >= len(s.Responses) {
		return "", fmt.Errorf("scripted oracle exhausted after %d responses", len(s.Responses))
	}
	r := s.Responses[s.next]
	s.next++
	return r, nil
}
