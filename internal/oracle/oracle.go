// Package oracle is the boundary to the external reasoning model.
// Nothing here interprets what comes back; callers treat the text as
// untrusted and parse defensively.
package oracle

import "context"

// Options tune one generation request.
type Options struct {
	Temperature   float64
	MaxOutputSize int
	RoleText      string
}

// Client produces free text for a prompt. There is no structural
// guarantee on the returned string.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Func adapts a function to the Client interface.
type Func func(ctx context.Context, prompt string, opts Options) (string, error)

func (f Func) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}
