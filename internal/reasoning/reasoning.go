// Package reasoning abstracts the external text-generation capability used by
// triage and deep analysis.
package reasoning

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the provider answered without content.
var ErrEmptyResponse = errors.New("reasoning: empty response")

// Capability turns a prompt into text. Callers treat any error as absence of signal.
type Capability interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Capability.
type Func func(ctx context.Context, prompt string) (string, error)

// GenerateText implements Capability.
func (f Func) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
