package decomposer

import (
	"context"
	"sync"
)

// StaticDecomposer returns canned outputs keyed by message text. It backs
// tests and offline runs where no model endpoint exists.
type StaticDecomposer struct {
	mu sync.Mutex
	// ByText maps raw message text to its canned output.
	ByText map[string]*Output
	// Fallback is returned when no text matches. Nil falls through to Err.
	Fallback *Output
	// Err, when set and no output matches, is returned as the call error.
	Err error

	calls []Input
}

// NewStatic creates an empty static decomposer.
func NewStatic() *StaticDecomposer {
	return &StaticDecomposer{ByText: make(map[string]*Output)}
}

// Add registers a canned output for a message text.
func (s *StaticDecomposer) Add(text string, out *Output) *StaticDecomposer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ByText[text] = out
	return s
}

// Decompose replays the canned output for the input text. Outputs are
// validated the same way a live response would be.
func (s *StaticDecomposer) Decompose(ctx context.Context, in Input) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, in)
	out, ok := s.ByText[in.RawText]
	if !ok {
		out = s.Fallback
	}
	err := s.Err
	s.mu.Unlock()

	if out == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrInvalidResponse
	}
	copied := *out
	if verr := validateOutput(&copied); verr != nil {
		return nil, verr
	}
	return &copied, nil
}

// Calls returns the inputs seen so far.
func (s *StaticDecomposer) Calls() []Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Input, len(s.calls))
	copy(out, s.calls)
	return out
}

var _ Decomposer = (*StaticDecomposer)(nil)
