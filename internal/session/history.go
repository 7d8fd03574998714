package session

import "github.com/skypro1111/voice-turn-service/internal/provider"

// History keeps the last turns of a conversation in memory.
type History struct {
	max   int
	turns []provider.Turn
}

// NewHistory keeps at most max turns. Zero disables history.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Add appends a turn, evicting the oldest beyond the limit. Empty text is
// ignored.
func (h *History) Add(role provider.Role, text string) {
	if h.max <= 0 || text == "" {
		return
	}
	h.turns = append(h.turns, provider.Turn{Role: role, Text: text})
	if over := len(h.turns) - h.max; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

// Snapshot returns a copy safe to hand to another goroutine.
func (h *History) Snapshot() []provider.Turn {
	out := make([]provider.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int { return len(h.turns) }
