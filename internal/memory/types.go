package memory

import (
	"context"
	"strings"
	"time"
)

// Role identifies which party spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one contiguous span of speech by a single party. Immutable once
// created.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// History is an ordered sequence of turns, oldest first.
type History []Turn

// Stats summarizes the stored history for the debug endpoint.
type Stats struct {
	TotalTurns     int     `json:"total_turns"`
	UserTurns      int     `json:"user_turns"`
	AssistantTurns int     `json:"assistant_turns"`
	OldestAgeHours float64 `json:"oldest_age_hours"`
	NewestAgeHours float64 `json:"newest_age_hours"`
}

// Limits bound the durable history by count and age.
type Limits struct {
	MaxMessages int
	MaxAge      time.Duration
}

// Store is a durable bounded log of conversation turns. Append writes
// through immediately and then evicts entries violating either bound.
// Single-writer: only the owning session appends.
type Store interface {
	Load(ctx context.Context) (History, error)
	Append(ctx context.Context, turn Turn) error
	// Snapshot returns the newest turns fitting maxChars, in chronological
	// order.
	Snapshot(ctx context.Context, maxChars int) (History, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// evict drops turns violating the count or age bounds, oldest first. The
// result is freshly allocated so callers can evict a shared history without
// mutating it.
func evict(h History, limits Limits, now time.Time) History {
	out := make(History, 0, len(h))
	for _, t := range h {
		if limits.MaxAge > 0 && now.Sub(t.Timestamp) >= limits.MaxAge {
			continue
		}
		out = append(out, t)
	}
	if limits.MaxMessages > 0 && len(out) > limits.MaxMessages {
		out = out[len(out)-limits.MaxMessages:]
	}
	return out
}

// trimToCharBudget keeps the newest turns whose combined text fits the
// budget, preserving chronological order in the result.
func trimToCharBudget(h History, maxChars int) History {
	if maxChars <= 0 {
		return h
	}
	used := 0
	start := len(h)
	for i := len(h) - 1; i >= 0; i-- {
		if used+len(h[i].Text) > maxChars {
			break
		}
		used += len(h[i].Text)
		start = i
	}
	return h[start:]
}

func statsFor(h History, now time.Time) Stats {
	s := Stats{TotalTurns: len(h)}
	if len(h) == 0 {
		return s
	}
	for _, t := range h {
		if t.Role == RoleUser {
			s.UserTurns++
		} else {
			s.AssistantTurns++
		}
	}
	s.OldestAgeHours = now.Sub(h[0].Timestamp).Hours()
	s.NewestAgeHours = now.Sub(h[len(h)-1].Timestamp).Hours()
	return s
}

func emptyText(s string) bool {
	return strings.TrimSpace(s) == ""
}
