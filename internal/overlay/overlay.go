// Package overlay is the boundary to the user-facing status surface. The
// console implementation prints status lines; a real on-screen overlay
// plugs in behind the same interface.
package overlay

import (
	"log"
	"sync"
)

// Notifier shows ephemeral conversation status. Implementations must never
// block or return errors into the session path.
type Notifier interface {
	Show(status string)
	Dismiss()
}

// Console logs status changes, collapsing repeats.
type Console struct {
	mu   sync.Mutex
	last string
}

func NewConsole() *Console {
	return &Console{}
}

func (c *Console) Show(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status == c.last {
		return
	}
	c.last = status
	log.Printf("overlay: %s", status)
}

func (c *Console) Dismiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == "" {
		return
	}
	c.last = ""
	log.Printf("overlay: dismissed")
}
