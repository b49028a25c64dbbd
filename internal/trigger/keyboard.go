// Package trigger turns global key presses into conversation start signals.
package trigger

import (
	"context"
	"fmt"
	"log"

	"github.com/eiannone/keyboard"
)

// Keyboard listens for the configured trigger key and emits on Events().
// The listener only hands signals over a channel; it never touches session
// state itself.
type Keyboard struct {
	key    rune
	events chan struct{}
}

func NewKeyboard(key rune) *Keyboard {
	return &Keyboard{
		key:    key,
		events: make(chan struct{}, 1),
	}
}

// Events delivers one signal per trigger press. Presses arriving while a
// signal is already pending are coalesced.
func (k *Keyboard) Events() <-chan struct{} {
	return k.events
}

// Run blocks until the context is cancelled, Esc or ctrl-C is pressed, or
// the keyboard becomes unreadable.
func (k *Keyboard) Run(ctx context.Context) error {
	keys, err := keyboard.GetKeys(8)
	if err != nil {
		return fmt.Errorf("open keyboard: %w", err)
	}
	defer keyboard.Close()

	log.Printf("trigger: press %q to start a conversation, Esc to quit", k.key)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-keys:
			if event.Err != nil {
				return fmt.Errorf("read key: %w", event.Err)
			}
			if event.Key == keyboard.KeyEsc || event.Key == keyboard.KeyCtrlC {
				return nil
			}
			if event.Rune == k.key {
				select {
				case k.events <- struct{}{}:
				default:
				}
			}
		}
	}
}
