// Package orchestrator owns the conversation lifecycle: it turns trigger
// signals into sessions, enforces that at most one session runs at a time,
// and fans session state out to the overlay.
package orchestrator

import (
	"context"
	"log"
	"sync"

	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/memory"
	"github.com/ent0n29/aria/internal/observability"
	"github.com/ent0n29/aria/internal/overlay"
	"github.com/ent0n29/aria/internal/realtime"
)

// Session is one conversation from trigger to terminal state. Satisfied by
// *realtime.Client.
type Session interface {
	Run(ctx context.Context) error
	Notifications() <-chan realtime.StateChange
}

// SessionFactory builds a fresh session with the given memory preamble.
type SessionFactory func(preamble string) Session

// Orchestrator is the single writer over the memory store: sessions it
// builds are run one at a time, and nothing else appends turns.
type Orchestrator struct {
	cfg      config.Config
	store    memory.Store
	notifier overlay.Notifier
	metrics  *observability.Metrics
	build    SessionFactory

	mu      sync.Mutex
	active  bool
	running sync.WaitGroup
}

func New(cfg config.Config, store memory.Store, notifier overlay.Notifier, metrics *observability.Metrics, build SessionFactory) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		build:    build,
	}
}

// Run consumes trigger signals until the context is cancelled, then waits
// for the in-flight session to finish its own cancellation path.
func (o *Orchestrator) Run(ctx context.Context, triggers <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			o.running.Wait()
			return
		case _, ok := <-triggers:
			if !ok {
				o.running.Wait()
				return
			}
			o.TriggerSignal(ctx)
		}
	}
}

// TriggerSignal starts a session unless one is already active. Triggers
// during an active session are ignored, not queued.
func (o *Orchestrator) TriggerSignal(ctx context.Context) {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		log.Printf("orchestrator: session already active, trigger ignored")
		return
	}
	o.active = true
	o.running.Add(1)
	o.mu.Unlock()

	go o.runSession(ctx)
}

func (o *Orchestrator) runSession(ctx context.Context) {
	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
		o.running.Done()
	}()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		defer o.metrics.ActiveSessions.Dec()
	}

	session := o.build(o.preamble(ctx))

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for change := range session.Notifications() {
			o.show(change.State)
		}
	}()

	if err := session.Run(ctx); err != nil {
		log.Printf("orchestrator: session failed: %v", err)
	}
	<-watchDone
}

// preamble assembles the conversation-context block injected into the
// session instructions. Any memory failure degrades to an empty preamble.
func (o *Orchestrator) preamble(ctx context.Context) string {
	if !o.cfg.MemoryEnabled || o.store == nil {
		return ""
	}
	history, err := o.store.Snapshot(ctx, o.cfg.MemoryCharBudget)
	if err != nil {
		log.Printf("orchestrator: load memory snapshot: %v", err)
		return ""
	}
	return memory.BuildPreamble(history, o.cfg.MemoryCharBudget)
}

// show maps session states to overlay status. Overlay problems stay in the
// overlay; the session never sees them.
func (o *Orchestrator) show(state realtime.State) {
	if o.notifier == nil {
		return
	}
	switch state {
	case realtime.StateListening:
		o.notifier.Show("🎤 Listening...")
	case realtime.StateThinking:
		o.notifier.Show("🤔 Thinking...")
	case realtime.StateSpeaking:
		o.notifier.Show("🗣️ Speaking...")
	case realtime.StateIdle, realtime.StateFailed:
		o.notifier.Dismiss()
	}
}
