// Package turn classifies end-of-turn for both conversation parties: the
// user (trailing-silence heuristic or an explicit stop) and the assistant
// (the response-complete protocol event).
package turn

import (
	"math"
	"sync"
	"time"

	"github.com/ent0n29/aria/internal/audio"
	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/protocol"
)

// Detector is pure classification with no failure mode. It keeps only the
// rolling silence window for the current user turn. SignalStop may be
// called from a different goroutine than UserTurnEnded.
type Detector struct {
	mu              sync.Mutex
	mode            string
	sampleRate      int
	silenceWindow   time.Duration
	rmsLimit        float64
	silentSamples   int
	requiredSamples int
	explicitStop    bool
}

// Config controls the silence heuristic in manual mode. A zero
// SilenceWindow disables the heuristic; end-of-turn is then driven only by
// an explicit stop signal.
type Config struct {
	Mode          string
	SampleRate    int
	SilenceWindow time.Duration
	RMSLimit      float64
}

func NewDetector(cfg Config) *Detector {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.RMSLimit <= 0 {
		cfg.RMSLimit = 250
	}
	d := &Detector{
		mode:          cfg.Mode,
		sampleRate:    cfg.SampleRate,
		silenceWindow: cfg.SilenceWindow,
		rmsLimit:      cfg.RMSLimit,
	}
	if cfg.SilenceWindow > 0 {
		d.requiredSamples = int(float64(cfg.SampleRate) * cfg.SilenceWindow.Seconds())
	}
	return d
}

// SignalStop marks an explicit end-of-turn, e.g. the user releasing the
// trigger key in manual mode.
func (d *Detector) SignalStop() {
	d.mu.Lock()
	d.explicitStop = true
	d.mu.Unlock()
}

// Reset clears per-turn state before a new user turn begins.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.silentSamples = 0
	d.explicitStop = false
	d.mu.Unlock()
}

// UserTurnEnded classifies one capture chunk. In server-VAD mode the
// endpoint decides, so this is always false. In manual mode it reports true
// after an explicit stop or once the trailing-silence window is full.
func (d *Detector) UserTurnEnded(chunk audio.Chunk) bool {
	if d.mode != config.TurnDetectionManual {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.explicitStop {
		return true
	}
	if d.requiredSamples == 0 {
		return false
	}

	samples := chunk.Samples()
	if rms(samples) < d.rmsLimit {
		d.silentSamples += len(samples)
	} else {
		d.silentSamples = 0
	}
	return d.silentSamples >= d.requiredSamples
}

// AssistantTurnEnded reports true exactly when a response-complete event is
// observed.
func (d *Detector) AssistantTurnEnded(event any) bool {
	_, ok := event.(protocol.ResponseDone)
	return ok
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}
