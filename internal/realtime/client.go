// Package realtime implements the streaming session client: one persistent
// duplex connection to the speech-to-speech endpoint, the turn-taking state
// machine, and the arbitration between captured microphone audio and
// synthesized playback.
package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/aria/internal/audio"
	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/memory"
	"github.com/ent0n29/aria/internal/observability"
	"github.com/ent0n29/aria/internal/protocol"
	"github.com/ent0n29/aria/internal/turn"
)

// Conn is the subset of *websocket.Conn the client uses; tests substitute a
// scripted fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens the persistent connection to the realtime endpoint.
type Dialer func(ctx context.Context) (Conn, error)

// AudioPipeline is the surface the client needs from the audio layer.
// Implemented by *audio.Pipeline.
type AudioPipeline interface {
	StartCapture(ctx context.Context) (<-chan audio.Chunk, error)
	StopCapture()
	StartPlayback() error
	EnqueuePlayback(chunk audio.Chunk) error
	DrainPlayback(ctx context.Context) error
	StopPlayback()
}

// Transcriber converts a finished user-turn capture to text. Errors degrade
// memory fidelity only; they never fail the session.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// StateChange is published to the orchestrator on every transition.
type StateChange struct {
	State State
	Err   error
}

// Options wires a client to its collaborators.
type Options struct {
	Config      config.Config
	Preamble    string
	Dial        Dialer
	Pipeline    AudioPipeline
	Detector    *turn.Detector
	Store       memory.Store
	Transcriber Transcriber
	Metrics     *observability.Metrics
}

const transcribeTimeout = 15 * time.Second

// Client drives one conversation session from Connecting to a terminal
// Idle or Failed. The run loop exclusively owns SessionState and the
// pending response buffer; all cross-thread traffic is channels.
type Client struct {
	opts Options

	writeMu sync.Mutex

	audioMu   sync.Mutex
	userAudio bytes.Buffer

	micOpen atomic.Bool

	// Owned by the run loop.
	state           State
	pendingText     strings.Builder
	playbackSeq     uint64
	turnEndedAt     time.Time
	firstAudioSeen  bool
	captureStopOnce sync.Once

	notifications chan StateChange
}

func NewClient(opts Options) *Client {
	return &Client{
		opts:          opts,
		state:         StateIdle,
		notifications: make(chan StateChange, 16),
	}
}

// Notifications reports every state transition. The channel closes when the
// session reaches a terminal state.
func (c *Client) Notifications() <-chan StateChange {
	return c.notifications
}

// NewWebsocketDialer builds the production dialer for the configured
// realtime endpoint.
func NewWebsocketDialer(cfg config.Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		u, err := url.Parse(cfg.RealtimeURL)
		if err != nil {
			return nil, fmt.Errorf("parse realtime url: %w", err)
		}
		q := u.Query()
		q.Set("model", cfg.RealtimeModel)
		u.RawQuery = q.Encode()

		headers := http.Header{}
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
		headers.Set("OpenAI-Beta", "realtime=v1")

		dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
		conn, _, err := dialer.DialContext(ctx, u.String(), headers)
		if err != nil {
			return nil, fmt.Errorf("dial realtime websocket: %w", err)
		}
		return conn, nil
	}
}

// Run executes the session to its terminal state. It returns nil on clean
// completion or cancellation, and the session-fatal error otherwise. A
// failed session is never retried here; a fresh trigger builds a fresh
// client.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.notifications)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(StateConnecting, nil)
	conn, err := c.opts.Dial(ctx)
	if err != nil {
		return c.fail(nil, fmt.Errorf("%w: %v", ErrConnection, err))
	}

	if err := c.writeEvent(conn, protocol.NewInputAudioClear()); err != nil {
		return c.fail(conn, fmt.Errorf("%w: send buffer clear: %v", ErrConnection, err))
	}
	if err := c.writeEvent(conn, c.sessionUpdate()); err != nil {
		return c.fail(conn, fmt.Errorf("%w: send session config: %v", ErrConnection, err))
	}

	if err := c.opts.Pipeline.StartPlayback(); err != nil {
		return c.fail(conn, fmt.Errorf("%w: %v", ErrDevice, err))
	}
	captureCh, err := c.opts.Pipeline.StartCapture(ctx)
	if err != nil {
		c.opts.Pipeline.StopPlayback()
		return c.fail(conn, fmt.Errorf("%w: %v", ErrDevice, err))
	}
	c.micOpen.Store(true)

	loopDone := make(chan struct{})
	defer close(loopDone)

	events := make(chan any, 64)
	readErr := make(chan error, 1)
	go c.readLoop(conn, events, readErr, loopDone)

	localEnd := make(chan struct{}, 1)
	sendDone := make(chan struct{})
	go c.sendLoop(ctx, conn, captureCh, localEnd, sendDone)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosing, nil)
			c.teardown(conn)
			c.setState(StateIdle, nil)
			return nil

		case err := <-readErr:
			return c.failWithTeardown(conn, fmt.Errorf("%w: %v", ErrConnection, err))

		case <-localEnd:
			// Only one assistant turn may be in flight: a turn-end signal
			// is meaningful in Listening and nowhere else.
			if c.state != StateListening {
				continue
			}
			if err := c.requestResponse(conn); err != nil {
				return c.failWithTeardown(conn, fmt.Errorf("%w: request response: %v", ErrConnection, err))
			}
			c.turnEndedAt = time.Now()
			c.setState(StateThinking, nil)

		case evt := <-events:
			if t := inboundType(evt); t != "" {
				c.countWire("inbound", string(t))
			}
			complete, err := c.handleEvent(evt)
			if err != nil {
				return c.failWithTeardown(conn, err)
			}
			if complete {
				return c.finish(ctx, conn)
			}
		}
	}
}

func (c *Client) sessionUpdate() protocol.SessionUpdate {
	instructions := c.opts.Config.CombinedInstructions()
	if c.opts.Preamble != "" {
		instructions = instructions + "\n\n" + c.opts.Preamble
	}

	var detection *protocol.TurnDetectionSettings
	if c.opts.Config.TurnDetection == config.TurnDetectionServerVAD {
		detection = &protocol.TurnDetectionSettings{Type: "server_vad"}
	}

	return protocol.NewSessionUpdate(protocol.SessionSettings{
		Instructions:  instructions,
		Voice:         c.opts.Config.Voice,
		TurnDetection: detection,
	})
}

func (c *Client) readLoop(conn Conn, events chan<- any, readErr chan<- error, done <-chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		evt, err := protocol.ParseServerEvent(raw)
		if err != nil {
			evt = parseFailure{err: err}
		}
		select {
		case events <- evt:
		case <-done:
			return
		}
		if _, failed := evt.(parseFailure); failed {
			return
		}
	}
}

type parseFailure struct{ err error }

func (c *Client) sendLoop(ctx context.Context, conn Conn, captureCh <-chan audio.Chunk, localEnd chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	for chunk := range captureCh {
		if ctx.Err() != nil {
			return
		}
		// Capture is muted while the assistant speaks to avoid feeding
		// speaker output back into the session.
		if !c.micOpen.Load() {
			continue
		}

		c.audioMu.Lock()
		c.userAudio.Write(chunk.PCM)
		c.audioMu.Unlock()

		evt := protocol.NewInputAudioAppend(chunk.Seq, base64.StdEncoding.EncodeToString(chunk.PCM))
		if err := c.writeEvent(conn, evt); err != nil {
			if ctx.Err() == nil {
				log.Printf("realtime: send audio chunk %d: %v", chunk.Seq, err)
			}
			return
		}
		c.countWire("outbound", string(protocol.TypeInputAudioAppend))

		if c.opts.Detector != nil && c.opts.Detector.UserTurnEnded(chunk) {
			select {
			case localEnd <- struct{}{}:
			default:
			}
		}
	}
}

// requestResponse closes the user turn explicitly. Only manual mode needs
// the commit and response trigger; with server VAD the endpoint acts on its
// own detection.
func (c *Client) requestResponse(conn Conn) error {
	if c.opts.Config.TurnDetection != config.TurnDetectionManual {
		return nil
	}
	if err := c.writeEvent(conn, protocol.NewInputAudioCommit()); err != nil {
		return err
	}
	return c.writeEvent(conn, protocol.NewResponseCreate())
}

// handleEvent applies one inbound event to the state machine. Inbound
// events are processed strictly in receipt order. It reports completion
// (response done observed) or a session-fatal error.
func (c *Client) handleEvent(evt any) (bool, error) {
	switch e := evt.(type) {
	case parseFailure:
		return false, fmt.Errorf("%w: %v", ErrProtocol, e.err)

	case protocol.SessionCreated, protocol.SessionUpdated:
		// Session acknowledgement. Duplicate acks after the handshake are
		// harmless.
		if c.state == StateConnecting {
			c.setState(StateListening, nil)
		}
		return false, nil

	case protocol.SpeechStarted:
		if c.state != StateListening {
			return false, fmt.Errorf("%w: speech_started in state %s", ErrProtocol, c.state)
		}
		return false, nil

	case protocol.SpeechStopped:
		if err := c.transition(StateThinking); err != nil {
			return false, err
		}
		c.turnEndedAt = time.Now()
		return false, nil

	case protocol.ResponseCreated:
		// The endpoint may begin a response straight from Listening when
		// its own VAD closed the turn.
		if c.state == StateListening {
			if err := c.transition(StateThinking); err != nil {
				return false, err
			}
			c.turnEndedAt = time.Now()
		} else if c.state != StateThinking {
			return false, fmt.Errorf("%w: response.created in state %s", ErrProtocol, c.state)
		}
		// Mute the microphone for the remainder of the session so the
		// assistant's own voice is never streamed back.
		c.micOpen.Store(false)
		c.stopCaptureOnce()
		return false, nil

	case protocol.AudioDelta:
		if err := c.enterSpeaking(); err != nil {
			return false, err
		}
		pcm, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			return false, fmt.Errorf("%w: malformed audio delta: %v", ErrProtocol, err)
		}
		chunk := audio.Chunk{Seq: c.playbackSeq, Direction: audio.DirectionPlayback, PCM: pcm}
		c.playbackSeq++
		if err := c.opts.Pipeline.EnqueuePlayback(chunk); err != nil {
			return false, fmt.Errorf("%w: enqueue playback: %v", ErrDevice, err)
		}
		return false, nil

	case protocol.TranscriptDelta:
		if err := c.enterSpeaking(); err != nil {
			return false, err
		}
		c.pendingText.WriteString(e.Delta)
		return false, nil

	case protocol.ResponseDone:
		if c.state != StateSpeaking && c.state != StateThinking {
			return false, fmt.Errorf("%w: response.done in state %s", ErrProtocol, c.state)
		}
		return true, nil

	case protocol.ErrorEvent:
		// Cancellation noise at conversation end is expected and harmless.
		if strings.Contains(strings.ToLower(e.Error.Message), "cancellation failed") {
			return false, nil
		}
		return false, fmt.Errorf("%w: remote error %s: %s", ErrProtocol, e.Error.Code, e.Error.Message)

	case protocol.Unknown:
		// Unknown event kinds are skipped for forward compatibility.
		return false, nil

	default:
		return false, fmt.Errorf("%w: unhandled event %T", ErrProtocol, evt)
	}
}

// inboundType reports the wire type tag of an inbound event for metrics.
func inboundType(evt any) protocol.EventType {
	switch e := evt.(type) {
	case protocol.SessionCreated:
		return e.Type
	case protocol.SessionUpdated:
		return e.Type
	case protocol.SpeechStarted:
		return e.Type
	case protocol.SpeechStopped:
		return e.Type
	case protocol.ResponseCreated:
		return e.Type
	case protocol.AudioDelta:
		return e.Type
	case protocol.TranscriptDelta:
		return e.Type
	case protocol.ResponseDone:
		return e.Type
	case protocol.ErrorEvent:
		return e.Type
	case protocol.Unknown:
		return e.Type
	default:
		return ""
	}
}

// enterSpeaking moves Thinking to Speaking on the first response fragment;
// later fragments keep the state.
func (c *Client) enterSpeaking() error {
	if c.state == StateSpeaking {
		return nil
	}
	if err := c.transition(StateSpeaking); err != nil {
		return err
	}
	if !c.firstAudioSeen && !c.turnEndedAt.IsZero() && c.opts.Metrics != nil {
		c.opts.Metrics.ObserveFirstAudioLatency(time.Since(c.turnEndedAt))
	}
	c.firstAudioSeen = true
	// First fragment marks the start of a fresh assistant turn.
	return nil
}

func (c *Client) transition(to State) error {
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: invalid transition %s -> %s", ErrProtocol, c.state, to)
	}
	c.setState(to, nil)
	return nil
}

// finish runs the clean completion path after response.done: flush the
// pending response into memory, let playback drain, and release everything.
func (c *Client) finish(ctx context.Context, conn Conn) error {
	c.micOpen.Store(false)
	c.stopCaptureOnce()

	if text := strings.TrimSpace(c.pendingText.String()); text != "" {
		log.Printf("assistant: %s", text)
	}
	c.recordTurns(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), c.drainTimeout())
	if err := c.opts.Pipeline.DrainPlayback(drainCtx); err != nil {
		log.Printf("realtime: playback drain incomplete: %v", err)
	}
	cancel()
	c.opts.Pipeline.StopPlayback()

	if err := conn.Close(); err != nil {
		log.Printf("realtime: close connection: %v", err)
	}
	c.setState(StateIdle, nil)
	return nil
}

// recordTurns appends the user and assistant turns for this conversation.
// Both sides are best-effort: memory fidelity never blocks completion.
func (c *Client) recordTurns(ctx context.Context) {
	if !c.opts.Config.MemoryEnabled || c.opts.Store == nil {
		return
	}

	c.audioMu.Lock()
	pcm := make([]byte, c.userAudio.Len())
	copy(pcm, c.userAudio.Bytes())
	c.audioMu.Unlock()

	now := time.Now().UTC()
	if len(pcm) > 0 && c.opts.Transcriber != nil {
		wav, err := audio.EncodeWAVPCM16LE(pcm, c.opts.Config.SampleRate)
		if err != nil {
			log.Printf("realtime: encode user audio: %v", err)
		} else {
			tctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
			text, err := c.opts.Transcriber.Transcribe(tctx, wav)
			cancel()
			if err != nil {
				// Transcription errors degrade memory fidelity only; the
				// user turn is omitted rather than blocking the session.
				log.Printf("realtime: transcribe user turn: %v", err)
				c.countError("transcribe", "transcription")
			} else if text == "" {
				// Transcription disabled or nothing intelligible captured.
			} else if err := c.opts.Store.Append(ctx, memory.Turn{Role: memory.RoleUser, Text: text, Timestamp: now}); err != nil {
				log.Printf("realtime: store user turn: %v", err)
				c.countError("memory", "storage")
			}
		}
	}

	if text := strings.TrimSpace(c.pendingText.String()); text != "" {
		turn := memory.Turn{Role: memory.RoleAssistant, Text: text, Timestamp: now.Add(time.Millisecond)}
		if err := c.opts.Store.Append(ctx, turn); err != nil {
			log.Printf("realtime: store assistant turn: %v", err)
			c.countError("memory", "storage")
		}
	}
	c.pendingText.Reset()
}

// fail reports a session-fatal error before the audio path was started.
func (c *Client) fail(conn Conn, err error) error {
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateFailed, err)
	return err
}

// failWithTeardown reports a session-fatal error with full audio teardown.
// Playback is not drained: a broken session should stop making noise.
func (c *Client) failWithTeardown(conn Conn, err error) error {
	c.micOpen.Store(false)
	c.stopCaptureOnce()
	c.opts.Pipeline.StopPlayback()
	_ = conn.Close()
	c.setState(StateFailed, err)
	return err
}

// teardown is the cancellation path: release devices and socket without
// recording turns.
func (c *Client) teardown(conn Conn) {
	c.micOpen.Store(false)
	c.stopCaptureOnce()
	c.opts.Pipeline.StopPlayback()
	_ = conn.Close()
}

func (c *Client) stopCaptureOnce() {
	c.captureStopOnce.Do(func() {
		c.opts.Pipeline.StopCapture()
	})
}

func (c *Client) writeEvent(conn Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *Client) setState(s State, err error) {
	c.state = s
	if c.opts.Metrics != nil {
		c.opts.Metrics.SessionEvents.WithLabelValues(s.String()).Inc()
	}
	c.notifications <- StateChange{State: s, Err: err}
}

func (c *Client) drainTimeout() time.Duration {
	if c.opts.Config.DrainTimeout > 0 {
		return c.opts.Config.DrainTimeout
	}
	return 5 * time.Second
}

func (c *Client) countWire(direction, eventType string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.WireEvents.WithLabelValues(direction, eventType).Inc()
	}
}

func (c *Client) countError(component, class string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.ComponentErrors.WithLabelValues(component, class).Inc()
	}
}
