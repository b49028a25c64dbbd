package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/aria/internal/audio"
	"github.com/ent0n29/aria/internal/config"
	"github.com/ent0n29/aria/internal/memory"
	"github.com/ent0n29/aria/internal/observability"
	"github.com/ent0n29/aria/internal/protocol"
	"github.com/ent0n29/aria/internal/turn"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	writes  []any

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) push(t *testing.T, raw string) {
	t.Helper()
	select {
	case f.inbound <- []byte(raw):
	case <-time.After(time.Second):
		t.Fatalf("push %s: inbound queue full", raw)
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.inbound:
		return 1, raw, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeConn) countAppends() int {
	n := 0
	for _, w := range f.snapshot() {
		if _, ok := w.(protocol.InputAudioAppend); ok {
			n++
		}
	}
	return n
}

type fakePipeline struct {
	mu sync.Mutex

	captureCh       chan audio.Chunk
	captureStopOnce sync.Once
	captureStopped  bool
	startCaptureErr error

	startPlaybackErr error
	playback         []audio.Chunk
	playbackStopped  bool
	drained          bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{captureCh: make(chan audio.Chunk, 32)}
}

func (p *fakePipeline) StartCapture(ctx context.Context) (<-chan audio.Chunk, error) {
	if p.startCaptureErr != nil {
		return nil, p.startCaptureErr
	}
	return p.captureCh, nil
}

func (p *fakePipeline) StopCapture() {
	p.captureStopOnce.Do(func() {
		p.mu.Lock()
		p.captureStopped = true
		p.mu.Unlock()
		close(p.captureCh)
	})
}

func (p *fakePipeline) StartPlayback() error {
	return p.startPlaybackErr
}

func (p *fakePipeline) EnqueuePlayback(chunk audio.Chunk) error {
	p.mu.Lock()
	p.playback = append(p.playback, chunk)
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) DrainPlayback(ctx context.Context) error {
	p.mu.Lock()
	p.drained = true
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) StopPlayback() {
	p.mu.Lock()
	p.playbackStopped = true
	p.mu.Unlock()
}

func (p *fakePipeline) playbackChunks() []audio.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Chunk, len(p.playback))
	copy(out, p.playback)
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	turns []memory.Turn
}

func (s *fakeStore) Load(ctx context.Context) (memory.History, error) { return nil, nil }

func (s *fakeStore) Append(ctx context.Context, turn memory.Turn) error {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Snapshot(ctx context.Context, maxChars int) (memory.History, error) {
	return nil, nil
}

func (s *fakeStore) Stats(ctx context.Context) (memory.Stats, error) { return memory.Stats{}, nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) recorded() []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f.text, f.err
}

func testConfig(mode string) config.Config {
	return config.Config{
		TurnDetection: mode,
		Voice:         "alloy",
		Instructions:  "You are a helpful assistant.",
		MemoryEnabled: true,
		SampleRate:    24000,
		DrainTimeout:  time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collectStates(notifications <-chan StateChange) []State {
	var states []State
	for change := range notifications {
		states = append(states, change.State)
	}
	return states
}

func audioDeltaJSON(pcm []byte) string {
	raw, _ := json.Marshal(map[string]string{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})
	return string(raw)
}

func TestSessionHappyPath(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	store := &fakeStore{}

	client := NewClient(Options{
		Config:      testConfig(config.TurnDetectionServerVAD),
		Preamble:    "Previous conversation context:\nUser (10:00): hi\n---",
		Dial:        func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline:    pipe,
		Detector:    turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
		Store:       store,
		Transcriber: &fakeTranscriber{text: "what is the weather"},
	})

	var states []State
	statesDone := make(chan struct{})
	go func() {
		states = collectStates(client.Notifications())
		close(statesDone)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)

	for seq := uint64(0); seq < 3; seq++ {
		pipe.captureCh <- audio.Chunk{Seq: seq, Direction: audio.DirectionCapture, PCM: []byte{1, 2, 3, 4}}
	}
	waitFor(t, "3 audio appends", func() bool { return conn.countAppends() == 3 })

	conn.push(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	conn.push(t, `{"type":"response.created"}`)
	conn.push(t, audioDeltaJSON([]byte{9, 9}))
	conn.push(t, audioDeltaJSON([]byte{8, 8}))
	conn.push(t, `{"type":"response.audio_transcript.delta","delta":"Hello"}`)
	conn.push(t, `{"type":"response.audio_transcript.delta","delta":" there"}`)
	conn.push(t, `{"type":"response.done"}`)

	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	<-statesDone

	want := []State{StateConnecting, StateListening, StateThinking, StateSpeaking, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	writes := conn.snapshot()
	if _, ok := writes[0].(protocol.InputAudioClear); !ok {
		t.Errorf("first write = %T, want InputAudioClear", writes[0])
	}
	update, ok := writes[1].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("second write = %T, want SessionUpdate", writes[1])
	}
	if !strings.Contains(update.Session.Instructions, "Previous conversation context:") {
		t.Errorf("session instructions missing memory preamble: %q", update.Session.Instructions)
	}
	if update.Session.TurnDetection == nil || update.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("session turn_detection = %+v, want server_vad", update.Session.TurnDetection)
	}
	for _, w := range writes {
		switch w.(type) {
		case protocol.InputAudioCommit, protocol.ResponseCreate:
			t.Errorf("unexpected manual-mode write %T with server VAD", w)
		}
	}

	chunks := pipe.playbackChunks()
	if len(chunks) != 2 {
		t.Fatalf("playback chunks = %d, want 2", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Seq != uint64(i) {
			t.Errorf("playback chunk %d has seq %d", i, chunk.Seq)
		}
		if chunk.Direction != audio.DirectionPlayback {
			t.Errorf("playback chunk %d has direction %v", i, chunk.Direction)
		}
	}
	if !pipe.drained {
		t.Error("playback was not drained before teardown")
	}
	if !pipe.playbackStopped || !pipe.captureStopped {
		t.Error("audio devices were not released")
	}

	turns := store.recorded()
	if len(turns) != 2 {
		t.Fatalf("recorded turns = %d, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "what is the weather" {
		t.Errorf("user turn = %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAssistant || turns[1].Text != "Hello there" {
		t.Errorf("assistant turn = %+v", turns[1])
	}
}

func TestManualModeCommitsTurn(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	store := &fakeStore{}
	detector := turn.NewDetector(turn.Config{Mode: config.TurnDetectionManual})

	client := NewClient(Options{
		Config:      testConfig(config.TurnDetectionManual),
		Dial:        func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline:    pipe,
		Detector:    detector,
		Store:       store,
		Transcriber: &fakeTranscriber{text: "turn the lights off"},
	})
	go collectStates(client.Notifications())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	pipe.captureCh <- audio.Chunk{Seq: 0, Direction: audio.DirectionCapture, PCM: []byte{1, 2}}
	waitFor(t, "first audio append", func() bool { return conn.countAppends() == 1 })

	// The user releases the trigger; the next chunk closes the turn.
	detector.SignalStop()
	pipe.captureCh <- audio.Chunk{Seq: 1, Direction: audio.DirectionCapture, PCM: []byte{0, 0}}

	waitFor(t, "commit and response request", func() bool {
		commit, create := false, false
		for _, w := range conn.snapshot() {
			switch w.(type) {
			case protocol.InputAudioCommit:
				commit = true
			case protocol.ResponseCreate:
				create = true
			}
		}
		return commit && create
	})

	conn.push(t, `{"type":"response.created"}`)
	conn.push(t, audioDeltaJSON([]byte{7, 7}))
	conn.push(t, `{"type":"response.done"}`)

	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	update, ok := conn.snapshot()[1].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("second write = %T, want SessionUpdate", conn.snapshot()[1])
	}
	if update.Session.TurnDetection != nil {
		t.Errorf("manual mode must not request server turn detection, got %+v", update.Session.TurnDetection)
	}
}

func TestOutOfOrderEventFailsSession(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
	})

	var states []State
	statesDone := make(chan struct{})
	go func() {
		states = collectStates(client.Notifications())
		close(statesDone)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	// An audio delta without a preceding turn end is out of order.
	conn.push(t, audioDeltaJSON([]byte{1, 1}))

	err := <-runErr
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Run() error = %v, want ErrProtocol", err)
	}
	<-statesDone

	if len(states) == 0 || states[len(states)-1] != StateFailed {
		t.Fatalf("final state = %v, want failed", states)
	}
	if pipe.drained {
		t.Error("failed session must not drain playback")
	}
	if !pipe.playbackStopped {
		t.Error("failed session must release the playback device")
	}
}

func TestCaptureDeviceFailure(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	pipe.startCaptureErr = errors.New("device busy")

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
	})
	go collectStates(client.Notifications())

	err := client.Run(context.Background())
	if !errors.Is(err, ErrDevice) {
		t.Fatalf("Run() error = %v, want ErrDevice", err)
	}
	if conn.countAppends() != 0 {
		t.Errorf("sent %d audio chunks after device failure, want 0", conn.countAppends())
	}
}

func TestDialFailure(t *testing.T) {
	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return nil, errors.New("connection refused") },
		Pipeline: newFakePipeline(),
	})

	var states []State
	statesDone := make(chan struct{})
	go func() {
		states = collectStates(client.Notifications())
		close(statesDone)
	}()

	err := client.Run(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Run() error = %v, want ErrConnection", err)
	}
	<-statesDone
	if states[len(states)-1] != StateFailed {
		t.Fatalf("final state = %v, want failed", states)
	}
}

func TestCancellationTearsDownCleanly(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	store := &fakeStore{}

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
		Store:    store,
	})

	var states []State
	statesDone := make(chan struct{})
	go func() {
		states = collectStates(client.Notifications())
		close(statesDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	conn.push(t, `{"type":"session.created"}`)
	waitFor(t, "listening state", func() bool { return conn.countAppends() == 0 && len(conn.snapshot()) >= 2 })
	cancel()

	if err := <-runErr; err != nil {
		t.Fatalf("Run() after cancel error = %v", err)
	}
	<-statesDone

	sawClosing := false
	for _, s := range states {
		if s == StateClosing {
			sawClosing = true
		}
	}
	if !sawClosing {
		t.Errorf("states = %v, want Closing before Idle", states)
	}
	if states[len(states)-1] != StateIdle {
		t.Fatalf("final state = %v, want idle", states)
	}
	if len(store.recorded()) != 0 {
		t.Errorf("cancelled session recorded %d turns, want 0", len(store.recorded()))
	}
}

func TestCancellationNoiseIgnored(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
	})
	go collectStates(client.Notifications())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	conn.push(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	conn.push(t, `{"type":"error","error":{"code":"response_cancel_not_active","message":"Cancellation failed: no active response found"}}`)
	conn.push(t, audioDeltaJSON([]byte{5, 5}))
	conn.push(t, `{"type":"response.done"}`)

	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v, cancellation noise must not fail the session", err)
	}
}

func TestRemoteErrorFailsSession(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
	})
	go collectStates(client.Notifications())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	conn.push(t, `{"type":"error","error":{"code":"invalid_request","message":"bad session config"}}`)

	err := <-runErr
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Run() error = %v, want ErrProtocol", err)
	}
	if !strings.Contains(err.Error(), "bad session config") {
		t.Errorf("error %q does not carry the remote message", err)
	}
}

func TestWireEventsCountedBothDirections(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	metrics := observability.NewMetrics(fmt.Sprintf("aria_client_test_%d", time.Now().UnixNano()))

	client := NewClient(Options{
		Config:   testConfig(config.TurnDetectionServerVAD),
		Dial:     func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline: pipe,
		Detector: turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
		Metrics:  metrics,
	})
	go collectStates(client.Notifications())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	pipe.captureCh <- audio.Chunk{Seq: 0, Direction: audio.DirectionCapture, PCM: []byte{1, 2}}
	waitFor(t, "audio append", func() bool { return conn.countAppends() == 1 })

	conn.push(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	conn.push(t, audioDeltaJSON([]byte{3, 3}))
	conn.push(t, `{"type":"response.done"}`)

	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	inbound := map[string]float64{
		"session.created":                   1,
		"input_audio_buffer.speech_stopped": 1,
		"response.audio.delta":              1,
		"response.done":                     1,
	}
	for eventType, want := range inbound {
		got := testutil.ToFloat64(metrics.WireEvents.WithLabelValues("inbound", eventType))
		if got != want {
			t.Errorf("inbound %s count = %v, want %v", eventType, got, want)
		}
	}
	if got := testutil.ToFloat64(metrics.WireEvents.WithLabelValues("outbound", "input_audio_buffer.append")); got != 1 {
		t.Errorf("outbound append count = %v, want 1", got)
	}
}

func TestTranscriptionFailureOmitsUserTurn(t *testing.T) {
	conn := newFakeConn()
	pipe := newFakePipeline()
	store := &fakeStore{}

	client := NewClient(Options{
		Config:      testConfig(config.TurnDetectionServerVAD),
		Dial:        func(ctx context.Context) (Conn, error) { return conn, nil },
		Pipeline:    pipe,
		Detector:    turn.NewDetector(turn.Config{Mode: config.TurnDetectionServerVAD}),
		Store:       store,
		Transcriber: &fakeTranscriber{err: errors.New("service unavailable")},
	})
	go collectStates(client.Notifications())

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	conn.push(t, `{"type":"session.created"}`)
	pipe.captureCh <- audio.Chunk{Seq: 0, Direction: audio.DirectionCapture, PCM: []byte{1, 2}}
	waitFor(t, "audio append", func() bool { return conn.countAppends() == 1 })

	conn.push(t, `{"type":"input_audio_buffer.speech_stopped"}`)
	conn.push(t, `{"type":"response.audio_transcript.delta","delta":"Done."}`)
	conn.push(t, `{"type":"response.done"}`)

	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v, transcription failure must not fail the session", err)
	}

	turns := store.recorded()
	if len(turns) != 1 {
		t.Fatalf("recorded turns = %+v, want only the assistant turn", turns)
	}
	if turns[0].Role != memory.RoleAssistant || turns[0].Text != "Done." {
		t.Errorf("assistant turn = %+v", turns[0])
	}
}
