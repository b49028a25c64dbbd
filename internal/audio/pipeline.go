package audio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// InputDevice is a blocking microphone source producing fixed-size frames.
type InputDevice interface {
	Start() error
	// Read fills buf with exactly len(buf) samples, blocking on the device.
	Read(buf []int16) error
	Stop() error
}

// OutputDevice is a blocking speaker sink accepting variable-size frames.
type OutputDevice interface {
	Start() error
	Write(samples []int16) error
	Stop() error
}

var ErrPipelineClosed = errors.New("audio pipeline closed")

const (
	captureQueueDepth  = 256
	playbackQueueDepth = 64
)

// Pipeline owns microphone capture and speaker playback. Capture produces a
// stream of fixed-size chunks; playback consumes an ordered queue on a
// dedicated goroutine. The two queues are the only cross-thread structures.
type Pipeline struct {
	in           InputDevice
	out          OutputDevice
	chunkSamples int

	mu        sync.Mutex
	cond      *sync.Cond
	pending   int
	capturing bool
	playing   bool
	closed    bool

	captureCancel context.CancelFunc
	captureDone   chan struct{}

	playbackCh   chan Chunk
	playbackStop chan struct{}
	playbackDone chan struct{}
}

func NewPipeline(in InputDevice, out OutputDevice, chunkSamples int) *Pipeline {
	if chunkSamples <= 0 {
		chunkSamples = 1024
	}
	p := &Pipeline{
		in:           in,
		out:          out,
		chunkSamples: chunkSamples,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// StartCapture opens the input device and begins producing chunks with
// strictly increasing sequence numbers. The returned channel is closed when
// capture stops. Device open failure is fatal to the pipeline, not retried.
func (p *Pipeline) StartCapture(ctx context.Context) (<-chan Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	if p.capturing {
		return nil, errors.New("capture already running")
	}
	if err := p.in.Start(); err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}
	p.capturing = true

	captureCtx, cancel := context.WithCancel(ctx)
	p.captureCancel = cancel
	p.captureDone = make(chan struct{})

	out := make(chan Chunk, captureQueueDepth)
	go p.captureLoop(captureCtx, out)
	return out, nil
}

// captureLoop needs out bidirectional: the shed branch below receives the
// oldest queued chunk back off the channel.
func (p *Pipeline) captureLoop(ctx context.Context, out chan Chunk) {
	defer close(out)
	defer close(p.captureDone)
	defer func() {
		if err := p.in.Stop(); err != nil {
			log.Printf("audio: input device stop: %v", err)
		}
		p.mu.Lock()
		p.capturing = false
		p.mu.Unlock()
	}()

	buf := make([]int16, p.chunkSamples)
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.in.Read(buf); err != nil {
			if ctx.Err() == nil {
				log.Printf("audio: capture read: %v", err)
			}
			return
		}
		chunk := Chunk{Seq: seq, Direction: DirectionCapture, PCM: PCMFromSamples(buf)}
		seq++
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		default:
			// The consumer fell behind the hardware cadence. Stale mic data
			// is worse than a gap here, so shed the oldest queued chunk.
			select {
			case <-out:
			default:
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}
}

// StopCapture stops the producer and waits for the capture goroutine to
// flush and exit.
func (p *Pipeline) StopCapture() {
	p.mu.Lock()
	cancel := p.captureCancel
	done := p.captureDone
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// StartPlayback opens the output device and starts the playback consumer.
func (p *Pipeline) StartPlayback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	if p.playing {
		return nil
	}
	if err := p.out.Start(); err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	p.playing = true
	p.playbackCh = make(chan Chunk, playbackQueueDepth)
	p.playbackStop = make(chan struct{})
	p.playbackDone = make(chan struct{})
	go p.playbackLoop(p.playbackCh, p.playbackStop, p.playbackDone)
	return nil
}

func (p *Pipeline) playbackLoop(in <-chan Chunk, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case chunk := <-in:
			if err := p.out.Write(chunk.Samples()); err != nil {
				log.Printf("audio: playback write: %v", err)
			}
			p.mu.Lock()
			p.pending--
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}
}

// EnqueuePlayback appends a chunk to the output queue in arrival order.
// A full queue blocks the caller; frames are never dropped on this path.
func (p *Pipeline) EnqueuePlayback(chunk Chunk) error {
	p.mu.Lock()
	if p.closed || !p.playing {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	ch := p.playbackCh
	stop := p.playbackStop
	p.pending++
	p.mu.Unlock()

	chunk.Direction = DirectionPlayback
	select {
	case ch <- chunk:
		return nil
	case <-stop:
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return ErrPipelineClosed
	}
}

// DrainPlayback blocks until all enqueued audio has been rendered or the
// context expires. Used before terminal teardown.
func (p *Pipeline) DrainPlayback(ctx context.Context) error {
	deadline := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(deadline)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		select {
		case <-deadline:
			return ctx.Err()
		default:
		}
		p.cond.Wait()
		if ctx.Err() != nil && p.pending > 0 {
			return ctx.Err()
		}
	}
	return nil
}

// StopPlayback stops the consumer and discards anything still queued.
func (p *Pipeline) StopPlayback() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = false
	stop := p.playbackStop
	done := p.playbackDone
	p.playbackCh = nil
	p.mu.Unlock()

	close(stop)
	<-done
	if err := p.out.Stop(); err != nil {
		log.Printf("audio: output device stop: %v", err)
	}

	p.mu.Lock()
	p.pending = 0
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close tears down both halves of the pipeline. Safe on every exit path.
func (p *Pipeline) Close() {
	p.StopCapture()
	p.StopPlayback()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
