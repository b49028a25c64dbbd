package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// InitHost initializes the PortAudio host. Call once at process start.
func InitHost() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	return nil
}

// TerminateHost releases the PortAudio host. Call once at process exit.
func TerminateHost() error {
	return portaudio.Terminate()
}

// portaudioInput reads fixed-size PCM16 frames from the default microphone.
type portaudioInput struct {
	sampleRate int
	frames     int
	buf        []int16
	stream     *portaudio.Stream
}

// NewPortAudioInput returns an InputDevice bound to the default capture
// device. The device opens lazily on Start.
func NewPortAudioInput(sampleRate, frames int) InputDevice {
	return &portaudioInput{sampleRate: sampleRate, frames: frames}
}

func (d *portaudioInput) Start() error {
	d.buf = make([]int16, d.frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), d.frames, d.buf)
	if err != nil {
		return fmt.Errorf("open default input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *portaudioInput) Read(buf []int16) error {
	if d.stream == nil {
		return fmt.Errorf("input stream not started")
	}
	if err := d.stream.Read(); err != nil {
		return err
	}
	copy(buf, d.buf)
	return nil
}

func (d *portaudioInput) Stop() error {
	if d.stream == nil {
		return nil
	}
	err := d.stream.Stop()
	if closeErr := d.stream.Close(); err == nil {
		err = closeErr
	}
	d.stream = nil
	return err
}

// portaudioOutput writes PCM16 frames to the default speaker. Inbound audio
// deltas vary in size, so writes are re-framed to the stream's fixed buffer
// with a carry-over remainder.
type portaudioOutput struct {
	sampleRate int
	frames     int
	buf        []int16
	remainder  []int16
	stream     *portaudio.Stream
}

// NewPortAudioOutput returns an OutputDevice bound to the default playback
// device.
func NewPortAudioOutput(sampleRate, frames int) OutputDevice {
	return &portaudioOutput{sampleRate: sampleRate, frames: frames}
}

func (d *portaudioOutput) Start() error {
	d.buf = make([]int16, d.frames)
	d.remainder = d.remainder[:0]
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.sampleRate), d.frames, &d.buf)
	if err != nil {
		return fmt.Errorf("open default output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start output stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *portaudioOutput) Write(samples []int16) error {
	if d.stream == nil {
		return fmt.Errorf("output stream not started")
	}
	pending := append(d.remainder, samples...)
	for len(pending) >= d.frames {
		copy(d.buf, pending[:d.frames])
		pending = pending[d.frames:]
		if err := d.stream.Write(); err != nil {
			d.remainder = append(d.remainder[:0], pending...)
			return err
		}
	}
	d.remainder = append(d.remainder[:0], pending...)
	return nil
}

func (d *portaudioOutput) Stop() error {
	if d.stream == nil {
		return nil
	}
	// Flush the partial tail zero-padded so the last fragment is audible.
	if len(d.remainder) > 0 {
		copy(d.buf, d.remainder)
		for i := len(d.remainder); i < d.frames; i++ {
			d.buf[i] = 0
		}
		_ = d.stream.Write()
		d.remainder = d.remainder[:0]
	}
	err := d.stream.Stop()
	if closeErr := d.stream.Close(); err == nil {
		err = closeErr
	}
	d.stream = nil
	return err
}
