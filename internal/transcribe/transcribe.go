// Package transcribe converts finished user-turn audio to text for the
// conversation memory.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Transcriber turns a WAV-encoded user turn into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Whisper transcribes with the OpenAI speech-to-text endpoint.
type Whisper struct {
	client *openai.Client
	model  string
}

func NewWhisper(apiKey string) *Whisper {
	return &Whisper{
		client: openai.NewClient(apiKey),
		model:  openai.Whisper1,
	}
}

func (w *Whisper) Transcribe(ctx context.Context, wav []byte) (string, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "turn.wav",
		Reader:   bytes.NewReader(wav),
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Disabled is used when no transcription credentials are configured. It
// yields empty text, which the memory layer skips.
type Disabled struct{}

func (Disabled) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return "", nil
}
