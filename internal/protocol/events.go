package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies realtime websocket payload variants.
type EventType string

// Outbound (client to endpoint) event types.
const (
	TypeSessionUpdate    EventType = "session.update"
	TypeInputAudioAppend EventType = "input_audio_buffer.append"
	TypeInputAudioClear  EventType = "input_audio_buffer.clear"
	TypeInputAudioCommit EventType = "input_audio_buffer.commit"
	TypeResponseCreate   EventType = "response.create"
)

// Inbound (endpoint to client) event types.
const (
	TypeSessionCreated        EventType = "session.created"
	TypeSessionUpdated        EventType = "session.updated"
	TypeSpeechStarted         EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped         EventType = "input_audio_buffer.speech_stopped"
	TypeResponseCreated       EventType = "response.created"
	TypeAudioDelta            EventType = "response.audio.delta"
	TypeOutputAudioDelta      EventType = "response.output_audio.delta"
	TypeAudioTranscriptDelta  EventType = "response.audio_transcript.delta"
	TypeOutputTranscriptDelta EventType = "response.output_audio_transcript.delta"
	TypeResponseDone          EventType = "response.done"
	TypeError                 EventType = "error"
)

type envelope struct {
	Type EventType `json:"type"`
}

// TurnDetectionSettings selects how the endpoint detects end of user speech.
// A nil value in SessionSettings means the client signals turn end itself.
type TurnDetectionSettings struct {
	Type string `json:"type"`
}

// SessionSettings carries the per-session configuration sent after connect.
type SessionSettings struct {
	Kind          string                 `json:"type,omitempty"`
	Instructions  string                 `json:"instructions"`
	Voice         string                 `json:"voice,omitempty"`
	TurnDetection *TurnDetectionSettings `json:"turn_detection,omitempty"`
}

// SessionUpdate configures the remote session, including instructions built
// from the conversation context preamble.
type SessionUpdate struct {
	Type    EventType       `json:"type"`
	Session SessionSettings `json:"session"`
}

func NewSessionUpdate(settings SessionSettings) SessionUpdate {
	if settings.Kind == "" {
		settings.Kind = "realtime"
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: settings}
}

// InputAudioAppend frames one captured PCM chunk. EventID carries the chunk
// sequence number so the endpoint sees a strictly increasing order tag.
type InputAudioAppend struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
	Audio   string    `json:"audio"`
}

func NewInputAudioAppend(seq uint64, audioBase64 string) InputAudioAppend {
	return InputAudioAppend{
		Type:    TypeInputAudioAppend,
		EventID: fmt.Sprintf("chunk-%d", seq),
		Audio:   audioBase64,
	}
}

// InputAudioClear resets the server-side input buffer at conversation start.
type InputAudioClear struct {
	Type EventType `json:"type"`
}

func NewInputAudioClear() InputAudioClear {
	return InputAudioClear{Type: TypeInputAudioClear}
}

// InputAudioCommit closes the current user turn in manual mode.
type InputAudioCommit struct {
	Type EventType `json:"type"`
}

func NewInputAudioCommit() InputAudioCommit {
	return InputAudioCommit{Type: TypeInputAudioCommit}
}

// ResponseCreate explicitly requests an assistant response in manual mode.
type ResponseCreate struct {
	Type EventType `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// Inbound event variants.

type SessionCreated struct {
	Type EventType `json:"type"`
}

type SessionUpdated struct {
	Type EventType `json:"type"`
}

type SpeechStarted struct {
	Type EventType `json:"type"`
}

type SpeechStopped struct {
	Type EventType `json:"type"`
}

type ResponseCreated struct {
	Type EventType `json:"type"`
}

// AudioDelta carries a base64 fragment of synthesized assistant audio.
type AudioDelta struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta"`
}

// TranscriptDelta carries a fragment of the assistant transcript.
type TranscriptDelta struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta"`
}

type ResponseDone struct {
	Type EventType `json:"type"`
}

// ErrorDetail is the nested error payload of an error event.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorEvent struct {
	Type  EventType   `json:"type"`
	Error ErrorDetail `json:"error"`
}

// Unknown preserves the type tag of events this client does not interpret.
// Unknown events are skipped by callers, never treated as fatal.
type Unknown struct {
	Type EventType
}

// ParseServerEvent decodes one inbound event into its typed variant.
// A malformed payload is an error; an unrecognized type is not.
func ParseServerEvent(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionCreated:
		return SessionCreated{Type: env.Type}, nil
	case TypeSessionUpdated:
		return SessionUpdated{Type: env.Type}, nil
	case TypeSpeechStarted:
		return SpeechStarted{Type: env.Type}, nil
	case TypeSpeechStopped:
		return SpeechStopped{Type: env.Type}, nil
	case TypeResponseCreated:
		return ResponseCreated{Type: env.Type}, nil
	case TypeAudioDelta, TypeOutputAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio delta: %w", err)
		}
		return msg, nil
	case TypeAudioTranscriptDelta, TypeOutputTranscriptDelta:
		var msg TranscriptDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid transcript delta: %w", err)
		}
		return msg, nil
	case TypeResponseDone:
		return ResponseDone{Type: env.Type}, nil
	case TypeError:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid error event: %w", err)
		}
		return msg, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}
