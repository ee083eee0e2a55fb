// Package rtproto defines the wire protocol spoken with a realtime inference
// backend (OpenAI Realtime or the Azure OpenAI realtime endpoint).
//
// Every message exchanged on the backend WebSocket is a JSON object carrying a
// "type" discriminator. The package models both message families as closed
// sets of Go types: [ClientMessage] for everything the relay sends and
// [ServerMessage] for everything the backend emits. Decoding never fails on an
// unrecognised discriminator — such payloads come back as [*UnknownMessage] so
// that protocol additions on the backend side cannot break a running relay.
//
// Field names and discriminator strings are part of the wire contract and are
// reproduced verbatim; do not rename them.
package rtproto

import "fmt"

// Voice identifies a synthesised output voice.
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// AudioFormat identifies the PCM encoding of audio buffers.
type AudioFormat string

const (
	AudioFormatPCM16    AudioFormat = "pcm16"
	AudioFormatG711Ulaw AudioFormat = "g711-ulaw"
	AudioFormatG711Alaw AudioFormat = "g711-alaw"
)

// Modality is an output channel the model may produce.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// MessageRole is the author of a conversation message item.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ItemStatus is the lifecycle state of a conversation item.
type ItemStatus string

const (
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemIncomplete ItemStatus = "incomplete"
)

// ResponseStatus is the lifecycle state of a model response.
type ResponseStatus string

const (
	ResponseInProgress ResponseStatus = "in_progress"
	ResponseCompleted  ResponseStatus = "completed"
	ResponseCancelled  ResponseStatus = "cancelled"
	ResponseIncomplete ResponseStatus = "incomplete"
	ResponseFailed     ResponseStatus = "failed"
)

// Temperature bounds accepted by the backend.
const (
	MinTemperature = 0.6
	MaxTemperature = 1.2
)

// ValidationError reports a wire payload that is malformed or out of range.
// It is fatal to the decode or encode call that produced it; the session that
// attempted the call is expected to carry on.
type ValidationError struct {
	// Field is the wire name of the offending field (e.g. "temperature").
	Field string

	// Reason describes the violation.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rtproto: invalid %s: %s", e.Field, e.Reason)
}

// validTemperature checks the backend's accepted sampling temperature range.
func validTemperature(t float64) error {
	if t < MinTemperature || t > MaxTemperature {
		return &ValidationError{
			Field:  "temperature",
			Reason: fmt.Sprintf("%v is outside [%v, %v]", t, MinTemperature, MaxTemperature),
		}
	}
	return nil
}

// InputAudioTranscription selects the model used to transcribe user audio.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// Tool describes a function tool offered to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// RateLimit is one entry of a rate_limits.updated message.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}
