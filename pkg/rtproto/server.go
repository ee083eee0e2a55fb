package rtproto

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ServerMessage is a message emitted by the backend. The known set is closed;
// unrecognised discriminators decode to [*UnknownMessage] rather than failing.
type ServerMessage interface {
	// MessageType returns the wire discriminator of the message.
	MessageType() string

	serverMessage()
}

// ServerMessageBase carries the fields shared by every server message.
type ServerMessageBase struct {
	// EventID is the backend-assigned id of this event.
	EventID string `json:"event_id"`

	// Type is the wire discriminator as received.
	Type string `json:"type"`
}

func (b *ServerMessageBase) MessageType() string { return b.Type }
func (b *ServerMessageBase) serverMessage()      {}

// ErrorDetail is the payload of an error message and of transcription
// failures.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Session is the server-confirmed session configuration.
type Session struct {
	ID                      string                   `json:"id"`
	Model                   string                   `json:"model"`
	Modalities              []Modality               `json:"modalities"`
	Instructions            string                   `json:"instructions"`
	Voice                   Voice                    `json:"voice"`
	InputAudioFormat        AudioFormat              `json:"input_audio_format"`
	OutputAudioFormat       AudioFormat              `json:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection            `json:"turn_detection,omitempty"`
	Tools                   []Tool                   `json:"tools"`
	ToolChoice              ToolChoice               `json:"tool_choice"`
	Temperature             float64                  `json:"temperature"`
	MaxResponseOutputTokens *MaxTokens               `json:"max_response_output_tokens,omitempty"`
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type alias Session
	aux := struct {
		*alias
		TurnDetection json.RawMessage `json:"turn_detection"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	td, err := decodeTurnDetection(aux.TurnDetection)
	if err != nil {
		return err
	}
	s.TurnDetection = td
	return validTemperature(s.Temperature)
}

// ─────────────────────────────────────────────────────────────────────────────
// Response
// ─────────────────────────────────────────────────────────────────────────────

// StatusDetails explains a terminal response status.
type StatusDetails interface {
	statusDetails()
}

// ResponseCancelledDetails records why a response was cancelled.
type ResponseCancelledDetails struct {
	// Reason is "turn_detected" or "client_cancelled".
	Reason string `json:"reason"`
}

func (*ResponseCancelledDetails) statusDetails() {}

func (d *ResponseCancelledDetails) MarshalJSON() ([]byte, error) {
	type alias ResponseCancelledDetails
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"cancelled", (*alias)(d)})
}

// ResponseIncompleteDetails records why a response stopped early.
type ResponseIncompleteDetails struct {
	// Reason is "max_output_tokens" or "content_filter".
	Reason string `json:"reason"`
}

func (*ResponseIncompleteDetails) statusDetails() {}

func (d *ResponseIncompleteDetails) MarshalJSON() ([]byte, error) {
	type alias ResponseIncompleteDetails
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"incomplete", (*alias)(d)})
}

// ResponseFailedDetails carries the backend's opaque failure payload.
type ResponseFailedDetails struct {
	Error json.RawMessage `json:"error"`
}

func (*ResponseFailedDetails) statusDetails() {}

func (d *ResponseFailedDetails) MarshalJSON() ([]byte, error) {
	type alias ResponseFailedDetails
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"failed", (*alias)(d)})
}

func decodeStatusDetails(data []byte) (StatusDetails, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "status_details", Reason: err.Error()}
	}
	var details StatusDetails
	switch probe.Type {
	case "cancelled":
		details = &ResponseCancelledDetails{}
	case "incomplete":
		details = &ResponseIncompleteDetails{}
	case "failed":
		details = &ResponseFailedDetails{}
	default:
		return nil, &ValidationError{
			Field:  "status_details.type",
			Reason: fmt.Sprintf("unsupported detail %q", probe.Type),
		}
	}
	if err := json.Unmarshal(data, details); err != nil {
		return nil, &ValidationError{Field: "status_details", Reason: err.Error()}
	}
	return details, nil
}

// InputTokenDetails breaks down prompt token usage.
type InputTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
	TextTokens   int `json:"text_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

// OutputTokenDetails breaks down completion token usage.
type OutputTokenDetails struct {
	TextTokens  int `json:"text_tokens"`
	AudioTokens int `json:"audio_tokens"`
}

// Usage is the token accounting attached to a finished response.
type Usage struct {
	TotalTokens        int                `json:"total_tokens"`
	InputTokens        int                `json:"input_tokens"`
	OutputTokens       int                `json:"output_tokens"`
	InputTokenDetails  InputTokenDetails  `json:"input_token_details"`
	OutputTokenDetails OutputTokenDetails `json:"output_token_details"`
}

// Response is a model turn: status, ordered output items, and usage.
type Response struct {
	ID            string         `json:"id"`
	Status        ResponseStatus `json:"status"`
	StatusDetails StatusDetails  `json:"status_details,omitempty"`
	Output        []Item         `json:"output"`
	Usage         *Usage         `json:"usage,omitempty"`
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type alias Response
	aux := struct {
		*alias
		StatusDetails json.RawMessage   `json:"status_details"`
		Output        []json.RawMessage `json:"output"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	details, err := decodeStatusDetails(aux.StatusDetails)
	if err != nil {
		return err
	}
	output, err := decodeItems(aux.Output)
	if err != nil {
		return err
	}
	r.StatusDetails = details
	r.Output = output
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Message variants
// ─────────────────────────────────────────────────────────────────────────────

// ErrorMessage reports a backend error. It does not terminate the session by
// itself.
type ErrorMessage struct {
	ServerMessageBase
	Error ErrorDetail `json:"error"`
}

// SessionCreatedMessage confirms the initial session configuration.
type SessionCreatedMessage struct {
	ServerMessageBase
	Session Session `json:"session"`
}

// SessionUpdatedMessage confirms an applied session.update.
type SessionUpdatedMessage struct {
	ServerMessageBase
	Session Session `json:"session"`
}

// InputAudioBufferCommittedMessage signals the audio buffer became a user item.
type InputAudioBufferCommittedMessage struct {
	ServerMessageBase
	PreviousItemID *string `json:"previous_item_id"`
	ItemID         string  `json:"item_id"`
}

// InputAudioBufferClearedMessage signals the audio buffer was discarded.
type InputAudioBufferClearedMessage struct {
	ServerMessageBase
}

// InputAudioBufferSpeechStartedMessage marks detected speech onset (server
// VAD only). ItemID names the conversation item the utterance will become.
type InputAudioBufferSpeechStartedMessage struct {
	ServerMessageBase
	AudioStartMs int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

// InputAudioBufferSpeechStoppedMessage marks detected speech end (server VAD
// only).
type InputAudioBufferSpeechStoppedMessage struct {
	ServerMessageBase
	AudioEndMs int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

// ItemCreatedMessage confirms a conversation item insertion.
type ItemCreatedMessage struct {
	ServerMessageBase
	PreviousItemID *string `json:"previous_item_id"`
	Item           Item    `json:"item"`
}

func (m *ItemCreatedMessage) UnmarshalJSON(data []byte) error {
	type alias ItemCreatedMessage
	aux := struct {
		*alias
		Item json.RawMessage `json:"item"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	item, err := decodeItem(aux.Item)
	if err != nil {
		return err
	}
	m.Item = item
	return nil
}

// ItemTruncatedMessage confirms an audio truncation.
type ItemTruncatedMessage struct {
	ServerMessageBase
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// ItemDeletedMessage confirms an item removal.
type ItemDeletedMessage struct {
	ServerMessageBase
	ItemID string `json:"item_id"`
}

// ItemInputAudioTranscriptionDeltaMessage streams a user transcript fragment.
type ItemInputAudioTranscriptionDeltaMessage struct {
	ServerMessageBase
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ItemInputAudioTranscriptionCompletedMessage delivers the final user
// transcript for an input audio item.
type ItemInputAudioTranscriptionCompletedMessage struct {
	ServerMessageBase
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

// ItemInputAudioTranscriptionFailedMessage reports a failed transcription.
type ItemInputAudioTranscriptionFailedMessage struct {
	ServerMessageBase
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

// ResponseCreatedMessage announces a new in-progress response.
type ResponseCreatedMessage struct {
	ServerMessageBase
	Response Response `json:"response"`
}

// ResponseDoneMessage delivers the final state of a response.
type ResponseDoneMessage struct {
	ServerMessageBase
	Response Response `json:"response"`
}

// ResponseOutputItemAddedMessage announces a new output item in a response.
type ResponseOutputItemAddedMessage struct {
	ServerMessageBase
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

func (m *ResponseOutputItemAddedMessage) UnmarshalJSON(data []byte) error {
	type alias ResponseOutputItemAddedMessage
	aux := struct {
		*alias
		Item json.RawMessage `json:"item"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	item, err := decodeItem(aux.Item)
	if err != nil {
		return err
	}
	m.Item = item
	return nil
}

// ResponseOutputItemDoneMessage marks an output item finished.
type ResponseOutputItemDoneMessage struct {
	ServerMessageBase
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

func (m *ResponseOutputItemDoneMessage) UnmarshalJSON(data []byte) error {
	type alias ResponseOutputItemDoneMessage
	aux := struct {
		*alias
		Item json.RawMessage `json:"item"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	item, err := decodeItem(aux.Item)
	if err != nil {
		return err
	}
	m.Item = item
	return nil
}

// ResponseContentPartAddedMessage announces a new content part in an output
// item. The Azure endpoint historically named the payload field "content"
// instead of "part"; decode accepts both.
type ResponseContentPartAddedMessage struct {
	ServerMessageBase
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

func (m *ResponseContentPartAddedMessage) UnmarshalJSON(data []byte) error {
	type alias ResponseContentPartAddedMessage
	aux := struct {
		*alias
		Part    json.RawMessage `json:"part"`
		Content json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := aux.Part
	if raw == nil {
		raw = aux.Content
	}
	part, err := decodeContentPart(raw)
	if err != nil {
		return err
	}
	m.Part = part
	return nil
}

// ResponseContentPartDoneMessage marks a content part finished. Accepts the
// same "part"/"content" field alias as the added message.
type ResponseContentPartDoneMessage struct {
	ServerMessageBase
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	OutputIndex  int         `json:"output_index"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

func (m *ResponseContentPartDoneMessage) UnmarshalJSON(data []byte) error {
	type alias ResponseContentPartDoneMessage
	aux := struct {
		*alias
		Part    json.RawMessage `json:"part"`
		Content json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := aux.Part
	if raw == nil {
		raw = aux.Content
	}
	part, err := decodeContentPart(raw)
	if err != nil {
		return err
	}
	m.Part = part
	return nil
}

// ResponseTextDeltaMessage streams a text content fragment.
type ResponseTextDeltaMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ResponseTextDoneMessage closes a text content stream with the full text.
type ResponseTextDoneMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Text         string `json:"text"`
}

// ResponseAudioTranscriptDeltaMessage streams a fragment of the transcript of
// generated audio.
type ResponseAudioTranscriptDeltaMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ResponseAudioTranscriptDoneMessage closes an audio transcript stream.
type ResponseAudioTranscriptDoneMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

// ResponseAudioDeltaMessage streams a base64-encoded chunk of generated audio.
type ResponseAudioDeltaMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// ResponseAudioDoneMessage closes a generated audio stream.
type ResponseAudioDoneMessage struct {
	ServerMessageBase
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

// ResponseFunctionCallArgumentsDeltaMessage streams a fragment of function
// call arguments.
type ResponseFunctionCallArgumentsDeltaMessage struct {
	ServerMessageBase
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

// ResponseFunctionCallArgumentsDoneMessage closes a function call arguments
// stream with the assembled arguments string.
type ResponseFunctionCallArgumentsDoneMessage struct {
	ServerMessageBase
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
}

// RateLimitsUpdatedMessage reports the current rate limit budget.
type RateLimitsUpdatedMessage struct {
	ServerMessageBase
	RateLimits []RateLimit `json:"rate_limits"`
}

// UnknownMessage is the catch-all for unrecognised discriminators. Raw holds
// the full original payload for diagnostics.
type UnknownMessage struct {
	ServerMessageBase
	Raw json.RawMessage `json:"-"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Decode
// ─────────────────────────────────────────────────────────────────────────────

// DecodeServerMessage parses one backend message. An absent or unrecognised
// discriminator never fails: the payload is returned as [*UnknownMessage] and
// logged at debug level. A recognised discriminator with a malformed or
// out-of-range payload returns a [*ValidationError].
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var probe struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "type", Reason: err.Error()}
	}

	var msg ServerMessage
	switch probe.Type {
	case "error":
		msg = &ErrorMessage{}
	case "session.created":
		msg = &SessionCreatedMessage{}
	case "session.updated":
		msg = &SessionUpdatedMessage{}
	case "input_audio_buffer.committed":
		msg = &InputAudioBufferCommittedMessage{}
	case "input_audio_buffer.cleared":
		msg = &InputAudioBufferClearedMessage{}
	case "input_audio_buffer.speech_started":
		msg = &InputAudioBufferSpeechStartedMessage{}
	case "input_audio_buffer.speech_stopped":
		msg = &InputAudioBufferSpeechStoppedMessage{}
	case "conversation.item.created":
		msg = &ItemCreatedMessage{}
	case "conversation.item.truncated":
		msg = &ItemTruncatedMessage{}
	case "conversation.item.deleted":
		msg = &ItemDeletedMessage{}
	case "conversation.item.input_audio_transcription.delta":
		msg = &ItemInputAudioTranscriptionDeltaMessage{}
	case "conversation.item.input_audio_transcription.completed":
		msg = &ItemInputAudioTranscriptionCompletedMessage{}
	case "conversation.item.input_audio_transcription.failed":
		msg = &ItemInputAudioTranscriptionFailedMessage{}
	case "response.created":
		msg = &ResponseCreatedMessage{}
	case "response.done":
		msg = &ResponseDoneMessage{}
	case "response.output_item.added":
		msg = &ResponseOutputItemAddedMessage{}
	case "response.output_item.done":
		msg = &ResponseOutputItemDoneMessage{}
	case "response.content_part.added":
		msg = &ResponseContentPartAddedMessage{}
	case "response.content_part.done":
		msg = &ResponseContentPartDoneMessage{}
	case "response.text.delta":
		msg = &ResponseTextDeltaMessage{}
	case "response.text.done":
		msg = &ResponseTextDoneMessage{}
	case "response.audio_transcript.delta":
		msg = &ResponseAudioTranscriptDeltaMessage{}
	case "response.audio_transcript.done":
		msg = &ResponseAudioTranscriptDoneMessage{}
	case "response.audio.delta":
		msg = &ResponseAudioDeltaMessage{}
	case "response.audio.done":
		msg = &ResponseAudioDoneMessage{}
	case "response.function_call_arguments.delta":
		msg = &ResponseFunctionCallArgumentsDeltaMessage{}
	case "response.function_call_arguments.done":
		msg = &ResponseFunctionCallArgumentsDoneMessage{}
	case "rate_limits.updated":
		msg = &RateLimitsUpdatedMessage{}
	default:
		slog.Debug("rtproto: unmapped server message type", "type", probe.Type)
		return &UnknownMessage{
			ServerMessageBase: ServerMessageBase{EventID: probe.EventID, Type: probe.Type},
			Raw:               json.RawMessage(append([]byte(nil), data...)),
		}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			return nil, ve
		}
		return nil, &ValidationError{Field: probe.Type, Reason: err.Error()}
	}
	return msg, nil
}
