package rtproto

import (
	"encoding/json"
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// ClientMessage is a message sent by the relay to the backend. The set of
// variants is closed; all of them live in this file.
type ClientMessage interface {
	// MessageType returns the wire discriminator of the message.
	MessageType() string

	// SetAzure flags the message for the Azure realtime endpoint. The flag is
	// never serialized itself but changes the serialized shape of
	// session.update (see [SessionUpdateMessage]).
	SetAzure(bool)

	validate() error
}

// ClientMessageBase carries the fields shared by every client message.
type ClientMessageBase struct {
	// EventID is an optional client-supplied correlation id echoed back by
	// the backend in error reports.
	EventID string `json:"event_id,omitempty"`

	// Type is the wire discriminator. Constructors fill it in; hand-built
	// messages must set it to the variant's fixed value.
	Type string `json:"type"`

	azure bool
}

func (b *ClientMessageBase) MessageType() string { return b.Type }
func (b *ClientMessageBase) SetAzure(azure bool) { b.azure = azure }
func (b *ClientMessageBase) validate() error     { return nil }

// newClientBase builds a base with a generated event id.
func newClientBase(messageType string) ClientMessageBase {
	return ClientMessageBase{EventID: nanoid.Must(), Type: messageType}
}

// ─────────────────────────────────────────────────────────────────────────────
// session.update
// ─────────────────────────────────────────────────────────────────────────────

// SessionUpdateParams is the session configuration sent in session.update.
// All fields are optional; absent fields leave the backend value unchanged.
type SessionUpdateParams struct {
	Model                   string                   `json:"model,omitempty"`
	Modalities              []Modality               `json:"modalities,omitempty"`
	Voice                   Voice                    `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        AudioFormat              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       AudioFormat              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection            `json:"turn_detection,omitempty"`
	Tools                   []Tool                   `json:"tools,omitempty"`
	ToolChoice              ToolChoice               `json:"tool_choice,omitzero"`
	Temperature             *float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens *MaxTokens               `json:"max_response_output_tokens,omitempty"`
}

func (p *SessionUpdateParams) UnmarshalJSON(data []byte) error {
	type alias SessionUpdateParams
	aux := struct {
		*alias
		TurnDetection json.RawMessage `json:"turn_detection"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	td, err := decodeTurnDetection(aux.TurnDetection)
	if err != nil {
		return err
	}
	p.TurnDetection = td
	return nil
}

func (p *SessionUpdateParams) validate() error {
	if p.Temperature != nil {
		if err := validTemperature(*p.Temperature); err != nil {
			return err
		}
	}
	return validateTurnDetection(p.TurnDetection)
}

// SessionUpdateMessage updates the backend session configuration.
//
// Serialization carries one documented quirk: the OpenAI endpoint rejects the
// structured {"type":"none"} turn-detection object and expects an explicit
// null instead, while the Azure endpoint accepts only the structured form.
// When the message is not flagged for Azure and turn detection is the "none"
// policy, the serialized turn_detection field is therefore forced to null.
// This mirrors the backend behaviour exactly; do not "fix" it.
type SessionUpdateMessage struct {
	ClientMessageBase
	Session SessionUpdateParams `json:"session"`
}

// NewSessionUpdate builds a session.update message with a fresh event id.
func NewSessionUpdate(params SessionUpdateParams) *SessionUpdateMessage {
	return &SessionUpdateMessage{ClientMessageBase: newClientBase("session.update"), Session: params}
}

func (m *SessionUpdateMessage) validate() error { return m.Session.validate() }

func (m *SessionUpdateMessage) MarshalJSON() ([]byte, error) {
	type alias SessionUpdateMessage
	data, err := json.Marshal((*alias)(m))
	if err != nil {
		return nil, err
	}
	td := m.Session.TurnDetection
	if m.azure || td == nil || td.turnDetectionKind() != "none" {
		return data, nil
	}

	// Backend-compatibility quirk: force turn_detection to explicit null.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	var session map[string]json.RawMessage
	if err := json.Unmarshal(obj["session"], &session); err != nil {
		return nil, err
	}
	session["turn_detection"] = json.RawMessage("null")
	patched, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	obj["session"] = patched
	return json.Marshal(obj)
}

// ─────────────────────────────────────────────────────────────────────────────
// input_audio_buffer.*
// ─────────────────────────────────────────────────────────────────────────────

// InputAudioBufferAppendMessage appends base64-encoded audio to the user
// audio buffer. The encoding must match the session's input_audio_format.
type InputAudioBufferAppendMessage struct {
	ClientMessageBase
	Audio string `json:"audio"`
}

// NewInputAudioBufferAppend builds an append message for the given
// base64-encoded audio chunk.
func NewInputAudioBufferAppend(audio string) *InputAudioBufferAppendMessage {
	return &InputAudioBufferAppendMessage{ClientMessageBase: newClientBase("input_audio_buffer.append"), Audio: audio}
}

// InputAudioBufferCommitMessage commits the pending audio buffer into a user
// message item and clears the buffer.
type InputAudioBufferCommitMessage struct {
	ClientMessageBase
}

// NewInputAudioBufferCommit builds a commit message.
func NewInputAudioBufferCommit() *InputAudioBufferCommitMessage {
	return &InputAudioBufferCommitMessage{newClientBase("input_audio_buffer.commit")}
}

// InputAudioBufferClearMessage discards any pending audio in the buffer.
type InputAudioBufferClearMessage struct {
	ClientMessageBase
}

// NewInputAudioBufferClear builds a clear message.
func NewInputAudioBufferClear() *InputAudioBufferClearMessage {
	return &InputAudioBufferClearMessage{newClientBase("input_audio_buffer.clear")}
}

// ─────────────────────────────────────────────────────────────────────────────
// conversation.item.*
// ─────────────────────────────────────────────────────────────────────────────

// ItemCreateMessage inserts an item into the conversation.
type ItemCreateMessage struct {
	ClientMessageBase
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

// NewItemCreate builds a conversation.item.create message.
func NewItemCreate(item Item) *ItemCreateMessage {
	return &ItemCreateMessage{ClientMessageBase: newClientBase("conversation.item.create"), Item: item}
}

func (m *ItemCreateMessage) UnmarshalJSON(data []byte) error {
	type alias ItemCreateMessage
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

func (m *ItemCreateMessage) validate() error {
	if m.Item == nil {
		return &ValidationError{Field: "item", Reason: "missing"}
	}
	if msg, ok := m.Item.(*MessageItem); ok {
		return msg.validateAuthored()
	}
	return nil
}

// ItemTruncateMessage drops already-sent audio of an assistant item past the
// given point, e.g. after a user interruption.
type ItemTruncateMessage struct {
	ClientMessageBase
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// NewItemTruncate builds a conversation.item.truncate message.
func NewItemTruncate(itemID string, contentIndex, audioEndMs int) *ItemTruncateMessage {
	return &ItemTruncateMessage{
		ClientMessageBase: newClientBase("conversation.item.truncate"),
		ItemID:            itemID,
		ContentIndex:      contentIndex,
		AudioEndMs:        audioEndMs,
	}
}

// ItemDeleteMessage removes an item from the conversation.
type ItemDeleteMessage struct {
	ClientMessageBase
	ItemID string `json:"item_id"`
}

// NewItemDelete builds a conversation.item.delete message.
func NewItemDelete(itemID string) *ItemDeleteMessage {
	return &ItemDeleteMessage{ClientMessageBase: newClientBase("conversation.item.delete"), ItemID: itemID}
}

// ─────────────────────────────────────────────────────────────────────────────
// response.*
// ─────────────────────────────────────────────────────────────────────────────

// ResponseCreateParams overrides session defaults for a single response.
type ResponseCreateParams struct {
	Commit            bool        `json:"commit"`
	CancelPrevious    bool        `json:"cancel_previous"`
	AppendInputItems  []Item      `json:"append_input_items,omitempty"`
	InputItems        []Item      `json:"input_items,omitempty"`
	Instructions      string      `json:"instructions,omitempty"`
	Modalities        []Modality  `json:"modalities,omitempty"`
	Voice             Voice       `json:"voice,omitempty"`
	Temperature       *float64    `json:"temperature,omitempty"`
	MaxOutputTokens   *MaxTokens  `json:"max_output_tokens,omitempty"`
	Tools             []Tool      `json:"tools,omitempty"`
	ToolChoice        ToolChoice  `json:"tool_choice,omitzero"`
	OutputAudioFormat AudioFormat `json:"output_audio_format,omitempty"`
}

func (p *ResponseCreateParams) UnmarshalJSON(data []byte) error {
	type alias ResponseCreateParams
	aux := struct {
		*alias
		AppendInputItems []json.RawMessage `json:"append_input_items"`
		InputItems       []json.RawMessage `json:"input_items"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if p.AppendInputItems, err = decodeItems(aux.AppendInputItems); err != nil {
		return err
	}
	if p.InputItems, err = decodeItems(aux.InputItems); err != nil {
		return err
	}
	return nil
}

func (p *ResponseCreateParams) validate() error {
	if p.Temperature != nil {
		if err := validTemperature(*p.Temperature); err != nil {
			return err
		}
	}
	return nil
}

// ResponseCreateMessage asks the backend to generate a model turn.
type ResponseCreateMessage struct {
	ClientMessageBase
	Response *ResponseCreateParams `json:"response,omitempty"`
}

// NewResponseCreate builds a response.create message. A nil params uses the
// session defaults.
func NewResponseCreate(params *ResponseCreateParams) *ResponseCreateMessage {
	return &ResponseCreateMessage{ClientMessageBase: newClientBase("response.create"), Response: params}
}

func (m *ResponseCreateMessage) validate() error {
	if m.Response != nil {
		return m.Response.validate()
	}
	return nil
}

// ResponseCancelMessage aborts the in-progress response.
type ResponseCancelMessage struct {
	ClientMessageBase
}

// NewResponseCancel builds a response.cancel message.
func NewResponseCancel() *ResponseCancelMessage {
	return &ResponseCancelMessage{newClientBase("response.cancel")}
}

// ─────────────────────────────────────────────────────────────────────────────
// Encode / decode
// ─────────────────────────────────────────────────────────────────────────────

// EncodeClientMessage validates m and serializes it for the backend socket.
// Range violations (temperature, VAD threshold) and role-scope violations on
// created items surface as [*ValidationError].
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("rtproto: encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// DecodeClientMessage parses a client message. Unlike the server direction
// there is no catch-all: the client set is under our control, so an
// unrecognised discriminator is a validation error.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "type", Reason: err.Error()}
	}
	var msg ClientMessage
	switch probe.Type {
	case "session.update":
		msg = &SessionUpdateMessage{}
	case "input_audio_buffer.append":
		msg = &InputAudioBufferAppendMessage{}
	case "input_audio_buffer.commit":
		msg = &InputAudioBufferCommitMessage{}
	case "input_audio_buffer.clear":
		msg = &InputAudioBufferClearMessage{}
	case "conversation.item.create":
		msg = &ItemCreateMessage{}
	case "conversation.item.truncate":
		msg = &ItemTruncateMessage{}
	case "conversation.item.delete":
		msg = &ItemDeleteMessage{}
	case "response.create":
		msg = &ResponseCreateMessage{}
	case "response.cancel":
		msg = &ResponseCancelMessage{}
	default:
		return nil, &ValidationError{
			Field:  "type",
			Reason: fmt.Sprintf("unsupported client message %q", probe.Type),
		}
	}
	if err := json.Unmarshal(data, msg); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			return nil, ve
		}
		return nil, &ValidationError{Field: probe.Type, Reason: err.Error()}
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
