package rtproto

import (
	"encoding/json"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Content parts
// ─────────────────────────────────────────────────────────────────────────────

// ContentPart is one unit of content inside a message item. Client-authored
// items carry [*InputTextPart] and [*InputAudioPart]; model output carries
// [*TextPart] and [*AudioPart].
type ContentPart interface {
	// PartType returns the wire discriminator of the part.
	PartType() string

	contentPart()
}

// InputTextPart is user- or system-authored text.
type InputTextPart struct {
	Text string `json:"text"`
}

func (*InputTextPart) PartType() string { return "input_text" }
func (*InputTextPart) contentPart()     {}

func (p *InputTextPart) MarshalJSON() ([]byte, error) {
	type alias InputTextPart
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"input_text", (*alias)(p)})
}

// InputAudioPart is user-authored audio, base64-encoded, with the transcript
// filled in by the backend once transcription completes.
type InputAudioPart struct {
	Audio      string  `json:"audio,omitempty"`
	Transcript *string `json:"transcript,omitempty"`
}

func (*InputAudioPart) PartType() string { return "input_audio" }
func (*InputAudioPart) contentPart()     {}

func (p *InputAudioPart) MarshalJSON() ([]byte, error) {
	type alias InputAudioPart
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"input_audio", (*alias)(p)})
}

// TextPart is model-generated text output.
type TextPart struct {
	Text string `json:"text"`
}

func (*TextPart) PartType() string { return "text" }
func (*TextPart) contentPart()     {}

func (p *TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"text", (*alias)(p)})
}

// AudioPart is model-generated audio output. The audio bytes themselves
// stream through response.audio.delta messages; the part carries the spoken
// transcript once known.
type AudioPart struct {
	Transcript *string `json:"transcript,omitempty"`
}

func (*AudioPart) PartType() string { return "audio" }
func (*AudioPart) contentPart()     {}

func (p *AudioPart) MarshalJSON() ([]byte, error) {
	type alias AudioPart
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"audio", (*alias)(p)})
}

// decodeContentPart selects the part variant by its discriminator.
func decodeContentPart(data []byte) (ContentPart, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "content", Reason: err.Error()}
	}
	var part ContentPart
	switch probe.Type {
	case "input_text":
		part = &InputTextPart{}
	case "input_audio":
		part = &InputAudioPart{}
	case "text":
		part = &TextPart{}
	case "audio":
		part = &AudioPart{}
	default:
		return nil, &ValidationError{
			Field:  "content.type",
			Reason: fmt.Sprintf("unsupported content part %q", probe.Type),
		}
	}
	if err := json.Unmarshal(data, part); err != nil {
		return nil, &ValidationError{Field: "content", Reason: err.Error()}
	}
	return part, nil
}

// decodeContentParts decodes a JSON array of content parts.
func decodeContentParts(raw []json.RawMessage) ([]ContentPart, error) {
	if raw == nil {
		return nil, nil
	}
	parts := make([]ContentPart, len(raw))
	for i, r := range raw {
		p, err := decodeContentPart(r)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Items
// ─────────────────────────────────────────────────────────────────────────────

// Item is one conversation content unit: a message, a function call, or a
// function call result.
type Item interface {
	// ItemType returns the wire discriminator of the item.
	ItemType() string

	item()
}

// MessageItem is a role-attributed message with ordered content parts.
type MessageItem struct {
	ID      string        `json:"id,omitempty"`
	Role    MessageRole   `json:"role"`
	Content []ContentPart `json:"content"`
	Status  ItemStatus    `json:"status,omitempty"`
}

func (*MessageItem) ItemType() string { return "message" }
func (*MessageItem) item()            {}

func (m *MessageItem) MarshalJSON() ([]byte, error) {
	type alias MessageItem
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"message", (*alias)(m)})
}

func (m *MessageItem) UnmarshalJSON(data []byte) error {
	type alias MessageItem
	aux := struct {
		*alias
		Content []json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parts, err := decodeContentParts(aux.Content)
	if err != nil {
		return err
	}
	m.Content = parts
	return nil
}

// validateAuthored enforces the role scoping of client-created message items:
// system messages carry input text only, user messages input text or input
// audio, assistant messages output text only.
func (m *MessageItem) validateAuthored() error {
	for i, part := range m.Content {
		ok := false
		switch m.Role {
		case RoleSystem:
			_, ok = part.(*InputTextPart)
		case RoleUser:
			switch part.(type) {
			case *InputTextPart, *InputAudioPart:
				ok = true
			}
		case RoleAssistant:
			_, ok = part.(*TextPart)
		default:
			return &ValidationError{
				Field:  "item.role",
				Reason: fmt.Sprintf("unsupported role %q", m.Role),
			}
		}
		if !ok {
			return &ValidationError{
				Field:  fmt.Sprintf("item.content[%d]", i),
				Reason: fmt.Sprintf("part %q not allowed for role %q", part.PartType(), m.Role),
			}
		}
	}
	return nil
}

// FunctionCallItem is a model-requested tool invocation.
type FunctionCallItem struct {
	ID        string     `json:"id,omitempty"`
	Name      string     `json:"name"`
	CallID    string     `json:"call_id"`
	Arguments string     `json:"arguments"`
	Status    ItemStatus `json:"status,omitempty"`
}

func (*FunctionCallItem) ItemType() string { return "function_call" }
func (*FunctionCallItem) item()            {}

func (f *FunctionCallItem) MarshalJSON() ([]byte, error) {
	type alias FunctionCallItem
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"function_call", (*alias)(f)})
}

// FunctionCallOutputItem is the caller-supplied result of a function call.
type FunctionCallOutputItem struct {
	ID     string     `json:"id,omitempty"`
	CallID string     `json:"call_id"`
	Output string     `json:"output"`
	Status ItemStatus `json:"status,omitempty"`
}

func (*FunctionCallOutputItem) ItemType() string { return "function_call_output" }
func (*FunctionCallOutputItem) item()            {}

func (f *FunctionCallOutputItem) MarshalJSON() ([]byte, error) {
	type alias FunctionCallOutputItem
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"function_call_output", (*alias)(f)})
}

// decodeItem selects the item variant by its discriminator.
func decodeItem(data []byte) (Item, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "item", Reason: err.Error()}
	}
	var it Item
	switch probe.Type {
	case "message":
		it = &MessageItem{}
	case "function_call":
		it = &FunctionCallItem{}
	case "function_call_output":
		it = &FunctionCallOutputItem{}
	default:
		return nil, &ValidationError{
			Field:  "item.type",
			Reason: fmt.Sprintf("unsupported item %q", probe.Type),
		}
	}
	if err := json.Unmarshal(data, it); err != nil {
		if _, ok := err.(*ValidationError); ok {
			return nil, err
		}
		return nil, &ValidationError{Field: "item", Reason: err.Error()}
	}
	return it, nil
}

// decodeItems decodes a JSON array of items.
func decodeItems(raw []json.RawMessage) ([]Item, error) {
	if raw == nil {
		return nil, nil
	}
	items := make([]Item, len(raw))
	for i, r := range raw {
		it, err := decodeItem(r)
		if err != nil {
			return nil, err
		}
		items[i] = it
	}
	return items, nil
}
