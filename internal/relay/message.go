package relay

import (
	"encoding/json"
	"fmt"
)

// Client-facing frame schema. This is the JSON spoken with the browser over
// the /realtime socket and is distinct from the backend wire protocol in
// rtproto. Binary frames carry raw PCM16 audio in both directions and are
// never JSON-wrapped.

// Control actions sent to the client.
const (
	actionConnected     = "connected"
	actionSpeechStarted = "speech_started"
	actionTextDone      = "text_done"
)

// controlFrame is a lifecycle notification to the client.
type controlFrame struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	Greeting string `json:"greeting,omitempty"`
	ID       string `json:"id,omitempty"`
}

// textDeltaFrame streams one chunk of generated text or audio transcript. ID
// is stable per content part: "{item_id}-{content_index}".
type textDeltaFrame struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

// transcriptionFrame carries the final transcript of one user utterance.
type transcriptionFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

// userMessageFrame is the one inbound text frame that triggers action: the
// relay creates a user conversation item from Text and requests a model turn.
type userMessageFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

func newControlFrame(action string) controlFrame {
	return controlFrame{Type: "control", Action: action}
}

func newTextDeltaFrame(id, delta string) textDeltaFrame {
	return textDeltaFrame{Type: "text_delta", ID: id, Delta: delta}
}

func newTranscriptionFrame(id, text string) transcriptionFrame {
	return transcriptionFrame{Type: "transcription", ID: id, Text: text}
}

// contentID derives the client-facing stream id of one content part.
func contentID(itemID string, contentIndex int) string {
	return fmt.Sprintf("%s-%d", itemID, contentIndex)
}

// decodeUserMessage parses an inbound text frame. Frames with a known type
// other than user_message are acknowledged with (nil, nil) and ignored; a
// missing or unknown type is an error the caller logs without tearing the
// session down.
func decodeUserMessage(data []byte) (*userMessageFrame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("relay: parse client frame: %w", err)
	}
	switch probe.Type {
	case "user_message":
		var frame userMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("relay: parse user_message: %w", err)
		}
		return &frame, nil
	case "control", "text_delta", "transcription":
		// Server-to-client frame types echoed back; nothing to do.
		return nil, nil
	default:
		return nil, fmt.Errorf("relay: unsupported client frame type %q", probe.Type)
	}
}
