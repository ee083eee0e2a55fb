package rtproto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Turn detection
// ─────────────────────────────────────────────────────────────────────────────

// TurnDetection is the policy deciding when a user turn ends. The two
// variants are [*NoTurnDetection] (the caller commits audio explicitly) and
// [*ServerVAD] (server-side voice activity detection).
type TurnDetection interface {
	turnDetectionKind() string
}

// NoTurnDetection disables server-side turn detection.
type NoTurnDetection struct{}

func (*NoTurnDetection) turnDetectionKind() string { return "none" }

func (*NoTurnDetection) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"none"}`), nil
}

// ServerVAD enables server-side voice activity detection. Nil fields leave
// the backend defaults in place.
type ServerVAD struct {
	// Threshold is the detection sensitivity in [0.0, 1.0].
	Threshold *float64 `json:"threshold,omitempty"`

	// PrefixPaddingMs is audio included before the detected speech start.
	PrefixPaddingMs *int `json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMs is the silence needed to close the turn.
	SilenceDurationMs *int `json:"silence_duration_ms,omitempty"`
}

func (*ServerVAD) turnDetectionKind() string { return "server_vad" }

func (v *ServerVAD) MarshalJSON() ([]byte, error) {
	type alias ServerVAD
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{"server_vad", (*alias)(v)})
}

func (v *ServerVAD) validate() error {
	if v.Threshold != nil && (*v.Threshold < 0.0 || *v.Threshold > 1.0) {
		return &ValidationError{
			Field:  "turn_detection.threshold",
			Reason: fmt.Sprintf("%v is outside [0.0, 1.0]", *v.Threshold),
		}
	}
	return nil
}

// decodeTurnDetection decodes a turn_detection field. A JSON null (or an
// absent field, passed as nil) yields a nil policy.
func decodeTurnDetection(data []byte) (TurnDetection, error) {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "turn_detection", Reason: err.Error()}
	}
	switch probe.Type {
	case "none":
		return &NoTurnDetection{}, nil
	case "server_vad":
		var v ServerVAD
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, &ValidationError{Field: "turn_detection", Reason: err.Error()}
		}
		if err := v.validate(); err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, &ValidationError{
			Field:  "turn_detection.type",
			Reason: fmt.Sprintf("unsupported policy %q", probe.Type),
		}
	}
}

// validateTurnDetection applies encode-time range checks to a policy.
func validateTurnDetection(td TurnDetection) error {
	if v, ok := td.(*ServerVAD); ok {
		return v.validate()
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool choice
// ─────────────────────────────────────────────────────────────────────────────

// ToolChoice is the tool selection policy: one of the modes "auto", "none"
// or "required", or a forced call of a single named function. The zero value
// means "not set" and is omitted from the wire.
type ToolChoice struct {
	// Mode is "auto", "none", "required" or "function".
	Mode string

	// Function is the forced function name; only meaningful with Mode
	// "function".
	Function string
}

// ToolChoiceAuto and friends are the plain string policies.
var (
	ToolChoiceAuto     = ToolChoice{Mode: "auto"}
	ToolChoiceNone     = ToolChoice{Mode: "none"}
	ToolChoiceRequired = ToolChoice{Mode: "required"}
)

// ToolChoiceFunction forces a call of the named function.
func ToolChoiceFunction(name string) ToolChoice {
	return ToolChoice{Mode: "function", Function: name}
}

// IsZero reports whether the policy is unset; used by the omitzero json tag.
func (tc ToolChoice) IsZero() bool { return tc.Mode == "" }

func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Mode == "function" {
		return json.Marshal(struct {
			Type     string `json:"type"`
			Function string `json:"function"`
		}{"function", tc.Function})
	}
	return json.Marshal(tc.Mode)
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var mode string
		if err := json.Unmarshal(data, &mode); err != nil {
			return &ValidationError{Field: "tool_choice", Reason: err.Error()}
		}
		switch mode {
		case "auto", "none", "required":
			tc.Mode, tc.Function = mode, ""
			return nil
		}
		return &ValidationError{Field: "tool_choice", Reason: fmt.Sprintf("unsupported mode %q", mode)}
	}
	var obj struct {
		Type     string `json:"type"`
		Function string `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return &ValidationError{Field: "tool_choice", Reason: err.Error()}
	}
	if obj.Type != "function" {
		return &ValidationError{Field: "tool_choice.type", Reason: fmt.Sprintf("unsupported type %q", obj.Type)}
	}
	tc.Mode, tc.Function = "function", obj.Function
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Max output tokens
// ─────────────────────────────────────────────────────────────────────────────

// MaxTokens is an output token cap: either a bounded integer or the backend's
// "inf" sentinel for no cap.
type MaxTokens struct {
	// Inf selects the unbounded sentinel; Value is ignored when set.
	Inf bool

	// Value is the token cap when Inf is false.
	Value int
}

// MaxTokensOf returns a bounded cap.
func MaxTokensOf(n int) MaxTokens { return MaxTokens{Value: n} }

// MaxTokensInf returns the unbounded sentinel.
func MaxTokensInf() MaxTokens { return MaxTokens{Inf: true} }

func (m MaxTokens) MarshalJSON() ([]byte, error) {
	if m.Inf {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(m.Value)
}

func (m *MaxTokens) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil || s != "inf" {
			return &ValidationError{Field: "max_response_output_tokens", Reason: fmt.Sprintf("unsupported value %s", data)}
		}
		m.Inf, m.Value = true, 0
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return &ValidationError{Field: "max_response_output_tokens", Reason: err.Error()}
	}
	m.Inf, m.Value = false, n
	return nil
}
