package rtclient

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/parlance-dev/parlance/pkg/rtproto"
)

func dispatch(t *testing.T, d *Demux, msgs ...rtproto.ServerMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, m := range msgs {
		if err := d.Dispatch(ctx, m); err != nil {
			t.Fatalf("Dispatch(%s): %v", m.MessageType(), err)
		}
	}
}

func decodeMsg(t *testing.T, payload string) rtproto.ServerMessage {
	t.Helper()
	msg, err := rtproto.DecodeServerMessage([]byte(payload))
	if err != nil {
		t.Fatalf("decode %s: %v", payload, err)
	}
	return msg
}

func nextEvent[T Event](t *testing.T, d *Demux) T {
	t.Helper()
	select {
	case ev, ok := <-d.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		typed, isT := ev.(T)
		if !isT {
			t.Fatalf("event = %T; want %T", ev, typed)
		}
		return typed
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		panic("unreachable")
	}
}

func drain[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(3 * time.Second):
			t.Fatal("timeout draining channel")
		}
	}
}

func TestDemuxTextResponse(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`),
		decodeMsg(t, `{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"text","text":""}}`),
		decodeMsg(t, `{"type":"response.text.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"Hi"}`),
		decodeMsg(t, `{"type":"response.text.delta","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":" there"}`),
		decodeMsg(t, `{"type":"response.text.done","event_id":"e6","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"text":"Hi there"}`),
		decodeMsg(t, `{"type":"response.output_item.done","event_id":"e7","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","status":"completed","content":[{"type":"text","text":"Hi there"}]}}`),
		decodeMsg(t, `{"type":"response.done","event_id":"e8","response":{"id":"resp-1","status":"completed","output":[{"type":"message","id":"item-1","role":"assistant","status":"completed","content":[{"type":"text","text":"Hi there"}]}]}}`),
	)

	resp := nextEvent[*ResponseEvent](t, d)
	if resp.ID != "resp-1" {
		t.Errorf("response id = %q; want resp-1", resp.ID)
	}

	items := drain(t, resp.Items())
	if len(items) != 1 {
		t.Fatalf("items = %d; want 1", len(items))
	}
	msg, ok := items[0].(*MessageItemStream)
	if !ok {
		t.Fatalf("item = %T; want *MessageItemStream", items[0])
	}
	if msg.ID != "item-1" || msg.Role != rtproto.RoleAssistant {
		t.Errorf("item = %q/%q; want item-1/assistant", msg.ID, msg.Role)
	}

	parts := drain(t, msg.Parts())
	if len(parts) != 1 {
		t.Fatalf("parts = %d; want 1", len(parts))
	}
	part := parts[0]
	if part.Kind != ContentText || part.ContentIndex != 0 {
		t.Errorf("part = %s[%d]; want text[0]", part.Kind, part.ContentIndex)
	}

	var text string
	for _, delta := range drain(t, part.Text()) {
		text += delta
	}
	if text != "Hi there" {
		t.Errorf("text = %q; want %q", text, "Hi there")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := resp.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if final.Status != rtproto.ResponseCompleted {
		t.Errorf("final status = %q; want completed", final.Status)
	}
}

func TestDemuxAudioPartCarriesPCMAndTranscript(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	encoded := base64.StdEncoding.EncodeToString(pcm)

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`),
		decodeMsg(t, `{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"audio"}}`),
		decodeMsg(t, `{"type":"response.audio.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"`+encoded+`"}`),
		decodeMsg(t, `{"type":"response.audio_transcript.delta","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"Hello"}`),
		decodeMsg(t, `{"type":"response.audio.done","event_id":"e6","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0}`),
		decodeMsg(t, `{"type":"response.audio_transcript.done","event_id":"e7","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"transcript":"Hello"}`),
	)

	resp := nextEvent[*ResponseEvent](t, d)
	var msg *MessageItemStream
	select {
	case item := <-resp.Items():
		msg = item.(*MessageItemStream)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
	var part *ContentPartStream
	select {
	case part = <-msg.Parts():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for part")
	}
	if part.Kind != ContentAudio {
		t.Fatalf("part kind = %s; want audio", part.Kind)
	}

	chunks := drain(t, part.Audio())
	if len(chunks) != 1 || string(chunks[0]) != string(pcm) {
		t.Errorf("audio chunks = %v; want one chunk %v", chunks, pcm)
	}

	var transcript string
	for _, delta := range drain(t, part.Text()) {
		transcript += delta
	}
	if transcript != "Hello" {
		t.Errorf("transcript = %q; want Hello", transcript)
	}
}

func TestDemuxFunctionCallStream(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"function_call","id":"item-1","name":"search","call_id":"call-1","arguments":""}}`),
		decodeMsg(t, `{"type":"response.function_call_arguments.delta","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"call_id":"call-1","delta":"{\"query\":"}`),
		decodeMsg(t, `{"type":"response.function_call_arguments.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"call_id":"call-1","delta":"\"weather\"}"}`),
		decodeMsg(t, `{"type":"response.function_call_arguments.done","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"call_id":"call-1","name":"search","arguments":"{\"query\":\"weather\"}"}`),
	)

	resp := nextEvent[*ResponseEvent](t, d)
	var fc *FunctionCallStream
	select {
	case item := <-resp.Items():
		fc = item.(*FunctionCallStream)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
	if fc.CallID != "call-1" {
		t.Errorf("call id = %q; want call-1", fc.CallID)
	}

	var args string
	for _, delta := range drain(t, fc.Args()) {
		args += delta
	}
	if args != `{"query":"weather"}` {
		t.Errorf("streamed args = %q", args)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	name, arguments, err := fc.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if name != "search" || arguments != `{"query":"weather"}` {
		t.Errorf("call = %s(%s)", name, arguments)
	}
}

func TestDemuxInputAudioAwait(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"input_audio_buffer.speech_started","event_id":"e1","audio_start_ms":100,"item_id":"item-1"}`),
	)

	in := nextEvent[*InputAudioEvent](t, d)
	if in.ItemID != "item-1" || in.AudioStartMs != 100 {
		t.Errorf("input event = %q@%d; want item-1@100", in.ItemID, in.AudioStartMs)
	}

	dispatch(t, d,
		decodeMsg(t, `{"type":"input_audio_buffer.speech_stopped","event_id":"e2","audio_end_ms":1500,"item_id":"item-1"}`),
		decodeMsg(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"e3","item_id":"item-1","content_index":0,"transcript":"turn on the lights"}`),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	transcript, err := in.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if transcript != "turn on the lights" {
		t.Errorf("transcript = %q", transcript)
	}
	if in.AudioEndMs() != 1500 {
		t.Errorf("audio end = %d; want 1500", in.AudioEndMs())
	}
}

func TestDemuxInputAudioTranscriptionFailure(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"input_audio_buffer.speech_started","event_id":"e1","audio_start_ms":0,"item_id":"item-1"}`),
	)
	in := nextEvent[*InputAudioEvent](t, d)

	dispatch(t, d,
		decodeMsg(t, `{"type":"conversation.item.input_audio_transcription.failed","event_id":"e2","item_id":"item-1","content_index":0,"error":{"message":"no speech detected"}}`),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := in.Await(ctx); err == nil {
		t.Fatal("Await: want transcription error")
	}
}

func TestDemuxErrorEvent(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"error","event_id":"e1","error":{"type":"server_error","code":"overloaded","message":"try again"}}`),
	)

	ev := nextEvent[*ErrorEvent](t, d)
	if ev.Detail.Code != "overloaded" {
		t.Errorf("code = %q; want overloaded", ev.Detail.Code)
	}
}

func TestDemuxIgnoresUnknownAndAckMessages(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"some.future.event","event_id":"e1"}`),
		decodeMsg(t, `{"type":"input_audio_buffer.cleared","event_id":"e2"}`),
		decodeMsg(t, `{"type":"rate_limits.updated","event_id":"e3","rate_limits":[]}`),
	)

	select {
	case ev := <-d.Events():
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemuxDropsTextDeltaAfterDone(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`),
		decodeMsg(t, `{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"text","text":""}}`),
		decodeMsg(t, `{"type":"response.text.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"Hi"}`),
		decodeMsg(t, `{"type":"response.text.done","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"text":"Hi"}`),
		// A misordered duplicate must be dropped, not sent on the closed stream.
		decodeMsg(t, `{"type":"response.text.delta","event_id":"e6","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"Hi"}`),
	)

	if len(d.parts) != 0 {
		t.Errorf("parts retained after done = %d; want 0", len(d.parts))
	}

	resp := nextEvent[*ResponseEvent](t, d)
	var msg *MessageItemStream
	select {
	case item := <-resp.Items():
		msg = item.(*MessageItemStream)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}
	var part *ContentPartStream
	select {
	case part = <-msg.Parts():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for part")
	}

	var text string
	for _, delta := range drain(t, part.Text()) {
		text += delta
	}
	if text != "Hi" {
		t.Errorf("text = %q; want %q", text, "Hi")
	}
}

func TestDemuxDropsAudioDeltaAfterDone(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	encoded := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`),
		decodeMsg(t, `{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"audio"}}`),
		decodeMsg(t, `{"type":"response.audio.done","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0}`),
		decodeMsg(t, `{"type":"response.audio.delta","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"`+encoded+`"}`),
		decodeMsg(t, `{"type":"response.audio_transcript.done","event_id":"e6","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"transcript":""}`),
		decodeMsg(t, `{"type":"response.audio_transcript.delta","event_id":"e7","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"late"}`),
	)

	if len(d.parts) != 0 {
		t.Errorf("parts retained after done = %d; want 0", len(d.parts))
	}
}

func TestDemuxDropsArgumentsDeltaAfterDone(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"function_call","id":"item-1","name":"search","call_id":"call-1","arguments":""}}`),
		decodeMsg(t, `{"type":"response.function_call_arguments.done","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"call_id":"call-1","name":"search","arguments":"{}"}`),
		decodeMsg(t, `{"type":"response.function_call_arguments.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"call_id":"call-1","delta":"late"}`),
	)

	if len(d.calls) != 0 {
		t.Errorf("calls retained after done = %d; want 0", len(d.calls))
	}

	resp := nextEvent[*ResponseEvent](t, d)
	var fc *FunctionCallStream
	select {
	case item := <-resp.Items():
		fc = item.(*FunctionCallStream)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for item")
	}

	if deltas := drain(t, fc.Args()); len(deltas) != 0 {
		t.Errorf("late args delta delivered: %q", deltas)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	name, _, err := fc.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if name != "search" {
		t.Errorf("name = %q; want search", name)
	}
}

func TestDemuxForgetsStreamsOnResponseDone(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	// A cancelled response can end without per-part done messages; the
	// demux must still release everything it tracked for the item.
	dispatch(t, d,
		decodeMsg(t, `{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
		decodeMsg(t, `{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`),
		decodeMsg(t, `{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"text","text":""}}`),
		decodeMsg(t, `{"type":"response.done","event_id":"e4","response":{"id":"resp-1","status":"cancelled","output":[{"type":"message","id":"item-1","role":"assistant","status":"incomplete","content":[]}]}}`),
		decodeMsg(t, `{"type":"response.text.delta","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"late"}`),
	)

	if len(d.parts) != 0 || len(d.messages) != 0 || len(d.responses) != 0 {
		t.Errorf("retained parts=%d messages=%d responses=%d; want all 0",
			len(d.parts), len(d.messages), len(d.responses))
	}
}

func TestDemuxCloseUnblocksAwaiters(t *testing.T) {
	t.Parallel()
	d := NewDemux(nil)

	dispatch(t, d,
		decodeMsg(t, `{"type":"input_audio_buffer.speech_started","event_id":"e1","audio_start_ms":0,"item_id":"item-1"}`),
		decodeMsg(t, `{"type":"response.created","event_id":"e2","response":{"id":"resp-1","status":"in_progress","output":[]}}`),
	)
	in := nextEvent[*InputAudioEvent](t, d)
	resp := nextEvent[*ResponseEvent](t, d)

	d.Close()
	d.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := in.Await(ctx); err != nil {
		t.Fatalf("input Await after close: %v", err)
	}
	if _, err := resp.Await(ctx); err != nil {
		t.Fatalf("response Await after close: %v", err)
	}
	if _, ok := <-d.Events(); ok {
		t.Fatal("event stream still open after close")
	}
}
