package rtclient_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/pkg/rtclient"
	"github.com/parlance-dev/parlance/pkg/rtproto"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBackend launches a mock realtime backend. The handler receives the
// accepted conn and the handshake request.
func startBackend(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readRaw(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return raw
}

func rawString(t *testing.T, raw map[string]json.RawMessage, field string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw[field], &s); err != nil {
		t.Fatalf("field %s: %v", field, err)
	}
	return s
}

func TestDialOpenAIHandshake(t *testing.T) {
	t.Parallel()

	type handshake struct {
		model string
		auth  string
		beta  string
	}
	got := make(chan handshake, 1)

	srv := startBackend(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("sk-test"),
		rtclient.WithModel("gpt-4o-mini-realtime"),
		rtclient.WithEndpoint(wsURL(srv)),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case h := <-got:
		if h.model != "gpt-4o-mini-realtime" {
			t.Errorf("model = %q; want gpt-4o-mini-realtime", h.model)
		}
		if h.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q; want Bearer sk-test", h.auth)
		}
		if h.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", h.beta)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDialAzureHandshake(t *testing.T) {
	t.Parallel()

	type handshake struct {
		path       string
		deployment string
		apiVersion string
		apiKey     string
	}
	got := make(chan handshake, 1)

	srv := startBackend(t, func(conn *websocket.Conn, r *http.Request) {
		got <- handshake{
			path:       r.URL.Path,
			deployment: r.URL.Query().Get("deployment"),
			apiVersion: r.URL.Query().Get("api-version"),
			apiKey:     r.Header.Get("api-key"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithAzure(wsURL(srv), "my-deployment", "azure-key"),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case h := <-got:
		if h.path != "/openai/realtime" {
			t.Errorf("path = %q; want /openai/realtime", h.path)
		}
		if h.deployment != "my-deployment" {
			t.Errorf("deployment = %q; want my-deployment", h.deployment)
		}
		if h.apiVersion == "" {
			t.Error("api-version query param missing")
		}
		if h.apiKey != "azure-key" {
			t.Errorf("api-key = %q; want azure-key", h.apiKey)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDialAzureRequiresEndpoint(t *testing.T) {
	t.Parallel()
	_, err := rtclient.Dial(context.Background(), rtclient.WithAzure("", "dep", "key"))
	if err == nil {
		t.Fatal("Dial: want error for missing azure endpoint")
	}
}

func TestSendAudioEncodesBase64(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]json.RawMessage, 4)
	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		frames <- readRaw(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("key"), rtclient.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	pcm := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := c.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case raw := <-frames:
		if got := rawString(t, raw, "type"); got != "input_audio_buffer.append" {
			t.Errorf("type = %q", got)
		}
		audio := rawString(t, raw, "audio")
		decoded, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			t.Fatalf("audio not base64: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("audio = %v; want %v", decoded, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConfigureSerializesSessionUpdate(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]json.RawMessage, 4)
	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		frames <- readRaw(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("key"), rtclient.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.Configure(context.Background(), rtproto.SessionUpdateParams{
		Voice:                   rtproto.VoiceCoral,
		InputAudioFormat:        rtproto.AudioFormatPCM16,
		OutputAudioFormat:       rtproto.AudioFormatPCM16,
		InputAudioTranscription: &rtproto.InputAudioTranscription{Model: "whisper-1"},
		TurnDetection:           &rtproto.ServerVAD{},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	select {
	case raw := <-frames:
		if got := rawString(t, raw, "type"); got != "session.update" {
			t.Errorf("type = %q", got)
		}
		if len(raw["event_id"]) == 0 {
			t.Error("event_id missing")
		}
		var session struct {
			Voice         string          `json:"voice"`
			TurnDetection json.RawMessage `json:"turn_detection"`
		}
		if err := json.Unmarshal(raw["session"], &session); err != nil {
			t.Fatalf("session: %v", err)
		}
		if session.Voice != "coral" {
			t.Errorf("voice = %q; want coral", session.Voice)
		}
		if !strings.Contains(string(session.TurnDetection), "server_vad") {
			t.Errorf("turn_detection = %s; want server_vad", session.TurnDetection)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConfigureValidationFailsLocally(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("key"), rtclient.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	temp := 1.5
	err = c.Configure(context.Background(), rtproto.SessionUpdateParams{Temperature: &temp})
	var ve *rtproto.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Configure error = %v; want *rtproto.ValidationError", err)
	}
}

func TestEventsStreamEndToEnd(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		send := func(s string) {
			if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
				t.Logf("backend write: %v", err)
			}
		}
		send(`{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress","output":[]}}`)
		send(`{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","content":[]}}`)
		send(`{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"part":{"type":"text","text":""}}`)
		send(`{"type":"response.text.delta","event_id":"e4","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"delta":"Hi"}`)
		send(`{"type":"response.text.done","event_id":"e5","response_id":"resp-1","item_id":"item-1","output_index":0,"content_index":0,"text":"Hi"}`)
		send(`{"type":"response.output_item.done","event_id":"e6","response_id":"resp-1","output_index":0,"item":{"type":"message","id":"item-1","role":"assistant","status":"completed","content":[{"type":"text","text":"Hi"}]}}`)
		send(`{"type":"response.done","event_id":"e7","response":{"id":"resp-1","status":"completed","output":[{"type":"message","id":"item-1","role":"assistant","status":"completed","content":[{"type":"text","text":"Hi"}]}]}}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("key"), rtclient.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var resp *rtclient.ResponseEvent
	select {
	case ev := <-c.Events():
		r, ok := ev.(*rtclient.ResponseEvent)
		if !ok {
			t.Fatalf("event = %T; want *ResponseEvent", ev)
		}
		resp = r
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response event")
	}

	var text string
	for item := range resp.Items() {
		msg, ok := item.(*rtclient.MessageItemStream)
		if !ok {
			t.Fatalf("item = %T; want *MessageItemStream", item)
		}
		for part := range msg.Parts() {
			for delta := range part.Text() {
				text += delta
			}
		}
	}
	if text != "Hi" {
		t.Errorf("text = %q; want Hi", text)
	}
}

func TestCloseIsIdempotentAndEndsEvents(t *testing.T) {
	t.Parallel()

	srv := startBackend(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c, err := rtclient.Dial(context.Background(),
		rtclient.WithOpenAI("key"), rtclient.WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("Events delivered after close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: event stream not closed")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after clean close = %v; want nil", err)
	}
}
