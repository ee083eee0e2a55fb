package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/internal/relay"
	"github.com/parlance-dev/parlance/pkg/rtclient"
	"github.com/parlance-dev/parlance/pkg/rtproto"
)

// wsBackend replays wire-level server messages through a real demultiplexer,
// so /realtime is exercised end to end: websocket upgrade, relay session,
// event decoding, frame fan-out.
type wsBackend struct {
	demux *rtclient.Demux

	mu         sync.Mutex
	configures []rtproto.SessionUpdateParams
	audio      [][]byte
	items      []rtproto.Item
	generated  int
}

func newWSBackend() *wsBackend {
	return &wsBackend{demux: rtclient.NewDemux(nil)}
}

func (b *wsBackend) Configure(_ context.Context, params rtproto.SessionUpdateParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configures = append(b.configures, params)
	return nil
}

func (b *wsBackend) SendAudio(_ context.Context, pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = append(b.audio, append([]byte(nil), pcm...))
	return nil
}

func (b *wsBackend) CreateItem(_ context.Context, item rtproto.Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	return nil
}

func (b *wsBackend) GenerateResponse(_ context.Context, _ *rtproto.ResponseCreateParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generated++
	return nil
}

func (b *wsBackend) Events() <-chan rtclient.Event { return b.demux.Events() }

func (b *wsBackend) Err() error { return nil }

func (b *wsBackend) Close() error {
	b.demux.Close()
	return nil
}

func (b *wsBackend) feed(t *testing.T, payloads ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, p := range payloads {
		msg, err := rtproto.DecodeServerMessage([]byte(p))
		if err != nil {
			t.Fatalf("decode %s: %v", p, err)
		}
		if err := b.demux.Dispatch(ctx, msg); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
}

// dialRealtime spins up the server with the given backend and opens a client
// websocket against /realtime.
func dialRealtime(t *testing.T, backend relay.Backend) *websocket.Conn {
	t.Helper()
	srv := New(testConfig(), nil, nil, WithBackendDialer(func(context.Context) (relay.Backend, error) {
		return backend, nil
	}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/realtime", nil)
	if err != nil {
		t.Fatalf("dial realtime: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readTextFrame reads the next text frame and decodes it as a JSON object.
func readTextFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return m
}

func waitBackend(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRealtimeHandshake(t *testing.T) {
	backend := newWSBackend()
	conn := dialRealtime(t, backend)

	first := readTextFrame(t, conn)
	if first["type"] != "control" || first["action"] != "connected" {
		t.Fatalf("first frame = %v", first)
	}
	if first["greeting"] != "Welcome to Parlance" {
		t.Errorf("greeting = %v", first["greeting"])
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.configures) != 1 {
		t.Fatalf("configure calls = %d, want 1", len(backend.configures))
	}
	if backend.configures[0].Voice != rtproto.VoiceCoral {
		t.Errorf("voice = %v", backend.configures[0].Voice)
	}
}

func TestRealtimeForwardsClientAudio(t *testing.T) {
	backend := newWSBackend()
	conn := dialRealtime(t, backend)
	readTextFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	waitBackend(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.audio) == 1
	})
}

func TestRealtimeUserMessageTriggersResponse(t *testing.T) {
	backend := newWSBackend()
	conn := dialRealtime(t, backend)
	readTextFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg := `{"type":"user_message","id":"m1","text":"hello"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write message: %v", err)
	}

	waitBackend(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.items) == 1 && backend.generated == 1
	})

	// The backend answers; deltas stream back to the websocket.
	backend.feed(t, textWireSequence("item-1", "Hi", " there")...)

	var deltas []string
	for {
		f := readTextFrame(t, conn)
		switch f["type"] {
		case "text_delta":
			deltas = append(deltas, f["delta"].(string))
		case "control":
			if f["action"] == "text_done" {
				if got := strings.Join(deltas, ""); got != "Hi there" {
					t.Errorf("streamed text = %q", got)
				}
				return
			}
		default:
			t.Fatalf("unexpected frame %v", f)
		}
	}
}

func TestRealtimeMalformedFrameKeepsConnection(t *testing.T) {
	backend := newWSBackend()
	conn := dialRealtime(t, backend)
	readTextFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{broken")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The connection survives; a valid frame still goes through.
	msg := `{"type":"user_message","id":"m1","text":"still here"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write message: %v", err)
	}
	waitBackend(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.items) == 1
	})
}

func TestRealtimeBackendDialFailure(t *testing.T) {
	srv := New(testConfig(), nil, nil, WithBackendDialer(func(context.Context) (relay.Backend, error) {
		return nil, fmt.Errorf("backend unreachable")
	}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/realtime", nil)
	if err != nil {
		// The upgrade itself may fail once the server closes immediately.
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected the connection to close after dial failure")
	}
}

// textWireSequence is the wire sequence for a one-part text response.
func textWireSequence(itemID string, deltas ...string) []string {
	seq := []string{
		`{"type":"response.created","event_id":"e1","response":{"id":"resp-1","status":"in_progress"}}`,
		fmt.Sprintf(`{"type":"response.output_item.added","event_id":"e2","response_id":"resp-1","output_index":0,"item":{"id":%q,"type":"message","role":"assistant","content":[]}}`, itemID),
		fmt.Sprintf(`{"type":"response.content_part.added","event_id":"e3","response_id":"resp-1","item_id":%q,"output_index":0,"content_index":0,"part":{"type":"text","text":""}}`, itemID),
	}
	for i, d := range deltas {
		seq = append(seq, fmt.Sprintf(`{"type":"response.text.delta","event_id":"d%d","response_id":"resp-1","item_id":%q,"output_index":0,"content_index":0,"delta":%q}`, i, itemID, d))
	}
	full := strings.Join(deltas, "")
	seq = append(seq,
		fmt.Sprintf(`{"type":"response.text.done","event_id":"e4","response_id":"resp-1","item_id":%q,"output_index":0,"content_index":0,"text":%q}`, itemID, full),
		fmt.Sprintf(`{"type":"response.content_part.done","event_id":"e5","response_id":"resp-1","item_id":%q,"output_index":0,"content_index":0,"part":{"type":"text","text":%q}}`, itemID, full),
		fmt.Sprintf(`{"type":"response.output_item.done","event_id":"e6","response_id":"resp-1","output_index":0,"item":{"id":%q,"type":"message","role":"assistant","status":"completed","content":[{"type":"text","text":%q}]}}`, itemID, full),
		fmt.Sprintf(`{"type":"response.done","event_id":"e7","response":{"id":"resp-1","status":"completed","output":[{"id":%q,"type":"message","role":"assistant","status":"completed","content":[{"type":"text","text":%q}]}]}}`, itemID, full),
	)
	return seq
}
