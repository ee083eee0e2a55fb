package rtclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parlance-dev/parlance/pkg/rtproto"
)

// Event is a top-level occurrence on the backend session: a model response, a
// detected user utterance, or a backend error report.
type Event interface {
	event()
}

// ─────────────────────────────────────────────────────────────────────────────
// Event variants
// ─────────────────────────────────────────────────────────────────────────────

// ErrorEvent surfaces a backend error message. The session stays open; fatal
// transport failures are reported through [Client.Err] instead.
type ErrorEvent struct {
	Detail rtproto.ErrorDetail
}

func (*ErrorEvent) event() {}

func (e *ErrorEvent) Err() error { return &e.Detail }

// InputAudioEvent tracks one detected user utterance from speech onset to
// transcript completion.
type InputAudioEvent struct {
	// ItemID names the conversation item the utterance becomes.
	ItemID string

	// AudioStartMs is the buffer offset of speech onset.
	AudioStartMs int

	audioEndMs int
	transcript string
	err        error
	done       chan struct{}
}

func (*InputAudioEvent) event() {}

// AudioEndMs returns the buffer offset of speech end. Valid after Await.
func (e *InputAudioEvent) AudioEndMs() int { return e.audioEndMs }

// Await blocks until the utterance's transcript completes. It returns the
// transcript text, or the empty string with a nil error when the backend
// finished the item without one. A transcription failure is returned as error.
func (e *InputAudioEvent) Await(ctx context.Context) (string, error) {
	select {
	case <-e.done:
		return e.transcript, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResponseEvent is a model turn in progress. Output items arrive on Items in
// generation order; Await blocks for the final response state.
type ResponseEvent struct {
	// ID is the backend response id.
	ID string

	items chan ResponseItem
	done  chan struct{}
	final *rtproto.Response
}

func (*ResponseEvent) event() {}

// Items returns the stream of output items. The channel closes when the
// response finishes.
func (r *ResponseEvent) Items() <-chan ResponseItem { return r.items }

// Await blocks until the response is done and returns its final state.
func (r *ResponseEvent) Await(ctx context.Context) (*rtproto.Response, error) {
	select {
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResponseItem is one output item of a response as it streams:
// a [*MessageItemStream] or a [*FunctionCallStream].
type ResponseItem interface {
	responseItem()
}

// MessageItemStream is a streaming message output item. Content parts arrive
// on Parts in order.
type MessageItemStream struct {
	ID   string
	Role rtproto.MessageRole

	parts     chan *ContentPartStream
	closeOnce sync.Once
}

func (*MessageItemStream) responseItem() {}

// Parts returns the stream of content parts. The channel closes when the item
// is done.
func (m *MessageItemStream) Parts() <-chan *ContentPartStream { return m.parts }

func (m *MessageItemStream) close() {
	m.closeOnce.Do(func() { close(m.parts) })
}

// FunctionCallStream is a streaming function call output item. Argument
// fragments arrive on Args; the assembled call is available after Await.
type FunctionCallStream struct {
	ID     string
	CallID string

	args chan string
	done chan struct{}

	name      string
	arguments string

	argsOnce sync.Once
	doneOnce sync.Once
}

func (*FunctionCallStream) responseItem() {}

// Args returns the stream of argument fragments.
func (f *FunctionCallStream) Args() <-chan string { return f.args }

// Await blocks until the call's arguments are complete and returns the
// function name and the assembled arguments string.
func (f *FunctionCallStream) Await(ctx context.Context) (name, arguments string, err error) {
	select {
	case <-f.done:
		return f.name, f.arguments, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (f *FunctionCallStream) close() {
	f.argsOnce.Do(func() { close(f.args) })
	f.doneOnce.Do(func() { close(f.done) })
}

// ContentPartKind discriminates the chunk streams a content part carries.
type ContentPartKind string

const (
	ContentText  ContentPartKind = "text"
	ContentAudio ContentPartKind = "audio"
)

// ContentPartStream is one content part of a message item as it streams. Text
// parts carry text fragments on Text. Audio parts carry decoded PCM16 chunks
// on Audio and the spoken transcript's fragments on Text; the two close
// independently.
type ContentPartStream struct {
	Kind         ContentPartKind
	ItemID       string
	ContentIndex int

	text  chan string
	audio chan []byte

	textOnce  sync.Once
	audioOnce sync.Once

	// Stream completion flags, owned by the Dispatch goroutine. Once both
	// streams finish the demux forgets the part, so a duplicate or misordered
	// delta is dropped instead of sent on a closed channel.
	textClosed  bool
	audioClosed bool
}

// Text returns the text or transcript fragment stream.
func (p *ContentPartStream) Text() <-chan string { return p.text }

// Audio returns the decoded audio chunk stream. Nil channel for text parts.
func (p *ContentPartStream) Audio() <-chan []byte { return p.audio }

func (p *ContentPartStream) closeText() {
	p.textOnce.Do(func() { close(p.text) })
}

func (p *ContentPartStream) closeAudio() {
	if p.audio == nil {
		return
	}
	p.audioOnce.Do(func() { close(p.audio) })
}

// ─────────────────────────────────────────────────────────────────────────────
// Demux
// ─────────────────────────────────────────────────────────────────────────────

// partKey addresses one content part within the conversation.
type partKey struct {
	itemID       string
	contentIndex int
}

// Demux turns the flat server-message stream into nested typed event streams.
// Dispatch must be called from a single goroutine; the emitted events may be
// consumed concurrently.
type Demux struct {
	events chan Event
	log    *slog.Logger

	responses map[string]*ResponseEvent
	messages  map[string]*MessageItemStream
	calls     map[string]*FunctionCallStream
	parts     map[partKey]*ContentPartStream
	inputs    map[string]*InputAudioEvent

	closeOnce sync.Once
}

// NewDemux creates an empty demultiplexer.
func NewDemux(log *slog.Logger) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{
		events:    make(chan Event, 16),
		log:       log,
		responses: make(map[string]*ResponseEvent),
		messages:  make(map[string]*MessageItemStream),
		calls:     make(map[string]*FunctionCallStream),
		parts:     make(map[partKey]*ContentPartStream),
		inputs:    make(map[string]*InputAudioEvent),
	}
}

// Events returns the top-level event stream. The channel closes when the
// session ends.
func (d *Demux) Events() <-chan Event { return d.events }

// Close ends the event stream and unblocks pending nested streams. Idempotent.
func (d *Demux) Close() {
	d.closeOnce.Do(func() {
		for _, r := range d.responses {
			select {
			case <-r.done:
			default:
				close(r.items)
				close(r.done)
			}
		}
		for _, m := range d.messages {
			m.close()
		}
		for _, f := range d.calls {
			f.close()
		}
		for _, p := range d.parts {
			p.closeText()
			p.closeAudio()
		}
		for _, in := range d.inputs {
			select {
			case <-in.done:
			default:
				close(in.done)
			}
		}
		close(d.events)
	})
}

// Dispatch routes one server message into the event streams. Sends block until
// the consumer drains them or ctx is cancelled; a slow consumer backpressures
// the caller.
func (d *Demux) Dispatch(ctx context.Context, msg rtproto.ServerMessage) error {
	switch m := msg.(type) {
	case *rtproto.ErrorMessage:
		return d.emit(ctx, &ErrorEvent{Detail: m.Error})

	case *rtproto.InputAudioBufferSpeechStartedMessage:
		in := &InputAudioEvent{
			ItemID:       m.ItemID,
			AudioStartMs: m.AudioStartMs,
			done:         make(chan struct{}),
		}
		d.inputs[m.ItemID] = in
		return d.emit(ctx, in)

	case *rtproto.InputAudioBufferSpeechStoppedMessage:
		if in, ok := d.inputs[m.ItemID]; ok {
			in.audioEndMs = m.AudioEndMs
		}

	case *rtproto.ItemInputAudioTranscriptionCompletedMessage:
		if in, ok := d.inputs[m.ItemID]; ok {
			in.transcript = m.Transcript
			close(in.done)
			delete(d.inputs, m.ItemID)
		}

	case *rtproto.ItemInputAudioTranscriptionFailedMessage:
		if in, ok := d.inputs[m.ItemID]; ok {
			in.err = &m.Error
			close(in.done)
			delete(d.inputs, m.ItemID)
		}

	case *rtproto.ResponseCreatedMessage:
		r := &ResponseEvent{
			ID:    m.Response.ID,
			items: make(chan ResponseItem, 4),
			done:  make(chan struct{}),
		}
		d.responses[r.ID] = r
		return d.emit(ctx, r)

	case *rtproto.ResponseOutputItemAddedMessage:
		return d.handleOutputItemAdded(ctx, m)

	case *rtproto.ResponseOutputItemDoneMessage:
		id := itemID(m.Item)
		if ms, ok := d.messages[id]; ok {
			ms.close()
			delete(d.messages, id)
		}
		if fc, ok := d.calls[id]; ok {
			fc.close()
			delete(d.calls, id)
		}
		d.dropItemParts(id)

	case *rtproto.ResponseContentPartAddedMessage:
		return d.handleContentPartAdded(ctx, m)

	case *rtproto.ResponseContentPartDoneMessage:
		key := partKey{m.ItemID, m.ContentIndex}
		d.markTextDone(key)
		d.markAudioDone(key)

	case *rtproto.ResponseTextDeltaMessage:
		return d.sendText(ctx, partKey{m.ItemID, m.ContentIndex}, m.Delta)

	case *rtproto.ResponseTextDoneMessage:
		d.markTextDone(partKey{m.ItemID, m.ContentIndex})

	case *rtproto.ResponseAudioTranscriptDeltaMessage:
		return d.sendText(ctx, partKey{m.ItemID, m.ContentIndex}, m.Delta)

	case *rtproto.ResponseAudioTranscriptDoneMessage:
		d.markTextDone(partKey{m.ItemID, m.ContentIndex})

	case *rtproto.ResponseAudioDeltaMessage:
		return d.sendAudio(ctx, partKey{m.ItemID, m.ContentIndex}, m.Delta)

	case *rtproto.ResponseAudioDoneMessage:
		d.markAudioDone(partKey{m.ItemID, m.ContentIndex})

	case *rtproto.ResponseFunctionCallArgumentsDeltaMessage:
		if fc, ok := d.calls[m.ItemID]; ok {
			select {
			case fc.args <- m.Delta:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

	case *rtproto.ResponseFunctionCallArgumentsDoneMessage:
		if fc, ok := d.calls[m.ItemID]; ok {
			fc.name = m.Name
			fc.arguments = m.Arguments
			fc.close()
			delete(d.calls, m.ItemID)
		}

	case *rtproto.ResponseDoneMessage:
		return d.handleResponseDone(m)

	case *rtproto.UnknownMessage:
		d.log.Debug("rtclient: dropping unknown server message", "type", m.MessageType())

	default:
		// Session confirmations, buffer acks, rate limits and item CRUD echoes
		// carry no streamed payload.
		d.log.Debug("rtclient: no event mapping for server message", "type", msg.MessageType())
	}
	return nil
}

func (d *Demux) handleOutputItemAdded(ctx context.Context, m *rtproto.ResponseOutputItemAddedMessage) error {
	r, ok := d.responses[m.ResponseID]
	if !ok {
		d.log.Debug("rtclient: output item for unknown response", "response_id", m.ResponseID)
		return nil
	}

	var item ResponseItem
	switch it := m.Item.(type) {
	case *rtproto.MessageItem:
		ms := &MessageItemStream{
			ID:    it.ID,
			Role:  it.Role,
			parts: make(chan *ContentPartStream, 4),
		}
		d.messages[it.ID] = ms
		item = ms
	case *rtproto.FunctionCallItem:
		fc := &FunctionCallStream{
			ID:     it.ID,
			CallID: it.CallID,
			args:   make(chan string, 16),
			done:   make(chan struct{}),
		}
		d.calls[it.ID] = fc
		item = fc
	default:
		d.log.Debug("rtclient: ignoring output item", "item_type", m.Item.ItemType())
		return nil
	}

	select {
	case r.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Demux) handleContentPartAdded(ctx context.Context, m *rtproto.ResponseContentPartAddedMessage) error {
	ms, ok := d.messages[m.ItemID]
	if !ok {
		d.log.Debug("rtclient: content part for unknown item", "item_id", m.ItemID)
		return nil
	}

	p := &ContentPartStream{
		ItemID:       m.ItemID,
		ContentIndex: m.ContentIndex,
		text:         make(chan string, 16),
	}
	switch m.Part.PartType() {
	case "audio":
		p.Kind = ContentAudio
		p.audio = make(chan []byte, 16)
	case "text":
		p.Kind = ContentText
	default:
		d.log.Debug("rtclient: ignoring content part", "part_type", m.Part.PartType())
		return nil
	}
	d.parts[partKey{m.ItemID, m.ContentIndex}] = p

	select {
	case ms.parts <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Demux) handleResponseDone(m *rtproto.ResponseDoneMessage) error {
	r, ok := d.responses[m.Response.ID]
	if !ok {
		d.log.Debug("rtclient: done for unknown response", "response_id", m.Response.ID)
		return nil
	}

	// The stream-level done messages normally close everything; a cancelled
	// response can leave streams dangling.
	for _, out := range m.Response.Output {
		if ms, ok := d.messages[itemID(out)]; ok {
			ms.close()
			delete(d.messages, itemID(out))
		}
		if fc, ok := d.calls[itemID(out)]; ok {
			fc.close()
			delete(d.calls, itemID(out))
		}
		d.dropItemParts(itemID(out))
	}

	final := m.Response
	r.final = &final
	close(r.items)
	close(r.done)
	delete(d.responses, m.Response.ID)
	return nil
}

// markTextDone closes a part's text stream and forgets the part once its
// other stream has finished too. Deltas arriving after that point are
// dropped by sendText rather than sent on a closed channel.
func (d *Demux) markTextDone(key partKey) {
	p, ok := d.parts[key]
	if !ok {
		return
	}
	p.closeText()
	p.textClosed = true
	d.forgetIfDone(key, p)
}

func (d *Demux) markAudioDone(key partKey) {
	p, ok := d.parts[key]
	if !ok {
		return
	}
	p.closeAudio()
	p.audioClosed = true
	d.forgetIfDone(key, p)
}

func (d *Demux) forgetIfDone(key partKey, p *ContentPartStream) {
	if p.textClosed && (p.audio == nil || p.audioClosed) {
		delete(d.parts, key)
	}
}

// dropItemParts closes and forgets every part belonging to an item. A
// cancelled response can finish an item without per-part done messages.
func (d *Demux) dropItemParts(id string) {
	for key, p := range d.parts {
		if key.itemID != id {
			continue
		}
		p.closeText()
		p.closeAudio()
		delete(d.parts, key)
	}
}

func (d *Demux) sendText(ctx context.Context, key partKey, delta string) error {
	p, ok := d.parts[key]
	if !ok || p.textClosed {
		d.log.Debug("rtclient: text delta for unknown part", "item_id", key.itemID, "content_index", key.contentIndex)
		return nil
	}
	select {
	case p.text <- delta:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Demux) sendAudio(ctx context.Context, key partKey, delta string) error {
	p, ok := d.parts[key]
	if !ok || p.audio == nil || p.audioClosed {
		d.log.Debug("rtclient: audio delta for unknown part", "item_id", key.itemID, "content_index", key.contentIndex)
		return nil
	}
	chunk, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return fmt.Errorf("rtclient: decode audio delta: %w", err)
	}
	if len(chunk) == 0 {
		return nil
	}
	select {
	case p.audio <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Demux) emit(ctx context.Context, ev Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func itemID(it rtproto.Item) string {
	switch v := it.(type) {
	case *rtproto.MessageItem:
		return v.ID
	case *rtproto.FunctionCallItem:
		return v.ID
	case *rtproto.FunctionCallOutputItem:
		return v.ID
	default:
		return ""
	}
}
