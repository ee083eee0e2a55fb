package relay

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/parlance-dev/parlance/pkg/rtclient"
)

// handleResponse drains one model turn: items in backend order, and for each
// message item its content parts in order. Function call items are drained
// without client frames; tool execution is not part of the relay.
func (s *Session) handleResponse(resp *rtclient.ResponseEvent) error {
	for item := range resp.Items() {
		switch it := item.(type) {
		case *rtclient.MessageItemStream:
			for part := range it.Parts() {
				if err := s.handleContentPart(part); err != nil {
					return err
				}
			}
		case *rtclient.FunctionCallStream:
			// The argument stream must be drained even though the call is
			// discarded: the demultiplexer blocks dispatching fragments once
			// the channel buffer fills, which would stall the whole session.
			for range it.Args() {
			}
			name, args, err := it.Await(s.ctx)
			if err != nil {
				return err
			}
			s.log.Debug("discarding function call", "name", name, "args_len", len(args))
		}
	}
	s.log.Debug("response handled", "response_id", resp.ID)
	return nil
}

// handleContentPart streams one content part to the client. A text part is a
// single delta stream. An audio part fans out into two sub-streams sharing
// one errgroup: raw binary audio chunks and the transcript delta stream; the
// part is done only when both finish, and either failure cancels the other.
func (s *Session) handleContentPart(part *rtclient.ContentPartStream) error {
	id := contentID(part.ItemID, part.ContentIndex)

	if part.Kind == rtclient.ContentText {
		return s.streamTextDeltas(s.ctx, id, part)
	}

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		for chunk := range part.Audio() {
			if err := s.writeBinary(ctx, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		return s.streamTextDeltas(ctx, id, part)
	})
	return g.Wait()
}

// streamTextDeltas forwards the part's text fragments under its stable id and
// terminates the stream with exactly one text_done control frame.
func (s *Session) streamTextDeltas(ctx context.Context, id string, part *rtclient.ContentPartStream) error {
	for delta := range part.Text() {
		if err := s.writeJSON(ctx, newTextDeltaFrame(id, delta)); err != nil {
			return err
		}
	}
	done := newControlFrame(actionTextDone)
	done.ID = id
	return s.writeJSON(ctx, done)
}
