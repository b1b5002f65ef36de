package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/five82/reportsync/internal/remote"
	"github.com/five82/reportsync/internal/state"
)

// ChatStream is one streamed chat edit. Next yields text deltas, then a
// final chunk carrying the result, then io.EOF. It cannot be restarted.
// When the result arrives its section changes are applied through
// UpdateSection, so they are optimistic and roll back like manual edits.
type ChatStream struct {
	engine *Engine
	ctx    context.Context
	inner  remote.ChatStream

	mu     sync.Mutex
	done   bool
	text   strings.Builder
	result *remote.ChatEditResult
	errs   []error
}

// ChatEdit sends message to the chat editor for the loaded report. It is
// not retried: a replayed message could apply its edits twice.
func (e *Engine) ChatEdit(ctx context.Context, message string, chat remote.ChatContext) (*ChatStream, error) {
	const op = "chat edit"
	rerun := func(ctx context.Context) error {
		s, err := e.ChatEdit(ctx, message, chat)
		if err != nil {
			return err
		}
		_, err = s.Drain()
		return err
	}
	reportID, err := e.requireReport(op)
	if err == nil && strings.TrimSpace(message) == "" {
		err = remote.ValidationError(op, "message is empty")
	}
	if err != nil {
		e.fail(op, "", err, rerun)
		return nil, err
	}
	inner, err := e.svc.SendChatEdit(ctx, reportID, message, chat)
	if err != nil {
		e.fail(op, reportID, err, rerun)
		return nil, err
	}
	return &ChatStream{engine: e, ctx: ctx, inner: inner}, nil
}

// Next returns the next chunk, or io.EOF once the result has been
// delivered or the stream is closed.
func (s *ChatStream) Next() (remote.ChatChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return remote.ChatChunk{}, io.EOF
	}
	chunk, err := s.inner.Next()
	if err != nil {
		s.finish()
		if errors.Is(err, io.EOF) {
			if s.result == nil {
				err = remote.NewError(remote.KindUnknown, "chat edit", io.ErrUnexpectedEOF)
				s.engine.fail("chat edit", "", err, nil)
				return remote.ChatChunk{}, err
			}
			return remote.ChatChunk{}, io.EOF
		}
		s.engine.fail("chat edit", "", err, nil)
		return remote.ChatChunk{}, err
	}
	s.text.WriteString(chunk.Delta)
	if chunk.Result != nil {
		res := *chunk.Result
		s.result = &res
		s.apply(res)
		s.finish()
	}
	return chunk, nil
}

// Drain reads the stream to the end and returns the result.
func (s *ChatStream) Drain() (*remote.ChatEditResult, error) {
	for {
		if _, err := s.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return s.Result(), nil
			}
			return nil, err
		}
	}
}

// Text returns the response text streamed so far.
func (s *ChatStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Result returns the terminal result, or nil before it arrives.
func (s *ChatStream) Result() *remote.ChatEditResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	res := *s.result
	return &res
}

// ApplyErrors returns the section changes that could not be applied.
func (s *ChatStream) ApplyErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Close releases the underlying stream. Later calls to Next return io.EOF.
func (s *ChatStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.inner.Close()
}

func (s *ChatStream) finish() {
	if s.done {
		return
	}
	s.done = true
	_ = s.inner.Close()
}

func (s *ChatStream) apply(res remote.ChatEditResult) {
	for _, change := range res.AppliedChanges {
		if err := s.engine.UpdateSection(s.ctx, change.SectionID, change.Content); err != nil {
			s.errs = append(s.errs, err)
			s.engine.logger.Warn("chat change not applied", zap.String("section", change.SectionID), zap.Error(err))
		}
	}
	_ = s.engine.store.Dispatch(state.ChatRecorded{Result: res})
}
