// Package stream turns query results into response frames and tracks the
// live cursors of one connection so they can be cancelled.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain/frame"
	"github.com/kailas-cloud/fusion/internal/metrics"
)

// ErrUnexpectedResult is returned for a result that is neither materialized nor live.
var ErrUnexpectedResult = errors.New("query got a non-array, non-cursor result")

// ErrDuplicateRequest is returned when a request id already has a live cursor.
var ErrDuplicateRequest = errors.New("request id already has a live cursor")

// SendFunc delivers one frame of a request to the client.
type SendFunc func(f frame.Frame) error

// entry is a live cursor, or a reservation for one while cursor is nil.
// cursor is guarded by Streamer.mu, cancelled by mu.
type entry struct {
	cursor db.Cursor

	mu        sync.Mutex
	cancelled bool
}

// Streamer streams results for one connection.
type Streamer struct {
	logger *zap.Logger

	mu      sync.Mutex
	cursors map[int64]*entry
	closed  bool
}

// NewStreamer creates a streamer with no live cursors.
func NewStreamer(logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{logger: logger, cursors: make(map[int64]*entry)}
}

// Stream emits the frames for res and returns once the stream has ended.
// A materialized result is sent as one complete frame. A live cursor is
// sent one item per frame and ends with a complete frame on exhaustion, or
// with an error frame and no complete frame on failure. A cancelled cursor
// ends silently.
func (s *Streamer) Stream(ctx context.Context, requestID int64, res db.Result, send SendFunc) error {
	switch res.Kind() {
	case db.KindMaterialized:
		return emit(send, frame.Complete(res.Items()))
	case db.KindLive:
		return s.streamCursor(ctx, requestID, res.Cursor(), send)
	case db.KindInvalid:
	}
	_ = emit(send, frame.Error(ErrUnexpectedResult))
	return ErrUnexpectedResult
}

// Reserve claims requestID for a live stream whose cursor does not exist
// yet. A Cancel that arrives before Stream is remembered, and Stream then
// closes the cursor without sending anything. release drops the reservation
// if Stream never consumed it and reports whether the request was cancelled.
func (s *Streamer) Reserve(requestID int64) (release func() (cancelled bool), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.cursors[requestID]; dup {
		return nil, fmt.Errorf("request %d: %w", requestID, ErrDuplicateRequest)
	}
	e := &entry{}
	s.cursors[requestID] = e
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cursors[requestID] == e && e.cursor == nil {
			delete(s.cursors, requestID)
		}
		return e.isCancelled()
	}, nil
}

func (s *Streamer) streamCursor(ctx context.Context, requestID int64, c db.Cursor, send SendFunc) error {
	s.mu.Lock()
	e, reserved := s.cursors[requestID]
	switch {
	case reserved && e.cursor != nil:
		s.mu.Unlock()
		_ = c.Close()
		return fmt.Errorf("request %d: %w", requestID, ErrDuplicateRequest)
	case s.closed || reserved && e.isCancelled():
		if reserved {
			delete(s.cursors, requestID)
		}
		s.mu.Unlock()
		_ = c.Close()
		return nil
	case reserved:
		e.cursor = c
	default:
		e = &entry{cursor: c}
		s.cursors[requestID] = e
	}
	s.mu.Unlock()
	metrics.ActiveCursors.Inc()

	for {
		item, err := c.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if !s.deregister(requestID, e) {
				return nil
			}
			_ = c.Close()
			return e.sendUnlessCancelled(send, frame.Complete(nil))
		case err != nil:
			if !s.deregister(requestID, e) {
				return nil
			}
			_ = c.Close()
			s.logger.Debug("cursor failed", zap.Int64("request_id", requestID), zap.Error(err))
			if sendErr := e.sendUnlessCancelled(send, frame.Error(err)); sendErr != nil {
				return sendErr
			}
			return err
		}
		if err := e.sendUnlessCancelled(send, frame.Item(item)); err != nil {
			s.Cancel(requestID)
			return err
		}
	}
}

// Cancel stops the live cursor of requestID. No further frames are sent for
// it. A reserved request is marked so its cursor is closed on arrival.
// Unknown or finished request ids are ignored.
func (s *Streamer) Cancel(requestID int64) {
	s.mu.Lock()
	e, ok := s.cursors[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.cursor == nil {
		e.cancel()
		s.mu.Unlock()
		return
	}
	delete(s.cursors, requestID)
	s.mu.Unlock()

	e.cancel()
	_ = e.cursor.Close()
	metrics.ActiveCursors.Dec()
}

// CancelAll stops every live cursor and reservation of the connection.
// Cursors that arrive afterwards are closed unread.
func (s *Streamer) CancelAll() {
	s.mu.Lock()
	entries := s.cursors
	s.cursors = make(map[int64]*entry)
	s.closed = true
	s.mu.Unlock()
	for _, e := range entries {
		e.cancel()
		if e.cursor != nil {
			_ = e.cursor.Close()
			metrics.ActiveCursors.Dec()
		}
	}
}

// Active returns the number of live cursors.
func (s *Streamer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.cursors {
		if e.cursor != nil {
			n++
		}
	}
	return n
}

// deregister reports false if the cursor was cancelled meanwhile.
func (s *Streamer) deregister(requestID int64, e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[requestID] != e {
		return false
	}
	delete(s.cursors, requestID)
	metrics.ActiveCursors.Dec()
	return true
}

func (e *entry) cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
}

func (e *entry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *entry) sendUnlessCancelled(send SendFunc, f frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return nil
	}
	return emit(send, f)
}

func emit(send SendFunc, f frame.Frame) error {
	kind := "data"
	switch {
	case f.Error != "":
		kind = "error"
	case f.State == frame.StateComplete:
		kind = "complete"
	}
	metrics.FramesTotal.WithLabelValues(kind).Inc()
	return send(f)
}
