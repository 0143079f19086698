package services

import (
	"io"
	"net/http"
	"sync"

	"finadvisor-pipeline/internal/models"
	"finadvisor-pipeline/internal/pkg/metrics"

	"github.com/gin-contrib/sse"
)

// EventSink writes one framed event to the outbound connection.
type EventSink interface {
	WriteEvent(event models.StreamEvent) error
}

// SSEWriter frames events as text/event-stream and flushes after each one.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) WriteEvent(event models.StreamEvent) error {
	if err := sse.Encode(s.w, sse.Event{
		Event: string(event.Type),
		Data:  event.Data(),
	}); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// StreamEmitter owns the event sequence and the open text block for one
// message. Emit assigns the sequence and writes under the same lock, so the
// keepalive goroutine can never interleave a frame out of order.
type StreamEmitter struct {
	mu        sync.Mutex
	sink      EventSink
	messageID string
	sequence  int64
	block     string
	writeErr  error
	metrics   *metrics.Metrics
}

func NewStreamEmitter(messageID string, sink EventSink, m *metrics.Metrics) *StreamEmitter {
	return &StreamEmitter{
		sink:      sink,
		messageID: messageID,
		metrics:   m,
	}
}

func (e *StreamEmitter) MessageID() string {
	return e.messageID
}

// NextSequence reserves the next sequence number. Sequences start at 1.
func (e *StreamEmitter) NextSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextSequenceLocked()
}

func (e *StreamEmitter) nextSequenceLocked() int64 {
	e.sequence++
	return e.sequence
}

// OpenBlock marks id as the open block. Callers close the previous block first.
func (e *StreamEmitter) OpenBlock(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = id
}

func (e *StreamEmitter) CurrentBlock() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block
}

// CloseBlock clears the open block and returns its id, or "" if none was open.
func (e *StreamEmitter) CloseBlock() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.block
	e.block = ""
	return id
}

// Emit writes one event. After the first write error the connection is
// considered gone and every later Emit returns that error without writing.
func (e *StreamEmitter) Emit(eventType models.EventType, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writeErr != nil {
		return e.writeErr
	}

	event := models.StreamEvent{
		Type:      eventType,
		MessageID: e.messageID,
		Sequence:  e.nextSequenceLocked(),
		Payload:   payload,
	}
	if err := e.sink.WriteEvent(event); err != nil {
		e.writeErr = err
		return err
	}

	e.metrics.ObserveStreamEvent(string(eventType))
	return nil
}
