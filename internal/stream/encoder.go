// Package stream writes agent progress to the client as server-sent events.
// Every event is one JSON frame; a frame may carry any subset of text, tool
// result, error and done.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrClosed is returned by sends after SendDone or a failed write.
var ErrClosed = errors.New("stream closed")

// ToolResult reports one executed tool.
type ToolResult struct {
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Frame is one event.
type Frame struct {
	Text       *string     `json:"text,omitempty"`
	Init       bool        `json:"init,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
	Error      string      `json:"error,omitempty"`
	Done       bool        `json:"done,omitempty"`
}

// Text returns a frame carrying s.
func Text(s string) Frame {
	return Frame{Text: &s}
}

// Encoder serializes frames onto an HTTP response in call order. It is safe
// for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewEncoder wraps w, which must implement http.Flusher.
func NewEncoder(w http.ResponseWriter) (*Encoder, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}
	return &Encoder{w: w, flusher: f}, nil
}

// Open writes the event-stream headers and the initial keep-alive frame.
func (e *Encoder) Open() error {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)

	init := Text("")
	init.Init = true
	return e.Send(init)
}

// Send writes f as one event.
func (e *Encoder) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.write("data: " + string(data) + "\n\n"); err != nil {
		return err
	}
	if f.Done {
		e.closed = true
	}
	return nil
}

// SendText streams model or status text.
func (e *Encoder) SendText(s string) error {
	return e.Send(Text(s))
}

// SendToolResult reports a finished tool call.
func (e *Encoder) SendToolResult(name, summary string, payload any) error {
	return e.Send(Frame{ToolResult: &ToolResult{Name: name, Summary: summary, Payload: payload}})
}

// SendError reports an error without ending the stream.
func (e *Encoder) SendError(msg string) error {
	return e.Send(Frame{Error: msg})
}

// SendDone writes the terminal frame and closes the encoder.
func (e *Encoder) SendDone() error {
	return e.Send(Frame{Done: true})
}

// Closed reports whether the encoder accepts no more frames.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// KeepAlive writes a comment every interval until ctx is done or the
// encoder closes.
func (e *Encoder) KeepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.mu.Lock()
			err := e.write(": ping\n\n")
			e.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// write must be called with mu held.
func (e *Encoder) write(s string) error {
	if e.closed {
		return ErrClosed
	}
	if _, err := e.w.Write([]byte(s)); err != nil {
		e.closed = true
		return fmt.Errorf("writing event: %w", err)
	}
	e.flusher.Flush()
	return nil
}
