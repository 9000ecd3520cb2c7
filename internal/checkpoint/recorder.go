package checkpoint

import "context"

// Recorder logs operations into whichever session is current.
type Recorder interface {
	Record(ctx context.Context, op Operation) error
}

type recorderKey struct{}

// WithRecorder returns a context that carries r.
func WithRecorder(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// RecorderFrom returns the Recorder carried by ctx, or nil.
func RecorderFrom(ctx context.Context) Recorder {
	r, _ := ctx.Value(recorderKey{}).(Recorder)
	return r
}

// Record logs op into the session carried by ctx. Without a session the
// mutation runs unprotected and Record does nothing.
func Record(ctx context.Context, op Operation) error {
	if r := RecorderFrom(ctx); r != nil {
		return r.Record(ctx, op)
	}
	return nil
}

type sessionRecorder struct {
	m  *Manager
	id string
}

func (r sessionRecorder) Record(ctx context.Context, op Operation) error {
	return r.m.Log(ctx, r.id, op)
}

// Recorder returns a Recorder that logs into session id.
func (m *Manager) Recorder(id string) Recorder {
	return sessionRecorder{m: m, id: id}
}
