// Package tracing records timed spans for a collection and its source
// fetches. Spans travel in the context, form a tree under the collection's
// root span, and are emitted as one structured log line each when the root
// finishes.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// Span is a timed operation.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	attrs    []any
	children []*Span
}

// Start opens a span under the span already in ctx, or a new root with a
// fresh trace id when there is none.
func Start(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, span)
		parent.mu.Unlock()
	} else {
		span.TraceID = uuid.NewString()
	}
	return context.WithValue(ctx, contextKey{}, span), span
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(contextKey{}).(*Span)
	return span
}

// SetAttr attaches a key-value pair logged with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// End records the span's duration and the error it ended with, if any.
func (s *Span) End(err error) {
	s.Duration = time.Since(s.Start)
	s.Err = err
}

// Children returns the spans started under s.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// Log writes s and its descendants to log at debug level.
func (s *Span) Log(log *slog.Logger) {
	s.log(log, 0)
}

func (s *Span) log(log *slog.Logger, depth int) {
	s.mu.Lock()
	args := append([]any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()
	if s.Err != nil {
		args = append(args, "error", s.Err.Error())
	}
	log.Debug("span", args...)
	for _, child := range children {
		child.log(log, depth+1)
	}
}
