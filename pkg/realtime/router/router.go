// Package router dispatches decoded gateway frames to domain handlers by
// their type.
//
// Frame types are dot separated ("deployment.updated"). For matching they
// are treated as MQTT topics with "/" separators, so a handler registered
// for "deployment/#" receives every deployment frame and one registered for
// "deployment/+action" also receives {"action": "updated"} through
// FieldsFromContext.
package router

import (
	"context"
	"strings"
	"sync"

	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/amir-yaghoubi/mqttpattern"
	"go.uber.org/zap"
)

// Handler consumes one frame.
type Handler interface {
	Handle(ctx context.Context, frame wire.Frame)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, frame wire.Frame)

func (f HandlerFunc) Handle(ctx context.Context, frame wire.Frame) {
	f(ctx, frame)
}

type patternRoute struct {
	pattern string
	extract bool
	handler Handler
}

// Router routes frames to the first matching handler: an exact type match,
// then patterns in registration order, then the fallback.
type Router struct {
	logger *zap.Logger

	mu       sync.RWMutex
	exact    map[string]Handler
	patterns []patternRoute
	fallback Handler
}

// New creates an empty Router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger: logger,
		exact:  make(map[string]Handler),
	}
}

// Topic converts a frame type to the topic form used for matching.
func Topic(frameType string) string {
	return strings.ReplaceAll(frameType, ".", "/")
}

// Handle registers h for a frame type or topic pattern. Registering the same
// exact type twice replaces the earlier handler.
func (r *Router) Handle(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(pattern, "+#") {
		r.exact[Topic(pattern)] = h
		return
	}

	r.patterns = append(r.patterns, patternRoute{
		pattern: pattern,
		extract: mqttpattern.HasExtractions(pattern),
		handler: h,
	})
}

// HandleFunc registers a function for a frame type or topic pattern.
func (r *Router) HandleFunc(pattern string, fn func(ctx context.Context, frame wire.Frame)) {
	r.Handle(pattern, HandlerFunc(fn))
}

// Fallback sets the handler for frames nothing else matched.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Route dispatches frame and reports whether a handler received it.
func (r *Router) Route(ctx context.Context, frame wire.Frame) bool {
	if reason := Ignored(frame); reason != "" {
		r.logger.Debug("Ignoring frame", zap.String("reason", reason))
		return false
	}

	handler, fields := r.lookup(frame.Type())
	if handler == nil {
		r.logger.Debug("No handler for frame", zap.String("type", frame.Type()))
		return false
	}

	if fields != nil {
		ctx = context.WithValue(ctx, fieldsKey{}, fields)
	}
	handler.Handle(ctx, frame)
	return true
}

func (r *Router) lookup(frameType string) (Handler, map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if frameType != "" {
		topic := Topic(frameType)

		if h, ok := r.exact[topic]; ok {
			return h, nil
		}

		for _, route := range r.patterns {
			if !mqttpattern.Matches(route.pattern, topic) {
				continue
			}
			if route.extract {
				return route.handler, mqttpattern.Extract(route.pattern, topic)
			}
			return route.handler, nil
		}
	}

	return r.fallback, nil
}

// Ignored returns a non-empty reason for frames that are never routed:
// service metrics broadcasts and preview interface build events.
func Ignored(frame wire.Frame) string {
	if frame.String("entity") == "ServiceMetrics" {
		return "service metrics"
	}
	if v, ok := frame.Get("repo_name"); ok && v != nil && v != "" {
		return "preview interface event"
	}
	return ""
}

type fieldsKey struct{}

// FieldsFromContext returns the values captured by a pattern such as
// "deployment/+action", or nil.
func FieldsFromContext(ctx context.Context) map[string]string {
	fields, _ := ctx.Value(fieldsKey{}).(map[string]string)
	return fields
}
