package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/altan/realtime/pkg/realtime/clock"
	"github.com/altan/realtime/pkg/realtime/o11y"
	"github.com/altan/realtime/pkg/realtime/wire"
	"go.uber.org/zap"
)

// DefaultCompletionDelay lets consumers observe the stored update before the
// completion notice arrives.
const DefaultCompletionDelay = 100 * time.Millisecond

// registry maps event types to their operations. New deployment event kinds
// are added here.
var registry = map[string]func(h *Handler, ctx context.Context, ev Event) error{
	TypeCreated: func(h *Handler, ctx context.Context, ev Event) error {
		return h.OnCreated(ctx, ev.(Created))
	},
	TypeUpdated: func(h *Handler, ctx context.Context, ev Event) error {
		return h.OnUpdated(ctx, ev.(Updated))
	},
	TypeDeleted: func(h *Handler, ctx context.Context, ev Event) error {
		return h.OnDeleted(ctx, ev.(Deleted))
	},
}

// Handler applies deployment events to a Store.
type Handler struct {
	logger          *zap.Logger
	store           Store
	notifier        Notifier
	clock           clock.Clock
	completionDelay time.Duration
	tracing         o11y.TracingProvider
}

// HandlerBuilder provides a fluent interface for building a Handler.
type HandlerBuilder struct {
	logger          *zap.Logger
	store           Store
	notifier        Notifier
	clock           clock.Clock
	completionDelay time.Duration
	tracing         o11y.TracingProvider
}

// NewHandler creates a new Handler builder.
func NewHandler() *HandlerBuilder {
	return &HandlerBuilder{
		logger:          zap.NewNop(),
		clock:           clock.Real(),
		completionDelay: DefaultCompletionDelay,
	}
}

func (b *HandlerBuilder) WithStore(store Store) *HandlerBuilder {
	b.store = store
	return b
}

// WithNotifier sets where completion notices go. The default logs them.
func (b *HandlerBuilder) WithNotifier(notifier Notifier) *HandlerBuilder {
	b.notifier = notifier
	return b
}

func (b *HandlerBuilder) WithLogger(logger *zap.Logger) *HandlerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *HandlerBuilder) WithClock(c clock.Clock) *HandlerBuilder {
	if c != nil {
		b.clock = c
	}
	return b
}

func (b *HandlerBuilder) WithCompletionDelay(delay time.Duration) *HandlerBuilder {
	if delay >= 0 {
		b.completionDelay = delay
	}
	return b
}

func (b *HandlerBuilder) WithTracing(provider o11y.TracingProvider) *HandlerBuilder {
	b.tracing = provider
	return b
}

// Build creates the Handler.
func (b *HandlerBuilder) Build() (*Handler, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = NewLogNotifier(b.logger)
	}

	return &Handler{
		logger:          b.logger,
		store:           b.store,
		notifier:        notifier,
		clock:           b.clock,
		completionDelay: b.completionDelay,
		tracing:         b.tracing,
	}, nil
}

// Handle implements router.Handler.
func (h *Handler) Handle(ctx context.Context, frame wire.Frame) {
	h.Route(ctx, frame)
}

// Route validates frame and applies it. Malformed and unknown events are
// logged and dropped; nothing is returned to the caller.
func (h *Handler) Route(ctx context.Context, frame wire.Frame) {
	ctx, span := o11y.StartSpan(ctx, h.tracing, "deployment.route")
	defer span.End()

	ev, err := ParseEvent(frame)
	if err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		h.logger.Warn("Invalid deployment event", zap.Error(err))
		return
	}
	span.SetAttributes(o11y.Label{Key: "type", Value: ev.Type()})

	op, ok := registry[ev.Type()]
	if !ok {
		h.logger.Warn("Unknown deployment event type", zap.String("type", ev.Type()))
		return
	}

	if err := op(h, ctx, ev); err != nil {
		span.SetStatus(o11y.SpanStatusError, err.Error())
		h.logger.Error("Failed to apply deployment event",
			zap.String("type", ev.Type()),
			zap.Error(err),
		)
		return
	}
	span.SetStatus(o11y.SpanStatusOK, "")
}

// OnCreated stores a new deployment under its interface.
func (h *Handler) OnCreated(ctx context.Context, ev Created) error {
	h.logger.Debug("Deployment created",
		zap.String("id", ev.Patch.ID),
		zap.String("interfaceId", ev.Patch.InterfaceID),
	)
	return h.store.Add(ctx, ev.Patch)
}

// OnUpdated merges the update into the stored deployment. Without an
// interface id every interface is searched. When the resulting deployment is
// COMPLETED a completion notice follows after the completion delay.
func (h *Handler) OnUpdated(ctx context.Context, ev Updated) error {
	p := ev.Patch

	if p.SearchAllInterfaces() {
		found, err := h.store.UpdateAnywhere(ctx, p)
		if err != nil {
			return err
		}
		if !found {
			h.logger.Warn("Updated deployment not found in any interface", zap.String("id", p.ID))
		}
	} else if err := h.store.Update(ctx, p); err != nil {
		return err
	}

	if d := h.resulting(ctx, p); d.Status == StatusCompleted {
		h.scheduleCompletion(ctx, d)
	}
	return nil
}

// OnDeleted removes the deployment.
func (h *Handler) OnDeleted(ctx context.Context, ev Deleted) error {
	found, err := h.store.Delete(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !found {
		h.logger.Debug("Deleted deployment was not stored", zap.String("id", ev.ID))
	}
	return nil
}

// resulting returns the stored deployment after p was applied, or the
// deployment described by p alone when the store does not have it.
func (h *Handler) resulting(ctx context.Context, p Patch) Deployment {
	d, ok, err := h.store.Get(ctx, p.ID)
	if err != nil {
		h.logger.Debug("Falling back to event payload for deployment status", zap.Error(err))
	}
	if err == nil && ok {
		return d
	}

	d, err = Decode(p.Fields)
	if err != nil {
		return Deployment{ID: p.ID, InterfaceID: p.InterfaceID, Status: p.Status()}
	}
	return d
}

func (h *Handler) scheduleCompletion(ctx context.Context, d Deployment) {
	notifyCtx := context.WithoutCancel(ctx)
	h.clock.AfterFunc(h.completionDelay, func() {
		h.notifier.DeploymentCompleted(notifyCtx, d)
	})
}

// LogNotifier reports completions through a logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DeploymentCompleted(ctx context.Context, d Deployment) {
	n.logger.Info("Deployment completed",
		zap.String("id", d.ID),
		zap.String("interfaceId", d.InterfaceID),
		zap.String("url", d.URL),
	)
}
