package router

import (
	"context"
	"testing"

	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	name  string
	calls *[]string
}

func (r recorder) Handle(ctx context.Context, frame wire.Frame) {
	*r.calls = append(*r.calls, r.name+":"+frame.Type())
}

func frame(frameType string) wire.Frame {
	return wire.NewFrame(map[string]any{"type": frameType, "data": map[string]any{}})
}

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("exact beats pattern", func(t *testing.T) {
		var calls []string
		r := New(nil)
		r.Handle("deployment/#", recorder{"prefix", &calls})
		r.Handle("deployment.created", recorder{"exact", &calls})

		assert.True(t, r.Route(ctx, frame("deployment.created")))
		assert.True(t, r.Route(ctx, frame("deployment.deleted")))
		assert.Equal(t, []string{"exact:deployment.created", "prefix:deployment.deleted"}, calls)
	})

	t.Run("patterns in registration order", func(t *testing.T) {
		var calls []string
		r := New(nil)
		r.Handle("deployment/+", recorder{"first", &calls})
		r.Handle("deployment/#", recorder{"second", &calls})

		r.Route(ctx, frame("deployment.updated"))
		r.Route(ctx, frame("deployment.build.log"))
		assert.Equal(t, []string{"first:deployment.updated", "second:deployment.build.log"}, calls)
	})

	t.Run("fallback", func(t *testing.T) {
		var calls []string
		r := New(nil)
		r.Handle("deployment/#", recorder{"deployment", &calls})

		assert.False(t, r.Route(ctx, frame("message.created")))

		r.Fallback(recorder{"fallback", &calls})
		assert.True(t, r.Route(ctx, frame("message.created")))
		assert.True(t, r.Route(ctx, wire.NewFrame(nil)))
		assert.Equal(t, []string{"fallback:message.created", "fallback:"}, calls)
	})

	t.Run("named wildcards are extracted", func(t *testing.T) {
		var got map[string]string
		r := New(nil)
		r.HandleFunc("deployment/+action", func(ctx context.Context, frame wire.Frame) {
			got = FieldsFromContext(ctx)
		})

		r.Route(ctx, frame("deployment.updated"))
		assert.Equal(t, map[string]string{"action": "updated"}, got)
	})

	t.Run("ignored frames", func(t *testing.T) {
		var calls []string
		r := New(nil)
		r.Fallback(recorder{"fallback", &calls})

		metrics := wire.NewFrame(map[string]any{"type": "metrics", "entity": "ServiceMetrics"})
		preview := wire.NewFrame(map[string]any{"type": "build", "repo_name": "site"})

		assert.False(t, r.Route(ctx, metrics))
		assert.False(t, r.Route(ctx, preview))
		assert.Empty(t, calls)
	})
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "deployment/created", Topic("deployment.created"))
	assert.Equal(t, "ack", Topic("ack"))
}

func TestFieldsFromContextWithoutFields(t *testing.T) {
	assert.Nil(t, FieldsFromContext(context.Background()))
}
