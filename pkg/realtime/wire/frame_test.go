package wire

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(s string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(s)))
}

func TestDecodeFrame(t *testing.T) {
	t.Run("ack frame", func(t *testing.T) {
		frame, err := DecodeFrame(b64(`{"type":"ack"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeAck, frame.Type())
		assert.JSONEq(t, `{"type":"ack"}`, string(frame.Raw()))
	})

	t.Run("deployment frame exposes data", func(t *testing.T) {
		frame, err := DecodeFrame(b64(`{"type":"deployment.created","data":{"id":"d1","interface_id":"i1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "deployment.created", frame.Type())

		data, ok := frame.Data()
		require.True(t, ok)
		assert.Equal(t, "d1", data["id"])
		assert.Equal(t, "i1", data["interface_id"])
	})

	t.Run("surrounding whitespace is ignored", func(t *testing.T) {
		payload := append([]byte("  "), b64(`{"type":"x"}`)...)
		payload = append(payload, '\n')

		frame, err := DecodeFrame(payload)
		require.NoError(t, err)
		assert.Equal(t, "x", frame.Type())
	})

	t.Run("unpadded base64 is accepted", func(t *testing.T) {
		payload := []byte(base64.RawStdEncoding.EncodeToString([]byte(`{"type":"ab"}`)))

		frame, err := DecodeFrame(payload)
		require.NoError(t, err)
		assert.Equal(t, "ab", frame.Type())
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := DecodeFrame([]byte("   "))
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("plain JSON is not valid base64", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"ack"}`))
		assert.ErrorIs(t, err, ErrInvalidBase64)
	})

	t.Run("base64 of non JSON text", func(t *testing.T) {
		_, err := DecodeFrame(b64("hello there"))
		assert.ErrorIs(t, err, ErrInvalidJSON)
	})

	t.Run("JSON array is rejected", func(t *testing.T) {
		_, err := DecodeFrame(b64(`[1,2,3]`))
		assert.ErrorIs(t, err, ErrNotObject)
	})

	t.Run("missing type yields empty string", func(t *testing.T) {
		frame, err := DecodeFrame(b64(`{"data":{}}`))
		require.NoError(t, err)
		assert.Equal(t, "", frame.Type())
	})
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	encoded, err := EncodeFrame(map[string]any{"type": "deployment.deleted", "data": map[string]any{"ids": []string{"d1"}}})
	require.NoError(t, err)

	frame, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, "deployment.deleted", frame.Type())

	out, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"deployment.deleted","data":{"ids":["d1"]}}`, string(out))
}

func TestNewFrame(t *testing.T) {
	frame := NewFrame(nil)
	assert.Equal(t, "", frame.Type())
	assert.NotNil(t, frame.Fields())

	frame = NewFrame(map[string]any{"type": "room.updated", "repo_name": "x"})
	assert.Equal(t, "room.updated", frame.Type())
	assert.Equal(t, "x", frame.String("repo_name"))

	_, ok := frame.Data()
	assert.False(t, ok)

	out, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"room.updated","repo_name":"x"}`, string(out))
}

func TestOutboundFrames(t *testing.T) {
	t.Run("authenticate", func(t *testing.T) {
		out, err := json.Marshal(NewAuthenticate("tok"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"authenticate","token":"tok"}`, string(out))
	})

	t.Run("subscription defaults to live subscribe", func(t *testing.T) {
		out, err := json.Marshal(NewSubscription("", "", "account:1"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"subscription","subscription":{"type":"l","mode":"s","elements":["account:1"]}}`, string(out))
	})

	t.Run("unsubscribe pattern", func(t *testing.T) {
		out, err := json.Marshal(NewSubscription(KindPattern, ModeUnsubscribe, "metrics:*"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"subscription","subscription":{"type":"p","mode":"u","elements":["metrics:*"]}}`, string(out))
	})

	t.Run("subscription copies channel slice", func(t *testing.T) {
		channels := []string{"a", "b"}
		frame := NewSubscription(KindLive, ModeSubscribe, channels...)
		channels[0] = "changed"
		assert.Equal(t, []string{"a", "b"}, frame.Subscription.Elements)
	})

	t.Run("command", func(t *testing.T) {
		out, err := json.Marshal(NewCommand("typing", map[string]any{"room": "r1"}))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"command","command":"typing","payload":{"room":"r1"}}`, string(out))
	})
}
