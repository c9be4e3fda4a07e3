package pubsub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webitel/im-pulse/internal/domain/bus"
	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/errs"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T, opts ...bus.Option) *bus.Bus {
	t.Helper()
	b, err := bus.New(append([]bus.Option{bus.WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, b.Initialize())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func TestCodecRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	in := &model.Message{
		Topic:   "chat.message",
		Payload: model.Payload{"text": model.String("hi"), "n": model.Int(3)},
		Metadata: model.Metadata{
			ID:        "m-1",
			Priority:  model.PriorityHigh,
			Timestamp: ts,
		},
	}

	wm, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, "chat.message", wm.Metadata.Get(MetaTopic))
	assert.Equal(t, "high", wm.Metadata.Get(MetaPriority))

	out, err := Unmarshal("ignored", wm)
	require.NoError(t, err)
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, in.Metadata.ID, out.Metadata.ID)
	assert.Equal(t, in.Metadata.Priority, out.Metadata.Priority)
	assert.True(t, ts.Equal(out.Metadata.Timestamp))
	assert.True(t, in.Payload["text"].Equal(out.Payload["text"]))
	assert.True(t, in.Payload["n"].Equal(out.Payload["n"]))
}

func TestUnmarshalDefaults(t *testing.T) {
	wm := message.NewMessage(watermill.NewUUID(), nil)

	out, err := Unmarshal("fallback.topic", wm)
	require.NoError(t, err)
	assert.Equal(t, "fallback.topic", out.Topic)
	assert.Equal(t, model.PriorityNormal, out.Metadata.Priority)
	assert.Empty(t, out.Payload)

	wm.Metadata.Set(MetaPriority, "urgent")
	_, err = Unmarshal("t", wm)
	assert.Error(t, err)

	bad := message.NewMessage(watermill.NewUUID(), []byte("{"))
	_, err = Unmarshal("t", bad)
	assert.Error(t, err)
}

func TestBridgePublishesOntoBus(t *testing.T) {
	b := newTestBus(t)
	got := make(chan *model.Message, 1)
	_, err := b.Subscribe("orders.*", func(_ context.Context, m *model.Message) error {
		got <- m
		return nil
	})
	require.NoError(t, err)

	bridge := NewBridge(b)
	wm := message.NewMessage(watermill.NewUUID(), []byte(`{"sku":{"type":"string","value":"A-1"}}`))
	wm.Metadata.Set(MetaPriority, "critical")
	require.NoError(t, bridge.Publish("orders.created", wm))

	select {
	case m := <-got:
		assert.Equal(t, "orders.created", m.Topic)
		assert.Equal(t, model.PriorityCritical, m.Metadata.Priority)
		sku, _ := m.Payload["sku"].AsString()
		assert.Equal(t, "A-1", sku)
	case <-time.After(3 * time.Second):
		t.Fatal("bus never delivered the bridged message")
	}

	require.NoError(t, bridge.Close())
	assert.Error(t, bridge.Publish("orders.created", wm))
}

func TestBridgeSurfacesBusErrors(t *testing.T) {
	b, err := bus.New(bus.WithLogger(testLogger()))
	require.NoError(t, err)

	// Not initialized.
	err = NewBridge(b).Publish("x", message.NewMessage(watermill.NewUUID(), nil))
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
}

func TestForwarderRepublishes(t *testing.T) {
	b := newTestBus(t)
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ch.Close() })

	out, err := ch.Subscribe(context.Background(), "export.chat.message")
	require.NoError(t, err)

	d := NewEventDispatcher(ch, func(topic string) string { return "export." + topic })
	fwd := NewForwarder(b, d, "chat.#", testLogger())
	require.NoError(t, fwd.Start())

	_, err = b.Publish(context.Background(), "chat.message", model.Payload{"text": model.String("hello")})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), "billing.paid", nil)
	require.NoError(t, err)

	select {
	case wm := <-out:
		wm.Ack()
		m, err := Unmarshal("", wm)
		require.NoError(t, err)
		assert.Equal(t, "chat.message", m.Topic)
		text, _ := m.Payload["text"].AsString()
		assert.Equal(t, "hello", text)
	case <-time.After(3 * time.Second):
		t.Fatal("nothing forwarded")
	}

	require.NoError(t, fwd.Stop())
	require.NoError(t, fwd.Stop())
	assert.Equal(t, ch, d.Publisher())
}
