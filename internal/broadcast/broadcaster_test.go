package broadcast

import (
	"context"
	"encoding/json"
	"testing"

	"order_engine/internal/core"
	"order_engine/internal/store"
	"order_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewBroadcaster(st, logging.NewNop()), st
}

func TestAttachAndSend(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	ctx := context.Background()

	link, err := b.Attach(ctx, "order-1")
	require.NoError(t, err)
	require.NotEmpty(t, link.ID)

	b.Send(link.ID, StatusEvent(core.StatusPending, nil))

	ev := <-link.Events()
	assert.Equal(t, TypeStatus, ev.Type)
	assert.Equal(t, string(core.StatusPending), ev.Status)
}

func TestAttachSupersedesPriorLink(t *testing.T) {
	b, st := newTestBroadcaster(t)
	ctx := context.Background()

	first, err := b.Attach(ctx, "order-1")
	require.NoError(t, err)
	second, err := b.Attach(ctx, "order-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// First channel is closed.
	_, open := <-first.Events()
	assert.False(t, open)

	// Only the second link is active, in memory and in the store.
	id, ok := b.ActiveChannel("order-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, id)

	rec, err := st.GetActiveLink(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, rec.ID)
}

func TestSendToUnknownChannelIsNoOp(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	// Must not panic or block.
	b.Send("missing", StatusEvent(core.StatusPending, nil))
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	link, err := b.Attach(context.Background(), "order-1")
	require.NoError(t, err)

	// Fill the buffer without reading; extra sends drop silently.
	for i := 0; i < 200; i++ {
		b.Send(link.ID, StatusEvent(core.StatusPending, nil))
	}

	n := 0
	for {
		select {
		case <-link.Events():
			n++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 64, n)
}

func TestDetachIdempotent(t *testing.T) {
	b, st := newTestBroadcaster(t)
	ctx := context.Background()

	link, err := b.Attach(ctx, "order-1")
	require.NoError(t, err)

	b.Detach(ctx, link.ID)
	b.Detach(ctx, link.ID)
	b.Detach(ctx, "never-existed")

	_, open := <-link.Events()
	assert.False(t, open)

	_, ok := b.ActiveChannel("order-1")
	assert.False(t, ok)

	rec, err := st.GetActiveLink(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Send after detach is a silent no-op.
	b.Send(link.ID, StatusEvent(core.StatusPending, nil))
}

func TestShutdownClosesAllLinks(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	ctx := context.Background()

	l1, err := b.Attach(ctx, "order-1")
	require.NoError(t, err)
	l2, err := b.Attach(ctx, "order-2")
	require.NoError(t, err)

	b.Shutdown(ctx)

	_, open := <-l1.Events()
	assert.False(t, open)
	_, open = <-l2.Events()
	assert.False(t, open)
}

func TestEventMarshalFlattensFields(t *testing.T) {
	ev := StatusEvent(core.StatusConfirmed, map[string]interface{}{
		"tx_ref": "0xabc",
		"source": "Raydium",
	})

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "status", m["type"])
	assert.Equal(t, "confirmed", m["status"])
	assert.Equal(t, "0xabc", m["tx_ref"])
	assert.Equal(t, "Raydium", m["source"])
	assert.Contains(t, m, "timestamp")
}
