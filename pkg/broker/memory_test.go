package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversSynchronously(t *testing.T) {
	b := NewMemoryBroker()

	var got []byte
	_, err := b.Subscribe("fanout.broadcast", func(data []byte) {
		got = data
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "fanout.broadcast", []byte("hello")))
	assert.Equal(t, []byte("hello"), got, "handler runs before Publish returns")
}

func TestMemoryBrokerSubjectIsolation(t *testing.T) {
	b := NewMemoryBroker()

	calls := 0
	_, err := b.Subscribe("fanout.discovery", func([]byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "fanout.broadcast", []byte("x")))
	assert.Zero(t, calls)
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker()

	calls := 0
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("s", func([]byte) { calls++ })
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "s", nil))
	assert.Equal(t, 3, calls)
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	b := NewMemoryBroker()

	calls := 0
	sub, err := b.Subscribe("s", func([]byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "s", nil))
	assert.Zero(t, calls)
}

func TestMemoryBrokerRejectsEmptySubject(t *testing.T) {
	b := NewMemoryBroker()

	err := b.Publish(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrSubjectEmpty)

	_, err = b.Subscribe("", func([]byte) {})
	assert.ErrorIs(t, err, ErrSubjectEmpty)
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "s", nil)
	assert.ErrorIs(t, err, ErrBrokerClosed)

	_, err = b.Subscribe("s", func([]byte) {})
	assert.ErrorIs(t, err, ErrBrokerClosed)
}
