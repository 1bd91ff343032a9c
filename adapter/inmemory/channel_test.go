package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch := NewChannel("c")
	assert.False(t, ch.Closed())
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.True(t, ch.Closed())
}

func TestDialer_CompleteResolvesOldestPendingFIFO(t *testing.T) {
	d := NewDialer()

	// Start the Dials one after the other so the registration order is
	// known: the first Complete must go to the first Dial.
	firstResult := make(chan error, 1)
	secondResult := make(chan error, 1)
	go func() { _, err := d.Dial(context.Background()); firstResult <- err }()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, time.Millisecond)
	go func() { _, err := d.Dial(context.Background()); secondResult <- err }()
	require.Eventually(t, func() bool { return d.PendingCount() == 2 }, time.Second, time.Millisecond)

	first := NewChannel("first")
	require.True(t, d.Complete(first, nil))
	require.True(t, d.Complete(nil, errors.New("second failed")))

	assert.NoError(t, <-firstResult)
	assert.Error(t, <-secondResult)
}

func TestDialer_CompleteWithNoPendingReturnsFalse(t *testing.T) {
	d := NewDialer()
	assert.False(t, d.Complete(NewChannel("x"), nil))
}

func TestDialer_DialRespectsContextCancellation(t *testing.T) {
	d := NewDialer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAlwaysSucceed(t *testing.T) {
	supplier := AlwaysSucceed("always")
	ch, err := supplier(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ch)
}

func TestAlwaysFail(t *testing.T) {
	boom := errors.New("boom")
	supplier := AlwaysFail(boom)
	ch, err := supplier(context.Background())
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, boom)
}
