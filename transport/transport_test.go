package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldsign-io/coldsign/hwi"
	"github.com/coldsign-io/coldsign/transport"
	"github.com/coldsign-io/coldsign/transport/transporttest"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	host, device := transporttest.Pipe()
	tr := transport.Open(host)
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, []byte("ping")))

	frame, err := device.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), frame)

	require.NoError(t, device.WriteFrame([]byte("pong")))
	frame, err = tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), frame)
}

func TestReceiveHonorsCancellation(t *testing.T) {
	host, device := transporttest.Pipe()
	tr := transport.Open(host)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The response that arrives after the caller gave up stays queued; it
	// must not surface as the next command's answer.
	require.NoError(t, device.WriteFrame([]byte("stale")))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, tr.Drain())
	assert.Equal(t, 0, tr.Drain())
}

func TestReceiveAfterPeerClose(t *testing.T) {
	host, device := transporttest.Pipe()
	tr := transport.Open(host)
	defer tr.Close()

	// A frame queued before the close still gets delivered.
	require.NoError(t, device.WriteFrame([]byte("last words")))
	device.Close()

	frame, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), frame)

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, hwi.ErrDisconnected)
}

func TestSendAfterPeerClose(t *testing.T) {
	host, device := transporttest.Pipe()
	tr := transport.Open(host)
	defer tr.Close()

	device.Close()
	err := tr.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, hwi.ErrDisconnected)
}

func TestCloseUnblocksReceive(t *testing.T) {
	host, _ := transporttest.Pipe()
	tr := transport.Open(host)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, hwi.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Receive still blocked after Close")
	}
}

func TestFrameSize(t *testing.T) {
	host, _ := transporttest.Pipe()
	tr := transport.Open(host)
	defer tr.Close()

	assert.Equal(t, 0, tr.FrameSize(), "pipe is a stream medium")
}
