package channel_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/channel"
)

func TestTerminalClosesOnEnter(t *testing.T) {
	pr, pw := io.Pipe()
	var out bytes.Buffer
	h, err := channel.Terminal{Out: &out, In: pr}.Open(context.Background(), "https://pay.example/x")
	require.NoError(t, err)
	require.Contains(t, out.String(), "https://pay.example/x")
	require.False(t, h.Closed())

	_, err = pw.Write([]byte("\n"))
	require.NoError(t, err)
	require.Eventually(t, h.Closed, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Close())
	require.NotContains(t, out.String(), "Checkout window closed.")
}

func TestTerminalForceClose(t *testing.T) {
	var out bytes.Buffer
	h, err := channel.Terminal{Out: &out}.Open(context.Background(), "https://pay.example/x")
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.True(t, h.Closed())
	require.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Checkout window closed.")))
}

func TestTerminalBlocked(t *testing.T) {
	_, err := channel.Terminal{}.Open(context.Background(), "https://pay.example/x")
	require.ErrorIs(t, err, channel.ErrBlocked)

	_, err = channel.Terminal{Out: io.Discard}.Open(context.Background(), "javascript:alert(1)")
	require.ErrorIs(t, err, channel.ErrBlocked)
}
