package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	require.Equal(t, `0:0:0:0:0:0`, NormalizeMACString(`:::::`))
	require.Equal(t, `0:1:2:3:4:5`, NormalizeMACString(`00:01:02:03:04:05`))
	require.Equal(t, `a:3:ff:0:0:1`, NormalizeMACString(`0a:03:ff:00:00:01`))
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca, cb := Wrap(a), Wrap(b)

	done := make(chan error, 1)
	go func() {
		done <- ca.SendFrame([]byte(`hello`))
	}()

	got, err := cb.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, []byte(`hello`), got)
	require.NoError(t, <-done)
}

func TestFrameEmptyPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ca, cb := Wrap(a), Wrap(b)

	done := make(chan error, 1)
	go func() { done <- ca.SendFrame(nil) }()
	got, err := cb.RecvFrame()
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, <-done)
}

func TestRecvFrameClosedConnection(t *testing.T) {
	a, b := net.Pipe()
	ca := Wrap(a)
	cb := Wrap(b)
	require.NoError(t, ca.Close())

	_, err := cb.RecvFrame()
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, Closed, terr.Kind)
}
