package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientRoundTrip(t *testing.T) {
	cases := []ClientMessage{
		{Version: Version, Type: MsgAuth, Username: `alice`, Device: `0:1:2:3:4:5`, Password: `hunter2`},
		{Version: Version, Type: MsgProb, Path: `notes/a.txt`, Hash: [32]byte{1, 2, 3}},
		{Version: Version, Type: MsgStor, Path: `notes/a.txt`, FileSize: 5, MTime: `2024/01/02-03:04:05`, Hash: [32]byte{9}},
		{Version: Version, Type: MsgData, Data: []byte(`hello`), Last: true},
		{Version: Version, Type: MsgData, Data: nil, Last: true},
		{Version: Version, Type: MsgDel, Path: `notes/a.txt`, Hash: [32]byte{1}},
		{Version: Version, Type: MsgMkd, Path: `docs`, MTime: `2024/01/02-03:04:05`},
		{Version: Version, Type: MsgRmd, Path: `docs`},
		{Version: Version, Type: MsgRetr, Device: `0:1:2:3:4:5`, All: true},
		{Version: Version, Type: MsgQuit},
		{Version: Version, Type: MsgProb, Path: `emb édded spaces/日本語.txt`, Hash: [32]byte{7}},
	}
	for _, c := range cases {
		b, err := EncodeClient(c)
		require.NoError(t, err)
		got, err := DecodeClient(b)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestServerRoundTrip(t *testing.T) {
	cases := []ServerMessage{
		{Version: Version, Type: MsgOK, Code: CodeFound},
		{Version: Version, Type: MsgErr, Code: CodeStoreMismatch},
		{Version: Version, Type: MsgSend, Path: `notes/a.txt`, Hash: [32]byte{5}},
		{Version: Version, Type: MsgVer, NewVersion: 2},
	}
	for _, c := range cases {
		b, err := EncodeServer(c)
		require.NoError(t, err)
		got, err := DecodeServer(b)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestDecodeClientTruncated(t *testing.T) {
	b, err := EncodeClient(ClientMessage{Version: Version, Type: MsgStor, Path: `x`, FileSize: 1, MTime: `2024/01/02-03:04:05`})
	require.NoError(t, err)
	_, err = DecodeClient(b[:len(b)-5])
	require.Error(t, err)
}

func TestCodeRecoverable(t *testing.T) {
	require.True(t, CodeStoreMismatch.Recoverable())
	require.True(t, CodeNotADirectory.Recoverable())
	require.False(t, CodeAuth.Recoverable())
	require.False(t, CodeInternal.Recoverable())
}
