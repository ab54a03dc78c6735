package retrieve

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/wire"
)

func pipe(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return transport.Wrap(a), transport.Wrap(b)
}

func TestServeAndReceiveRetrievalRoundTripsTree(t *testing.T) {
	serverRoot := t.TempDir()
	destRoot := t.TempDir()

	base := filepath.Join(serverRoot, "alice_0:1:2:3:4:5")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "docs", "a.txt"), []byte("hello retrieval"), 0o644))

	dirEntry, err := fsentry.Scan(base, filepath.Join(base, "docs"))
	require.NoError(t, err)
	fileEntry, err := fsentry.Scan(base, filepath.Join(base, "docs", "a.txt"))
	require.NoError(t, err)

	cat, err := catalog.OpenServer(filepath.Join(t.TempDir(), "cat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.Insert("alice", "0:1:2:3:4:5", dirEntry))
	require.NoError(t, cat.Insert("alice", "0:1:2:3:4:5", fileEntry))

	serverConn, clientConn := pipe(t)

	done := make(chan error, 1)
	go func() {
		done <- ServeRetrieval(serverConn, cat, serverRoot, "alice", "0:1:2:3:4:5", false)
	}()

	require.NoError(t, ReceiveRetrieval(clientConn, destRoot))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ServeRetrieval to finish")
	}

	got, err := os.ReadFile(filepath.Join(destRoot, "docs", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello retrieval", string(got))

	fi, err := os.Stat(filepath.Join(destRoot, "docs"))
	require.NoError(t, err)
	require.True(t, fi.IsDir())
}

func TestReceiveRetrievalRejectsMismatchedFile(t *testing.T) {
	destRoot := t.TempDir()
	serverConn, clientConn := pipe(t)

	go func() {
		send(serverConn, wire.ClientMessage{
			Type: wire.MsgStor, Path: "bad.txt", FileSize: 999, MTime: fsentry.Entry{}.MTimeString(),
			Hash: [32]byte{1, 2, 3},
		})
		send(serverConn, wire.NewData([]byte("short"), true))
		send(serverConn, wire.ClientMessage{Type: wire.MsgQuit})
	}()

	err := ReceiveRetrieval(clientConn, destRoot)
	require.ErrorIs(t, err, errRetrieveMismatch)

	_, statErr := os.Stat(filepath.Join(destRoot, "bad.txt"))
	require.True(t, os.IsNotExist(statErr))
}
