package client

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
	"github.com/pdsbackup/pdsbackup/queue"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/watch"
	"github.com/pdsbackup/pdsbackup/wire"
)

func newTestEngine(t *testing.T, window int) (*Engine, *transport.Conn) {
	t.Helper()
	local, err := catalog.OpenLocal(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	e := New(Config{Window: window, RErr: 2}, local, queue.New[watch.Event](16), backuplog.NewDiscard())
	e.conn = transport.Wrap(a)
	e.state = Active
	return e, transport.Wrap(b)
}

// drainFrames reads n frames off conn in the background and returns a
// channel of their decoded client messages.
func drainFrames(conn *transport.Conn, n int) <-chan wire.ClientMessage {
	out := make(chan wire.ClientMessage, n)
	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			frame, err := conn.RecvFrame()
			if err != nil {
				return
			}
			m, err := wire.DecodeClient(frame)
			if err != nil {
				return
			}
			out <- m
		}
	}()
	return out
}

func fileEvent(rel string, status watch.Status) watch.Event {
	return watch.Event{
		Entry: fsentry.Entry{RelativePath: rel, Kind: fsentry.File, MTime: time.Unix(0, 0).UTC()},
		Status: status,
	}
}

func dirEvent(rel string, status watch.Status) watch.Event {
	return watch.Event{
		Entry: fsentry.Entry{RelativePath: rel, Kind: fsentry.Directory, MTime: time.Unix(0, 0).UTC()},
		Status: status,
	}
}

func TestInitialStateMapsEventToPendingState(t *testing.T) {
	require.Equal(t, probeSent, initialState(fileEvent("a", watch.Created)))
	require.Equal(t, probeSent, initialState(fileEvent("a", watch.Modified)))
	require.Equal(t, deleteSent, initialState(fileEvent("a", watch.Deleted)))
	require.Equal(t, mkdirSent, initialState(dirEvent("d", watch.Created)))
	require.Equal(t, rmdirSent, initialState(dirEvent("d", watch.Deleted)))
}

func TestPumpEventsRespectsWindowCapacity(t *testing.T) {
	e, peer := newTestEngine(t, 1)
	frames := drainFrames(peer, 1)

	e.Events().TryPush(dirEvent("a", watch.Created))
	e.Events().TryPush(dirEvent("b", watch.Created))

	e.pumpEvents()

	require.Equal(t, 1, e.window.Len())
	require.Equal(t, 1, e.events.Len())

	select {
	case m := <-frames:
		require.Equal(t, wire.MsgMkd, m.Type)
		require.Equal(t, "a", m.Path)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MKD frame")
	}
}

func TestApplyOKInsertsOnCreateAndRemovesOnDelete(t *testing.T) {
	e, _ := newTestEngine(t, 4)

	created := &pendingReq{ev: dirEvent("a/b", watch.Created), state: mkdirSent}
	require.NoError(t, e.applyOK(created))
	_, ok, err := e.local.Get("a/b")
	require.NoError(t, err)
	require.True(t, ok)

	deleted := &pendingReq{ev: dirEvent("a/b", watch.Deleted), state: rmdirSent}
	require.NoError(t, e.applyOK(deleted))
	_, ok, err = e.local.Get("a/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleResponseSendStreamsStagedFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("hello world"), 0o644))
	ent, err := fsentry.Scan(root, filepath.Join(root, "f.txt"))
	require.NoError(t, err)

	e, peer := newTestEngine(t, 4)
	e.cfg.WatchRoot = root
	frames := drainFrames(peer, 2)

	e.window.TryPush(&pendingReq{ev: watch.Event{Entry: ent, Status: watch.Created}, state: probeSent})

	require.NoError(t, e.handleResponse(wire.ServerMessage{Type: wire.MsgSend, Path: ent.RelativePath, Hash: ent.ContentHash}))

	stor := <-frames
	require.Equal(t, wire.MsgStor, stor.Type)
	require.Equal(t, ent.RelativePath, stor.Path)
	require.Equal(t, ent.ContentHash, fsentry.Hash(stor.Hash))

	data := <-frames
	require.Equal(t, wire.MsgData, data.Type)
	require.Equal(t, "hello world", string(data.Data))
	require.True(t, data.Last)

	require.Equal(t, 1, e.window.Len())
}

func TestSendStoreAbandonsUploadWhenFileChangedSinceDetection(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("original"), 0o644))
	stale, err := fsentry.Scan(root, filepath.Join(root, "f.txt"))
	require.NoError(t, err)

	// Mutate the file after the event was captured but before the store
	// actually sends.
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("changed"), 0o644))

	e, _ := newTestEngine(t, 4)
	e.cfg.WatchRoot = root

	p := &pendingReq{ev: watch.Event{Entry: stale, Status: watch.Modified}, state: storeHeaderSent}
	e.window.TryPush(p)

	require.NoError(t, e.sendStore(p))
	require.Equal(t, 0, e.window.Len())
}

func TestRewindReemitsPendingRequestsInFIFOOrder(t *testing.T) {
	e, peer := newTestEngine(t, 4)
	frames := drainFrames(peer, 2)

	e.window.TryPush(&pendingReq{ev: dirEvent("a", watch.Created), state: mkdirSent})
	e.window.TryPush(&pendingReq{ev: dirEvent("b", watch.Deleted), state: rmdirSent})

	require.NoError(t, e.rewind())
	require.Equal(t, 2, e.window.Len())

	first := <-frames
	require.Equal(t, wire.MsgMkd, first.Type)
	require.Equal(t, "a", first.Path)

	second := <-frames
	require.Equal(t, wire.MsgRmd, second.Type)
	require.Equal(t, "b", second.Path)
}

func TestHandleRecoverableFailsFatalAfterExhaustingRetries(t *testing.T) {
	e, peer := newTestEngine(t, 4)
	go func() {
		for {
			if _, err := peer.RecvFrame(); err != nil {
				return
			}
		}
	}()

	e.window.TryPush(&pendingReq{ev: dirEvent("a", watch.Created), state: mkdirSent})

	require.NoError(t, e.handleRecoverable(wire.CodeNotADirectory))
	require.NoError(t, e.handleRecoverable(wire.CodeNotADirectory))
	err := e.handleRecoverable(wire.CodeNotADirectory)
	require.Error(t, err)
}
