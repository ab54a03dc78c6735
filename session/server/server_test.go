package server

import (
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/creds"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/wire"
)

type harness struct {
	h      *Handler
	client *transport.Conn
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.OpenServer(filepath.Join(t.TempDir(), "cat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	credStore, err := creds.Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { credStore.Close() })
	require.NoError(t, credStore.Add("alice", "hunter2"))

	h := &Handler{
		ServerRoot: t.TempDir(),
		TempRoot:   t.TempDir(),
		Catalog:    cat,
		Creds:      credStore,
		Log:        backuplog.NewDiscard(),
	}

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	hs := &harness{h: h, client: transport.Wrap(clientSide), done: make(chan error, 1)}
	go func() { hs.done <- h.Serve(transport.Wrap(serverSide)) }()
	return hs
}

func (hs *harness) auth(t *testing.T, user, password string) wire.ServerMessage {
	t.Helper()
	b, err := wire.EncodeClient(wire.ClientMessage{
		Version: wire.Version, Type: wire.MsgAuth, Username: user, Device: "0:1:2:3:4:5", Password: password,
	})
	require.NoError(t, err)
	require.NoError(t, hs.client.SendFrame(b))
	return hs.recv(t)
}

func (hs *harness) send(t *testing.T, m wire.ClientMessage) {
	t.Helper()
	b, err := wire.EncodeClient(m)
	require.NoError(t, err)
	require.NoError(t, hs.client.SendFrame(b))
}

func (hs *harness) recv(t *testing.T) wire.ServerMessage {
	t.Helper()
	frame, err := hs.client.RecvFrame()
	require.NoError(t, err)
	m, err := wire.DecodeServer(frame)
	require.NoError(t, err)
	return m
}

func TestServeRejectsBadCredentials(t *testing.T) {
	hs := newHarness(t)
	resp := hs.auth(t, "alice", "wrong")
	require.Equal(t, wire.MsgErr, resp.Type)
	require.Equal(t, wire.CodeAuth, resp.Code)

	select {
	case err := <-hs.done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after fatal auth")
	}
}

func TestServeFullUploadLifecycle(t *testing.T) {
	hs := newHarness(t)
	resp := hs.auth(t, "alice", "hunter2")
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeAuthenticated, resp.Code)

	content := []byte("hello")
	hash := sha256.Sum256(content)

	hs.send(t, wire.ClientMessage{Type: wire.MsgProb, Path: "notes/a.txt", Hash: hash})
	resp = hs.recv(t)
	require.Equal(t, wire.MsgSend, resp.Type)
	require.Equal(t, "notes/a.txt", resp.Path)

	hs.send(t, wire.ClientMessage{
		Type: wire.MsgStor, Path: "notes/a.txt", FileSize: uint64(len(content)),
		MTime: "2024/01/02-03:04:05", Hash: hash,
	})
	hs.send(t, wire.NewData(content, true))
	resp = hs.recv(t)
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeCreated, resp.Code)

	got, err := os.ReadFile(filepath.Join(hs.h.ServerRoot, "alice_0:1:2:3:4:5", "notes", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	e, ok, err := hs.h.Catalog.Get("alice", "0:1:2:3:4:5", "notes/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), e.Size)

	// Idempotent re-announce: PROB with the same hash should find it.
	hs.send(t, wire.ClientMessage{Type: wire.MsgProb, Path: "notes/a.txt", Hash: hash})
	resp = hs.recv(t)
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeFound, resp.Code)

	hs.send(t, wire.ClientMessage{Type: wire.MsgDel, Path: "notes/a.txt", Hash: hash})
	resp = hs.recv(t)
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeRemoved, resp.Code)

	_, ok, err = hs.h.Catalog.Get("alice", "0:1:2:3:4:5", "notes/a.txt")
	require.NoError(t, err)
	require.False(t, ok)

	// Delete again: not present.
	hs.send(t, wire.ClientMessage{Type: wire.MsgDel, Path: "notes/a.txt", Hash: hash})
	resp = hs.recv(t)
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeNotPresent, resp.Code)

	hs.send(t, wire.ClientMessage{Type: wire.MsgQuit})
	select {
	case err := <-hs.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after QUIT")
	}
}

func TestServeMkdThenRmdRemovesNestedCatalogRows(t *testing.T) {
	hs := newHarness(t)
	resp := hs.auth(t, "alice", "hunter2")
	require.Equal(t, wire.CodeAuthenticated, resp.Code)

	hs.send(t, wire.ClientMessage{Type: wire.MsgMkd, Path: "docs", MTime: "2024/01/02-03:04:05"})
	resp = hs.recv(t)
	require.Equal(t, wire.CodeCreated, resp.Code)

	content := []byte("nested")
	hash := sha256.Sum256(content)
	hs.send(t, wire.ClientMessage{Type: wire.MsgStor, Path: "docs/leaf.txt", FileSize: uint64(len(content)), MTime: "2024/01/02-03:04:05", Hash: hash})
	hs.send(t, wire.NewData(content, true))
	resp = hs.recv(t)
	require.Equal(t, wire.CodeCreated, resp.Code)

	hs.send(t, wire.ClientMessage{Type: wire.MsgDel, Path: "docs/leaf.txt", Hash: hash})
	resp = hs.recv(t)
	require.Equal(t, wire.CodeRemoved, resp.Code)

	hs.send(t, wire.ClientMessage{Type: wire.MsgRmd, Path: "docs"})
	resp = hs.recv(t)
	require.Equal(t, wire.MsgOK, resp.Type)
	require.Equal(t, wire.CodeRemoved, resp.Code)

	_, ok, err := hs.h.Catalog.Get("alice", "0:1:2:3:4:5", "docs")
	require.NoError(t, err)
	require.False(t, ok)
}
