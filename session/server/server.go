// Package server implements the server session engine (C9): per-connection
// authentication, request dispatch, staged file commit and catalog
// replay, per spec §4.8.
package server

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/creds"
	"github.com/pdsbackup/pdsbackup/fsentry"
	"github.com/pdsbackup/pdsbackup/retrieve"
	sess "github.com/pdsbackup/pdsbackup/session"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/wire"
)

// Handler holds the resources shared by every connection the server
// accepts: one per listening process, handed to every worker.
type Handler struct {
	ServerRoot string
	TempRoot   string
	Catalog    *catalog.Server
	Creds      *creds.Store
	Log        *backuplog.Logger
}

// session is the per-connection state: one goroutine, one socket, one
// (user, device)'s worth of catalog rows mirrored into elements.
type session struct {
	h      *Handler
	conn   *transport.Conn
	user   string
	device string
	base   string
	corrID string
	rate   *sess.RateCounter

	elements map[string]fsentry.Entry
}

// dispatch is the static tag -> handler table the design notes call for,
// in place of a deep switch buried in one function.
var dispatch map[wire.ClientType]func(*session, wire.ClientMessage) error

func init() {
	dispatch = map[wire.ClientType]func(*session, wire.ClientMessage) error{
		wire.MsgProb: (*session).handleProb,
		wire.MsgStor: (*session).handleStor,
		wire.MsgDel:  (*session).handleDel,
		wire.MsgMkd:  (*session).handleMkd,
		wire.MsgRmd:  (*session).handleRmd,
		wire.MsgRetr: (*session).handleRetr,
	}
}

// Serve runs one accepted connection to completion: AUTH, then dispatch
// until QUIT, disconnect, or a fatal error.
func (h *Handler) Serve(conn *transport.Conn) error {
	defer conn.Close()
	corrID := uuid.NewString()

	frame, err := conn.RecvFrame()
	if err != nil {
		return sess.New(sess.TransientConnection, err)
	}
	m, err := wire.DecodeClient(frame)
	if err != nil || m.Type != wire.MsgAuth {
		h.Log.Errorf(`session`, "%s: expected AUTH, got protocol violation", corrID)
		return sess.Fatal(sess.FatalAuth, "expected AUTH as first message")
	}

	if m.Version != wire.Version {
		sendServer(conn, wire.ServerMessage{Version: wire.Version, Type: wire.MsgVer, NewVersion: wire.Version})
		return sess.Fatal(sess.FatalAuth, "protocol version mismatch: peer=%d local=%d", m.Version, wire.Version)
	}

	ok, err := h.Creds.Verify(m.Username, m.Password)
	if err != nil {
		sendServer(conn, errMsg(wire.CodeInternal))
		return sess.New(sess.Internal, err)
	}
	if !ok {
		sendServer(conn, errMsg(wire.CodeAuth))
		return sess.Fatal(sess.FatalAuth, "bad credentials for user %q", m.Username)
	}

	device := m.Device
	s := &session{
		h:        h,
		conn:     conn,
		user:     m.Username,
		device:   device,
		base:     filepath.Join(h.ServerRoot, m.Username+`_`+device),
		corrID:   corrID,
		rate:     sess.NewRateCounter(30 * time.Second),
		elements: map[string]fsentry.Entry{},
	}
	defer func() {
		h.Log.Infof(`session`, "%s: closed, recv throughput %s, %d bytes total",
			corrID, sess.FormatRate(s.rate.BytesPerSecond()), s.rate.TotalBytes())
	}()
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		sendServer(conn, errMsg(wire.CodeInternal))
		return sess.New(sess.FatalConfig, err)
	}
	if err := h.Catalog.ForEachDevice(s.user, s.device, func(e fsentry.Entry) error {
		s.elements[e.RelativePath] = e
		return nil
	}); err != nil {
		sendServer(conn, errMsg(wire.CodeInternal))
		return sess.New(sess.Internal, err)
	}

	if err := sendServer(conn, wire.ServerMessage{Version: wire.Version, Type: wire.MsgOK, Code: wire.CodeAuthenticated}); err != nil {
		return sess.New(sess.TransientConnection, err)
	}
	h.Log.Infof(`session`, "%s: authenticated user=%s device=%s", corrID, s.user, s.device)

	for {
		frame, err := conn.RecvFrame()
		if err != nil {
			var te *transport.Error
			if errors.As(err, &te) && te.Kind == transport.Closed {
				return nil
			}
			return sess.New(sess.TransientConnection, err)
		}
		cm, err := wire.DecodeClient(frame)
		if err != nil {
			h.Log.Warnf(`session`, "%s: skipping malformed client message: %v", corrID, err)
			continue
		}
		if cm.Type == wire.MsgQuit {
			return nil
		}
		fn, known := dispatch[cm.Type]
		if !known {
			sendServer(conn, errMsg(wire.CodeUnexpected))
			continue
		}
		if err := fn(s, cm); err != nil {
			var se *sess.Error
			if errors.As(err, &se) {
				switch se.Kind {
				case sess.FatalAuth:
					return err
				case sess.RecoverableMutation, sess.Skippable:
					h.Log.Warnf(`session`, "%s: recoverable handler error: %v", corrID, err)
					continue
				}
			}
			h.Log.Errorf(`session`, "%s: handler error: %v", corrID, err)
			sendServer(conn, errMsg(wire.CodeInternal))
			return sess.New(sess.Internal, err)
		}
	}
}

func sendServer(conn *transport.Conn, m wire.ServerMessage) error {
	m.Version = wire.Version
	b, err := wire.EncodeServer(m)
	if err != nil {
		return err
	}
	return conn.SendFrame(b)
}

func errMsg(code wire.Code) wire.ServerMessage {
	return wire.ServerMessage{Version: wire.Version, Type: wire.MsgErr, Code: code}
}

func okMsg(code wire.Code) wire.ServerMessage {
	return wire.ServerMessage{Version: wire.Version, Type: wire.MsgOK, Code: code}
}

func (s *session) handleProb(m wire.ClientMessage) error {
	e, present := s.elements[m.Path]
	switch {
	case !present:
		return sendServer(s.conn, wire.ServerMessage{Version: wire.Version, Type: wire.MsgSend, Path: m.Path, Hash: m.Hash})
	case e.Kind != fsentry.File:
		return sendServer(s.conn, errMsg(wire.CodeNotAFile))
	case e.ContentHash != fsentry.Hash(m.Hash):
		return sendServer(s.conn, wire.ServerMessage{Version: wire.Version, Type: wire.MsgSend, Path: m.Path, Hash: m.Hash})
	default:
		return sendServer(s.conn, okMsg(wire.CodeFound))
	}
}

func (s *session) handleDel(m wire.ClientMessage) error {
	e, present := s.elements[m.Path]
	if !present {
		return sendServer(s.conn, okMsg(wire.CodeNotPresent))
	}
	if e.Kind != fsentry.File || e.ContentHash != fsentry.Hash(m.Hash) {
		return sendServer(s.conn, errMsg(wire.CodeRemoveMismatch))
	}
	abs := fsentry.ToAbsolute(s.base, m.Path)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := s.h.Catalog.Remove(s.user, s.device, m.Path); err != nil {
		return err
	}
	delete(s.elements, m.Path)
	return sendServer(s.conn, okMsg(wire.CodeRemoved))
}

func (s *session) handleMkd(m wire.ClientMessage) error {
	e, present := s.elements[m.Path]
	abs := fsentry.ToAbsolute(s.base, m.Path)
	if present && e.Kind != fsentry.Directory {
		return sendServer(s.conn, errMsg(wire.CodeNotADirectory))
	}
	if fi, err := os.Lstat(abs); err == nil && !fi.IsDir() {
		return sendServer(s.conn, errMsg(wire.CodeNotADirectory))
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	if err := fsentry.ApplyMTime(abs, m.MTime); err != nil {
		return err
	}
	entry, err := fsentry.Scan(s.base, abs)
	if err != nil {
		return err
	}
	if err := s.h.Catalog.Insert(s.user, s.device, entry); err != nil {
		return err
	}
	s.elements[m.Path] = entry
	return sendServer(s.conn, okMsg(wire.CodeCreated))
}

func (s *session) handleRmd(m wire.ClientMessage) error {
	e, present := s.elements[m.Path]
	if !present {
		return sendServer(s.conn, okMsg(wire.CodeNotPresent))
	}
	if e.Kind != fsentry.Directory {
		return sendServer(s.conn, errMsg(wire.CodeNotADirectory))
	}
	abs := fsentry.ToAbsolute(s.base, m.Path)
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	if err := s.h.Catalog.RemovePrefix(s.user, s.device, m.Path); err != nil {
		return err
	}
	for p := range s.elements {
		if p == m.Path || isUnderPrefix(p, m.Path) {
			delete(s.elements, p)
		}
	}
	return sendServer(s.conn, okMsg(wire.CodeRemoved))
}

func isUnderPrefix(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == '/'
}

func (s *session) handleRetr(m wire.ClientMessage) error {
	return retrieve.ServeRetrieval(s.conn, s.h.Catalog, s.h.ServerRoot, s.user, m.Device, m.All)
}

// handleStor reads the announced header plus the streamed DATA body,
// stages it via atomic rename-after-verify, then updates the catalog.
func (s *session) handleStor(m wire.ClientMessage) error {
	abs := fsentry.ToAbsolute(s.base, m.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.h.TempRoot, 0o755); err != nil {
		return err
	}

	pf, err := renameio.TempFile(s.h.TempRoot, abs)
	if err != nil {
		return err
	}
	defer pf.Cleanup()

	for {
		frame, err := s.conn.RecvFrame()
		if err != nil {
			return err
		}
		cm, err := wire.DecodeClient(frame)
		if err != nil {
			return err
		}
		if cm.Type != wire.MsgData {
			return sendServer(s.conn, errMsg(wire.CodeUnexpected))
		}
		if _, err := pf.Write(cm.Data); err != nil {
			return err
		}
		s.rate.Add(len(cm.Data))
		if cm.Last {
			break
		}
	}

	if err := fsentry.ApplyMTime(pf.Name(), m.MTime); err != nil {
		return err
	}
	mismatch, hash, size, err := verifyStaged(pf.Name(), m)
	if err != nil {
		return err
	}
	if mismatch {
		return sendServer(s.conn, errMsg(wire.CodeStoreMismatch))
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return err
	}

	mtime, err := fsentry.ParseMTime(m.MTime)
	if err != nil {
		return err
	}
	entry := fsentry.Entry{RelativePath: m.Path, Kind: fsentry.File, Size: size, MTime: mtime, ContentHash: hash}
	if err := s.h.Catalog.Insert(s.user, s.device, entry); err != nil {
		return err
	}
	s.elements[m.Path] = entry
	return sendServer(s.conn, okMsg(wire.CodeCreated))
}

func verifyStaged(path string, m wire.ClientMessage) (mismatch bool, hash fsentry.Hash, size int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, hash, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, hash, 0, err
	}
	defer f.Close()
	h, err := fsentry.HashReader(f)
	if err != nil {
		return false, hash, 0, err
	}
	size = fi.Size()
	if uint64(size) != m.FileSize || h != fsentry.Hash(m.Hash) {
		return true, h, size, nil
	}
	return false, h, size, nil
}
