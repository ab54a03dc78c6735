// Package retrieve implements the retrieval engine (C10): server-side
// streaming of a user's (or a single device's) backed-up tree, and the
// symmetric client-side receive-and-commit, per spec §4.9.
//
// The stream reuses the MKD/STOR/DATA message shapes already defined for
// mirroring (spec §6.1) — during retrieval the server is simply the one
// sending them. A trailing QUIT frame (already a no-field type) marks
// the end of the one-shot conversation.
package retrieve

import (
	"crypto/sha256"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/safefile"

	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/wire"
)

var (
	errUnexpectedMidTransfer = errors.New("retrieve: non-DATA frame mid-transfer")
	errRetrieveMismatch      = errors.New("retrieve: received file does not match announced size/hash")
)

type hasher struct{ h hash.Hash }

func newHasher() *hasher { return &hasher{h: sha256.New()} }

func (h *hasher) Write(p []byte) { h.h.Write(p) }

func (h *hasher) Sum() fsentry.Hash {
	var out fsentry.Hash
	copy(out[:], h.h.Sum(nil))
	return out
}

// ChunkSize is the recommended DATA payload size, per spec §6.1.
const ChunkSize = 20 * 1024

func send(conn *transport.Conn, m wire.ClientMessage) error {
	m.Version = wire.Version
	b, err := wire.EncodeClient(m)
	if err != nil {
		return err
	}
	return conn.SendFrame(b)
}

// ServeRetrieval streams every catalog row for (user, device) — or for
// every device of user when all is true — back to conn.
func ServeRetrieval(conn *transport.Conn, cat *catalog.Server, serverRoot, user, device string, all bool) error {
	emit := func(dev string, e fsentry.Entry) error {
		base := filepath.Join(serverRoot, user+`_`+dev)
		abs := fsentry.ToAbsolute(base, e.RelativePath)
		if e.Kind == fsentry.Directory {
			return send(conn, wire.ClientMessage{Type: wire.MsgMkd, Path: e.RelativePath, MTime: e.MTimeString()})
		}
		return streamFile(conn, abs, e)
	}

	var err error
	if all {
		err = cat.ForEachUser(user, emit)
	} else {
		err = cat.ForEachDevice(user, device, func(e fsentry.Entry) error { return emit(device, e) })
	}
	if err != nil {
		return err
	}
	return send(conn, wire.ClientMessage{Type: wire.MsgQuit})
}

// streamFile emits the STOR header followed by the file's DATA frames.
func streamFile(conn *transport.Conn, abs string, e fsentry.Entry) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := send(conn, wire.ClientMessage{
		Type: wire.MsgStor, Path: e.RelativePath, FileSize: uint64(e.Size),
		MTime: e.MTimeString(), Hash: e.ContentHash,
	}); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	remaining := e.Size
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			remaining -= int64(n)
			last := remaining <= 0
			if err := send(conn, wire.NewData(append([]byte(nil), buf[:n]...), last)); err != nil {
				return err
			}
			if last {
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return send(conn, wire.NewData(nil, true))
			}
			return rerr
		}
	}
}

// ReceiveRetrieval drains conn for the MKD/STOR/DATA stream emitted by
// ServeRetrieval, writing each object under destRoot with an atomic
// staged write, until the trailing QUIT ends the conversation.
func ReceiveRetrieval(conn *transport.Conn, destRoot string) error {
	for {
		frame, err := conn.RecvFrame()
		if err != nil {
			return err
		}
		m, err := wire.DecodeClient(frame)
		if err != nil {
			return err
		}
		switch m.Type {
		case wire.MsgQuit:
			return nil
		case wire.MsgMkd:
			abs := fsentry.ToAbsolute(destRoot, m.Path)
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return err
			}
			if err := fsentry.ApplyMTime(abs, m.MTime); err != nil {
				return err
			}
		case wire.MsgStor:
			if err := receiveFile(conn, destRoot, m); err != nil {
				return err
			}
		}
	}
}

func receiveFile(conn *transport.Conn, destRoot string, header wire.ClientMessage) error {
	abs := fsentry.ToAbsolute(destRoot, header.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	sf, err := safefile.Create(abs, 0o644)
	if err != nil {
		return err
	}
	defer sf.Close()

	var size int64
	h := newHasher()
	for {
		frame, err := conn.RecvFrame()
		if err != nil {
			return err
		}
		m, err := wire.DecodeClient(frame)
		if err != nil {
			return err
		}
		if m.Type != wire.MsgData {
			return errUnexpectedMidTransfer
		}
		if len(m.Data) > 0 {
			if _, err := sf.Write(m.Data); err != nil {
				return err
			}
			h.Write(m.Data)
			size += int64(len(m.Data))
		}
		if m.Last {
			break
		}
	}

	if uint64(size) != header.FileSize || h.Sum() != fsentry.Hash(header.Hash) {
		return errRetrieveMismatch // deferred sf.Close() discards the uncommitted temp file
	}

	if err := sf.Commit(); err != nil {
		return err
	}
	return fsentry.ApplyMTime(abs, header.MTime)
}
