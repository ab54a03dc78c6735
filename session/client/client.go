// Package client implements the client session engine (C8): handshake,
// event-to-request translation, the pipelined in-flight window, response
// dispatch, reconnect with rewind, and idle disconnect (spec §4.7).
package client

import (
	"crypto/tls"
	"errors"
	"io"
	"os"
	"time"

	"github.com/pdsbackup/pdsbackup/backuplog"
	"github.com/pdsbackup/pdsbackup/catalog"
	"github.com/pdsbackup/pdsbackup/fsentry"
	"github.com/pdsbackup/pdsbackup/queue"
	"github.com/pdsbackup/pdsbackup/session"
	"github.com/pdsbackup/pdsbackup/transport"
	"github.com/pdsbackup/pdsbackup/watch"
	"github.com/pdsbackup/pdsbackup/wire"
)

// State is the connection-lifecycle state (spec §4.7's state diagram).
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Active
	Recover
	Fatal
)

type pendingState int

const (
	probeSent pendingState = iota
	deleteSent
	mkdirSent
	rmdirSent
	storeHeaderSent
	storeBodySent
)

type pendingReq struct {
	ev      watch.Event
	state   pendingState
	retries int
}

// Config carries every tunable the engine needs from spec §6.4.
type Config struct {
	Endpoint  string
	User      string
	Password  string
	WatchRoot string
	TLS       *tls.Config

	Window         int
	ChunkSize      int
	TIdle          time.Duration
	TReconnectBase time.Duration
	TReconnectCap  time.Duration
	RConn          int
	RErr           int
	RateWindow     time.Duration
}

// Engine is the per-process client session engine. A single goroutine
// (Run's caller) owns it for its lifetime, matching the "session thread"
// of spec §5.
type Engine struct {
	cfg    Config
	local  *catalog.Local
	events *queue.Bounded[watch.Event]
	log    *backuplog.Logger
	rate   *session.RateCounter

	conn       *transport.Conn
	device     string
	state      State
	window     *queue.Bounded[*pendingReq]
	reconnects int
}

// New builds an Engine. events is the watcher's output queue: pass
// engine.Events().TryPush (or equivalently events.TryPush) as the
// watch.Handler given to watch.Watcher.Run.
func New(cfg Config, local *catalog.Local, events *queue.Bounded[watch.Event], log *backuplog.Logger) *Engine {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	return &Engine{
		cfg:    cfg,
		local:  local,
		events: events,
		log:    log,
		rate:   session.NewRateCounter(orDefault(cfg.RateWindow, 30*time.Second)),
		window: queue.New[*pendingReq](cfg.Window),
		state:  Disconnected,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

var errIdleDisconnect = errors.New("session: idle timeout, disconnecting")

// Run drives the engine until stop is closed. It owns reconnect/backoff
// and returns a *session.Error only for a fatal condition (bad
// credentials, version mismatch, exhausted reconnects, or a recoverable
// server error still failing after R_err retries); a clean stop returns
// nil.
func (e *Engine) Run(stop <-chan struct{}) error {
	backoff := orDefault(e.cfg.TReconnectBase, time.Second)
	backoffCap := orDefault(e.cfg.TReconnectCap, time.Minute)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		e.state = Connecting
		if err := e.connectAndAuth(); err != nil {
			var se *session.Error
			if errors.As(err, &se) && (se.Kind == session.FatalAuth || se.Kind == session.FatalConfig) {
				e.state = Fatal
				return err
			}
			e.reconnects++
			if e.reconnects > e.cfg.RConn {
				e.state = Fatal
				return session.Fatal(session.TransientConnection, "exceeded %d reconnect attempts", e.cfg.RConn)
			}
			e.log.Warnf(`client`, "connect failed (attempt %d), retrying in %s: %v", e.reconnects, backoff, err)
			select {
			case <-time.After(backoff):
			case <-stop:
				return nil
			}
			backoff = nextBackoff(backoff, backoffCap)
			continue
		}
		backoff = orDefault(e.cfg.TReconnectBase, time.Second)
		e.reconnects = 0

		if err := e.rewind(); err != nil {
			e.log.Warnf(`client`, "rewind failed: %v", err)
			e.conn.Close()
			continue
		}

		err := e.active(stop)
		if err == nil {
			return nil
		}
		if errors.Is(err, errIdleDisconnect) {
			wait := time.NewTicker(eventPollInterval)
			for e.events.Len() == 0 {
				select {
				case <-stop:
					wait.Stop()
					return nil
				case <-wait.C:
				}
			}
			wait.Stop()
			continue
		}
		var se *session.Error
		if errors.As(err, &se) && (se.Kind == session.FatalAuth || se.Kind == session.FatalConfig || se.Kind == session.RecoverableMutation) {
			e.state = Fatal
			return err
		}
		e.log.Warnf(`client`, "session error, reconnecting: %v", err)
	}
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// connectAndAuth dials, derives the device id, and performs the AUTH
// handshake.
func (e *Engine) connectAndAuth() error {
	e.state = Connecting
	conn, err := transport.Dial(e.cfg.Endpoint, e.cfg.TLS)
	if err != nil {
		return session.New(session.TransientConnection, err)
	}
	mac, err := conn.PeerMAC()
	if err != nil {
		conn.Close()
		return session.New(session.TransientConnection, err)
	}

	e.state = Authenticating
	b, err := wire.EncodeClient(wire.ClientMessage{
		Version: wire.Version, Type: wire.MsgAuth,
		Username: e.cfg.User, Device: mac, Password: e.cfg.Password,
	})
	if err != nil {
		conn.Close()
		return session.New(session.Internal, err)
	}
	if err := conn.SendFrame(b); err != nil {
		conn.Close()
		return session.New(session.TransientConnection, err)
	}
	frame, err := conn.RecvFrame()
	if err != nil {
		conn.Close()
		return session.New(session.TransientConnection, err)
	}
	m, err := wire.DecodeServer(frame)
	if err != nil {
		conn.Close()
		return session.Fatal(session.FatalAuth, "malformed AUTH response: %v", err)
	}

	switch {
	case m.Type == wire.MsgOK && m.Code == wire.CodeAuthenticated:
		e.conn = conn
		e.device = mac
		e.state = Active
		return nil
	case m.Type == wire.MsgErr && m.Code == wire.CodeAuth:
		conn.Close()
		return session.Fatal(session.FatalAuth, "authentication rejected for user %q", e.cfg.User)
	case m.Type == wire.MsgVer:
		conn.Close()
		return session.Fatal(session.FatalAuth, "protocol version mismatch: server wants %d", m.NewVersion)
	case m.Type == wire.MsgErr && m.Code == wire.CodeInternal:
		conn.Close()
		return session.New(session.TransientConnection, errors.New("server reported internal error during AUTH"))
	default:
		conn.Close()
		return session.Fatal(session.FatalAuth, "unexpected AUTH response type %s", m.Type)
	}
}

// eventPollInterval bounds how long a freshly-queued watcher event can
// sit before the active loop notices it. The queue has no channel-based
// wait that can be abandoned without poisoning it for the next
// connection (WaitReady's cancellation is permanent), so polling is the
// simplest correct way to multiplex it alongside the socket.
const eventPollInterval = 100 * time.Millisecond

// active runs the event-driven core of one connection: a reader
// goroutine feeding responses, a poll of the watcher event queue feeding
// new submissions, and an idle timer. It returns nil only on a clean
// stop.
func (e *Engine) active(stop <-chan struct{}) error {
	type result struct {
		msg wire.ServerMessage
		err error
	}
	respCh := make(chan result, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			frame, err := e.conn.RecvFrame()
			if err != nil {
				respCh <- result{err: err}
				return
			}
			m, err := wire.DecodeServer(frame)
			if err != nil {
				respCh <- result{err: err}
				return
			}
			respCh <- result{msg: m}
		}
	}()

	idle := time.NewTimer(orDefault(e.cfg.TIdle, 5*time.Minute))
	defer idle.Stop()
	poll := time.NewTicker(eventPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-stop:
			e.sendQuitBestEffort()
			return nil
		case r := <-respCh:
			if r.err != nil {
				var te *transport.Error
				if errors.As(r.err, &te) {
					return session.New(session.TransientConnection, r.err)
				}
				return session.New(session.Internal, r.err)
			}
			if err := e.handleResponse(r.msg); err != nil {
				return err
			}
			resetTimer(idle, orDefault(e.cfg.TIdle, 5*time.Minute))
		case <-poll.C:
			if e.events.Len() > 0 {
				e.pumpEvents()
				resetTimer(idle, orDefault(e.cfg.TIdle, 5*time.Minute))
			}
		case <-idle.C:
			e.log.Infof(`client`, "idle: send throughput %s, %d bytes total this session",
				session.FormatRate(e.rate.BytesPerSecond()), e.rate.TotalBytes())
			if e.window.Len() == 0 {
				e.conn.Close()
				<-readerDone
				return errIdleDisconnect
			}
			resetTimer(idle, orDefault(e.cfg.TIdle, 5*time.Minute))
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (e *Engine) sendQuitBestEffort() {
	b, err := wire.EncodeClient(wire.ClientMessage{Version: wire.Version, Type: wire.MsgQuit})
	if err != nil {
		return
	}
	e.conn.SendFrame(b) //nolint:errcheck // best-effort on shutdown
	e.conn.Close()
}

func (e *Engine) canSend() bool {
	return e.state == Active && e.window.Len() < e.cfg.Window
}

// pumpEvents drains the watcher queue into the in-flight window while
// capacity and state allow.
func (e *Engine) pumpEvents() {
	for e.canSend() && e.events.Len() > 0 {
		ev, ok := e.events.Pop()
		if !ok {
			return
		}
		p := &pendingReq{ev: ev, state: initialState(ev)}
		if !e.window.TryPush(p) {
			return
		}
		if err := e.emit(p); err != nil {
			e.log.Warnf(`client`, "submit failed for %s: %v", p.ev.Entry.RelativePath, err)
			return
		}
	}
}

func initialState(ev watch.Event) pendingState {
	switch {
	case ev.Status != watch.Deleted && ev.Entry.Kind == fsentry.File:
		return probeSent
	case ev.Status != watch.Deleted && ev.Entry.Kind == fsentry.Directory:
		return mkdirSent
	case ev.Status == watch.Deleted && ev.Entry.Kind == fsentry.File:
		return deleteSent
	default:
		return rmdirSent
	}
}

func (e *Engine) sendFrame(m wire.ClientMessage) error {
	m.Version = wire.Version
	b, err := wire.EncodeClient(m)
	if err != nil {
		return err
	}
	if err := e.conn.SendFrame(b); err != nil {
		return session.New(session.TransientConnection, err)
	}
	return nil
}

func (e *Engine) emit(p *pendingReq) error {
	switch p.state {
	case probeSent:
		return e.sendFrame(wire.ClientMessage{Type: wire.MsgProb, Path: p.ev.Entry.RelativePath, Hash: p.ev.Entry.ContentHash})
	case deleteSent:
		return e.sendFrame(wire.ClientMessage{Type: wire.MsgDel, Path: p.ev.Entry.RelativePath, Hash: p.ev.Entry.ContentHash})
	case mkdirSent:
		return e.sendFrame(wire.ClientMessage{Type: wire.MsgMkd, Path: p.ev.Entry.RelativePath, MTime: p.ev.Entry.MTimeString()})
	case rmdirSent:
		return e.sendFrame(wire.ClientMessage{Type: wire.MsgRmd, Path: p.ev.Entry.RelativePath})
	case storeHeaderSent, storeBodySent:
		return e.sendStore(p)
	}
	return nil
}

// sendStore streams a file's STOR header and DATA body. If the file is
// gone or has changed since detection, the upload is abandoned silently
// (spec §4.7): a fresh event from the watcher will follow.
func (e *Engine) sendStore(p *pendingReq) error {
	abs := fsentry.ToAbsolute(e.cfg.WatchRoot, p.ev.Entry.RelativePath)
	cur, err := fsentry.Scan(e.cfg.WatchRoot, abs)
	if err != nil || cur.ContentHash != p.ev.Entry.ContentHash {
		e.window.RemoveMatching(func(x *pendingReq) bool { return x == p })
		return nil
	}
	f, err := os.Open(abs)
	if err != nil {
		e.window.RemoveMatching(func(x *pendingReq) bool { return x == p })
		return nil
	}
	defer f.Close()

	if err := e.sendFrame(wire.ClientMessage{
		Type: wire.MsgStor, Path: cur.RelativePath, FileSize: uint64(cur.Size),
		MTime: cur.MTimeString(), Hash: cur.ContentHash,
	}); err != nil {
		return err
	}
	p.state = storeBodySent

	chunk := e.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 20 * 1024
	}
	buf := make([]byte, chunk)
	remaining := cur.Size
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			remaining -= int64(n)
			last := remaining <= 0
			if err := e.sendFrame(wire.NewData(append([]byte(nil), buf[:n]...), last)); err != nil {
				return err
			}
			e.rate.Add(n)
			if last {
				return nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				// remaining > 0 here means the file shrank mid-read; the
				// hash check above already caught the common case, so
				// just close out the stream with an empty final frame.
				return e.sendFrame(wire.NewData(nil, true))
			}
			return session.New(session.TransientConnection, rerr)
		}
	}
}

// rewind re-emits every in-flight request in FIFO order over the
// current connection, used after both reconnect and a recoverable
// mutation error (spec §4.7).
func (e *Engine) rewind() error {
	if e.conn == nil {
		return nil
	}
	items := e.window.DrainAll()
	for _, p := range items {
		if !e.window.TryPush(p) {
			return session.Fatal(session.Internal, "window overflow during rewind")
		}
		if err := e.emit(p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleResponse(m wire.ServerMessage) error {
	switch m.Type {
	case wire.MsgSend:
		head, ok := e.window.Pop()
		if !ok {
			return nil // skippable: unmatched SEND
		}
		p := &pendingReq{ev: head.ev, state: storeHeaderSent}
		if !e.window.TryPush(p) {
			return session.Fatal(session.Internal, "no window capacity to stage upload for %q", p.ev.Entry.RelativePath)
		}
		return e.sendStore(p)

	case wire.MsgOK:
		head, ok := e.window.Pop()
		if !ok {
			return nil
		}
		return e.applyOK(head)

	case wire.MsgErr:
		if m.Code.Recoverable() {
			return e.handleRecoverable(m.Code)
		}
		if m.Code == wire.CodeInternal {
			return session.New(session.TransientConnection, errors.New("server reported internal error"))
		}
		return session.Fatal(session.FatalAuth, "server error %s", m.Code)

	case wire.MsgVer:
		return session.Fatal(session.FatalAuth, "protocol version mismatch mid-session")

	default:
		e.window.Pop() // skippable: unknown response, drop head and continue
		return nil
	}
}

func (e *Engine) applyOK(head *pendingReq) error {
	switch head.state {
	case probeSent, storeHeaderSent, storeBodySent:
		if head.ev.Status == watch.Created {
			return e.local.Insert(head.ev.Entry)
		}
		return e.local.Update(head.ev.Entry)
	case mkdirSent:
		if head.ev.Status == watch.Created {
			return e.local.Insert(head.ev.Entry)
		}
		return e.local.Update(head.ev.Entry)
	case deleteSent, rmdirSent:
		return e.local.Remove(head.ev.Entry.RelativePath)
	}
	return nil
}

func (e *Engine) handleRecoverable(code wire.Code) error {
	head, ok := e.window.Front()
	if !ok {
		return nil
	}
	head.retries++
	if head.retries <= e.cfg.RErr {
		e.log.Warnf(`client`, "recoverable error %s for %s, retry %d/%d", code, head.ev.Entry.RelativePath, head.retries, e.cfg.RErr)
		return e.rewind()
	}
	return session.Fatal(session.RecoverableMutation, "exceeded %d retries for %q after %s", e.cfg.RErr, head.ev.Entry.RelativePath, code)
}

// Events exposes the engine's inbound event queue so callers can wire
// watch.Watcher.Run(stop, events.TryPush) directly.
func (e *Engine) Events() *queue.Bounded[watch.Event] { return e.events }
