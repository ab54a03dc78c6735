// Package transport implements the length-prefixed, mutually-authenticated
// TLS frame transport shared by the client agent and the server daemon
// (spec §4.1), plus device identity (peer MAC) discovery.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pdsbackup/pdsbackup/wire"
)

// Kind categorizes a transport failure per spec §4.1/§7: a frame read
// that returns 0 bytes is Closed; a truncated length or body is
// Protocol; any other I/O error is Io. The session engine decides how to
// react to each kind — the transport never recovers on its own.
type Kind int

const (
	Io Kind = iota
	Closed
	Protocol
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Closed:
		return "transport: connection closed"
	case Protocol:
		return fmt.Sprintf("transport: protocol error: %v", e.Err)
	default:
		return fmt.Sprintf("transport: io error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func ioErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return &Error{Kind: Closed}
	}
	return &Error{Kind: Io, Err: err}
}

func protoErr(err error) error {
	return &Error{Kind: Protocol, Err: err}
}

const defaultKeepAlivePeriod = 30 * time.Second

// Conn is a connected, framed transport stream. Exactly one goroutine
// owns it for its lifetime (spec §5).
type Conn struct {
	nc net.Conn
}

// Dial opens a TLS connection to addr, verifying the server certificate
// against the pinned trust anchor baked into cfg.
func Dial(addr string, cfg *tls.Config) (*Conn, error) {
	nc, err := tls.Dial(`tcp`, addr, cfg)
	if err != nil {
		return nil, ioErr(err)
	}
	enableKeepAlive(nc)
	return &Conn{nc: nc}, nil
}

// Wrap adapts an already-accepted net.Conn (typically from a
// *tls.Listener) into a framed Conn.
func Wrap(nc net.Conn) *Conn {
	enableKeepAlive(nc)
	return &Conn{nc: nc}
}

func enableKeepAlive(c net.Conn) {
	if tc, ok := c.(*tls.Conn); ok {
		if under, ok := tc.NetConn().(*net.TCPConn); ok {
			under.SetKeepAlive(true)
			under.SetKeepAlivePeriod(defaultKeepAlivePeriod)
		}
	} else if tc, ok := c.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(defaultKeepAlivePeriod)
	}
}

// Listen binds a TLS listener presenting cert/key; a single-CA model is
// acceptable so no client certificate is required by default.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	return tls.Listen(`tcp`, addr, cfg)
}

// LoadServerTLSConfig builds the server-side tls.Config from a
// certificate/key pair.
func LoadServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// LoadClientTLSConfig builds the client-side tls.Config pinned to the
// given CA bundle.
func LoadClientTLSConfig(caFile, serverName string) (*tls.Config, error) {
	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: serverName,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	b, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("transport: no certificates parsed from %s", caFile)
	}
	return pool, nil
}

// SendFrame writes a single u32_be length prefix followed by payload.
func (c *Conn) SendFrame(payload []byte) error {
	if len(payload) > wire.MaxFrameLen {
		return protoErr(errors.New("frame exceeds maximum length"))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return ioErr(err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.nc.Write(payload); err != nil {
		return ioErr(err)
	}
	return nil
}

// RecvFrame blocks for the next frame. A connection closed cleanly
// before any header bytes arrive surfaces as Kind==Closed; a partial
// header or body surfaces as Kind==Protocol.
func (c *Conn) RecvFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return nil, &Error{Kind: Closed}
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protoErr(err)
		}
		return nil, ioErr(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > wire.MaxFrameLen {
		return nil, protoErr(fmt.Errorf("frame length %d exceeds maximum", n))
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protoErr(err)
		}
		return nil, ioErr(err)
	}
	return buf, nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// SetDeadline forwards to the underlying connection so the session
// engine can bound a single readiness wait (T_select).
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// PeerMAC derives the device identity: the normalized MAC of the local
// non-loopback interface that carries this connection's route to the
// peer (spec §4.1). It is recomputed on every call; the client calls it
// once per connection.
func (c *Conn) PeerMAC() (string, error) {
	local := c.nc.LocalAddr()
	host, _, err := splitHostPort(local.String())
	if err != nil {
		return ``, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ``, fmt.Errorf("transport: cannot parse local address %q", local.String())
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ``, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ifaceHasIP(a, ip) {
				if len(ifc.HardwareAddr) == 0 {
					continue
				}
				return NormalizeMAC(ifc.HardwareAddr), nil
			}
		}
	}
	return ``, errors.New("transport: no non-loopback interface bears the connection's local address")
}

func splitHostPort(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ``, nil //nolint:nilerr // addr may have no port (unusual, but tolerate)
	}
	return host, port, nil
}

func ifaceHasIP(a net.Addr, ip net.IP) bool {
	var ifaceIP net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ifaceIP = v.IP
	case *net.IPAddr:
		ifaceIP = v.IP
	default:
		return false
	}
	return ifaceIP.Equal(ip)
}

// NormalizeMAC renders a hardware address as six lowercase hex groups
// separated by colons, with leading zeros stripped per group (e.g.
// "00:01:02:03:04:05" -> "0:1:2:3:4:5", ":::::" -> "0:0:0:0:0:0").
func NormalizeMAC(hw net.HardwareAddr) string {
	return NormalizeMACString(hw.String())
}

// NormalizeMACString applies the same normalization to an already
// colon-formatted string, tolerating empty groups.
func NormalizeMACString(s string) string {
	groups := strings.Split(s, `:`)
	out := make([]string, len(groups))
	for i, g := range groups {
		v, err := strconv.ParseUint(g, 16, 8)
		if err != nil || g == `` {
			out[i] = `0`
			continue
		}
		out[i] = strconv.FormatUint(v, 16)
	}
	return strings.Join(out, `:`)
}
