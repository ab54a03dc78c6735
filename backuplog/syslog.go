package backuplog

import (
	"net"
	"os"
	"time"

	"github.com/crewjam/rfc5424"
)

// SyslogRelay ships log entries to a remote syslog collector using
// RFC5424 framing, for installations that centralize logs outside the
// (ISO8601) - [TAG] - body text stream.
type SyslogRelay struct {
	conn     net.Conn
	hostname string
	appname  string
}

func NewSyslogRelay(network, addr, appname string) (*SyslogRelay, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	return &SyslogRelay{conn: conn, hostname: hostname, appname: appname}, nil
}

func (s *SyslogRelay) WriteLog(ts time.Time, tag string, lvl Level, msg string) error {
	m := rfc5424.Message{
		Priority:  priority(lvl),
		Timestamp: ts,
		Hostname:  s.hostname,
		AppName:   s.appname,
		MessageID: tag,
		Message:   []byte(msg),
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = s.conn.Write(b)
	return err
}

func (s *SyslogRelay) Close() error {
	return s.conn.Close()
}

func priority(lvl Level) rfc5424.Priority {
	switch lvl {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}
