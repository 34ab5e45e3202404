// Package transport implements the line/literal-oriented byte transport
// the IMAP engine is built on: a plaintext or TLS stream with deadline
// enforcement and blocking, non-partial line and fixed-length reads.
package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Error wraps any connect, TLS, or I/O failure observed by Transport.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Config describes how to reach an IMAP server.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	StartTLS bool // upgrade a plaintext connection via STARTTLS before LOGIN

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns a Config with conservative timeouts, matching the
// deadline discipline used elsewhere in the pack for long-lived mail
// connections.
func DefaultConfig(host string, port int, useTLS bool) Config {
	return Config{
		Host:           host,
		Port:           port,
		TLS:            useTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Transport is a blocking, non-pipelined byte stream to an IMAP server.
type Transport struct {
	conn net.Conn
	r    *bufio.Reader
	cfg  Config
}

// deadlineConn sets a fresh read/write deadline before every operation, so
// a dead peer surfaces as an I/O error instead of hanging the read loop
// forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Dial opens a connection per cfg. If cfg.TLS is set it performs a TLS
// handshake before any bytes are exchanged; if cfg.StartTLS is set instead
// it reads the plaintext greeting, issues STARTTLS, and upgrades the same
// connection in place before returning. The hostname is normalized through
// IDNA so internationalized server names in the config file resolve
// correctly.
func Dial(cfg Config) (*Transport, error) {
	host, err := idna.Lookup.ToASCII(cfg.Host)
	if err != nil {
		host = cfg.Host
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port))

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	if cfg.TLS {
		conn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
		if dialErr != nil {
			return nil, wrap("dial "+addr, dialErr)
		}
		return newTransport(conn, cfg), nil
	}

	conn, dialErr := dialer.Dial("tcp", addr)
	if dialErr != nil {
		return nil, wrap("dial "+addr, dialErr)
	}

	if !cfg.StartTLS {
		return newTransport(conn, cfg), nil
	}

	plain := &deadlineConn{Conn: conn, readTimeout: cfg.ReadTimeout, writeTimeout: cfg.WriteTimeout}
	r := bufio.NewReader(plain)

	if _, err := r.ReadString('\n'); err != nil {
		conn.Close()
		return nil, wrap("starttls: read greeting", err)
	}
	if _, err := plain.Write([]byte("tls1 STARTTLS\r\n")); err != nil {
		conn.Close()
		return nil, wrap("starttls: send command", err)
	}
	resp, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, wrap("starttls: read response", err)
	}
	if !strings.Contains(resp, " OK") {
		conn.Close()
		return nil, wrap("starttls: rejected", fmt.Errorf("%q", bytes.TrimRight([]byte(resp), "\r\n")))
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, wrap("starttls: handshake", err)
	}
	return newTransport(tlsConn, cfg), nil
}

func newTransport(conn net.Conn, cfg Config) *Transport {
	wrapped := &deadlineConn{Conn: conn, readTimeout: cfg.ReadTimeout, writeTimeout: cfg.WriteTimeout}
	return &Transport{conn: wrapped, r: bufio.NewReader(wrapped), cfg: cfg}
}

// ReadLine returns one CRLF- or LF-terminated line with the terminator
// stripped.
func (t *Transport) ReadLine() ([]byte, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return nil, wrap("read line", err)
	}
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return []byte(line[:n]), nil
}

// ReadExact returns exactly n bytes, used for IMAP literals.
func (t *Transport) ReadExact(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := readFull(t.r, buf); err != nil {
		return nil, wrap("read literal", err)
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteAll writes b in full.
func (t *Transport) WriteAll(b []byte) error {
	_, err := t.conn.Write(b)
	return wrap("write", err)
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SetReadTimeout updates the read deadline duration applied before each
// future read, without reconnecting. Used by the Sync Engine to widen the
// deadline while IDLE is outstanding.
func (t *Transport) SetReadTimeout(d time.Duration) {
	if dc, ok := t.conn.(*deadlineConn); ok {
		dc.readTimeout = d
	}
}
