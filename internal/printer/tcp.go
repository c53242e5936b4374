package printer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/config"
)

const (
	defaultTimeout   = 10 * time.Second
	hostIdentCommand = "~HI\r\n"
	configDumpFormat = "^XA^HH^XZ"
	queryReadLimit   = 8192
)

// TCPTransport writes to printers over raw TCP (port 9100 style) and
// keeps one connection per target for reuse. A write failure drops the
// cached connection and dials once more before giving up.
type TCPTransport struct {
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]net.Conn

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func NewTCPTransport(cfg config.PrintersConfig) *TCPTransport {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	t := &TCPTransport{
		timeout: timeout,
		conns:   make(map[string]net.Conn),
	}
	t.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: t.timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	return t
}

func (t *TCPTransport) Write(ctx context.Context, target Target, payload []byte) error {
	conn, err := t.connect(ctx, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	if err := t.write(conn, payload); err != nil {
		t.drop(target)
		conn, err = t.connect(ctx, target)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
		if err := t.write(conn, payload); err != nil {
			t.drop(target)
			return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		}
	}

	return nil
}

// QueryCapability round-trips ~HI for the dpi and a ^HH config dump for
// print width and darkness on a dedicated connection, since the response
// framing would otherwise pollute the job stream.
func (t *TCPTransport) QueryCapability(ctx context.Context, target Target) (*Capability, error) {
	conn, err := t.dial(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	defer conn.Close()

	ident, err := t.roundTrip(conn, []byte(hostIdentCommand))
	if err != nil {
		return nil, fmt.Errorf("%w: host ident: %v", ErrTransportUnavailable, err)
	}
	dpi, err := parseHostIdent(string(ident))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceRejected, err)
	}

	dump, err := t.roundTrip(conn, []byte(configDumpFormat))
	if err != nil {
		return nil, fmt.Errorf("%w: config dump: %v", ErrTransportUnavailable, err)
	}
	width, darkness, err := parseConfigLabel(string(dump))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceRejected, err)
	}

	return &Capability{
		Target:    target.String(),
		DPI:       dpi,
		WidthDots: width,
		Darkness:  darkness,
		FetchedAt: time.Now(),
	}, nil
}

// Close drops all cached connections.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, conn := range t.conns {
		conn.Close()
		delete(t.conns, key)
	}
}

func (t *TCPTransport) connect(ctx context.Context, target Target) (net.Conn, error) {
	key := target.String()

	t.mu.Lock()
	if conn, ok := t.conns[key]; ok && conn != nil {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx, key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.conns[key] = conn
	t.mu.Unlock()

	return conn, nil
}

func (t *TCPTransport) drop(target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target.String()]; ok {
		if conn != nil {
			conn.Close()
		}
		delete(t.conns, target.String())
	}
}

func (t *TCPTransport) write(conn net.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.timeout))
	_, err := conn.Write(payload)
	return err
}

func (t *TCPTransport) roundTrip(conn net.Conn, cmd []byte) ([]byte, error) {
	deadline := time.Now().Add(t.timeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(cmd); err != nil {
		return nil, err
	}

	buf := make([]byte, queryReadLimit)
	total := 0
	for total < len(buf) {
		// Responses are not length prefixed; a short read deadline closes
		// out the slurp once the device goes quiet.
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if total > 0 {
				break
			}
			return nil, err
		}
		if time.Now().After(deadline) {
			break
		}
	}

	if total == 0 {
		return nil, fmt.Errorf("no response from device")
	}
	return buf[:total], nil
}
