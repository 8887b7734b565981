// Package transport provides the TCP byte stream to the flight controller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"DroneLink/internal/logger"
	"DroneLink/internal/metrics"
)

var (
	// ErrClosed is returned once the peer closed the stream or Close was called.
	ErrClosed = errors.New("transport closed")
	// ErrNotOpen is returned by operations on a transport that was never opened.
	ErrNotOpen = errors.New("transport not open")
)

// Endpoint is the fixed peer (and optional local binding) of a TCP transport.
type Endpoint struct {
	LocalAddress  string
	LocalPort     int
	RemoteAddress string
	RemotePort    int
}

// Remote returns host:port of the peer.
func (e Endpoint) Remote() string {
	return net.JoinHostPort(e.RemoteAddress, strconv.Itoa(e.RemotePort))
}

func (e Endpoint) local() *net.TCPAddr {
	if e.LocalAddress == "" && e.LocalPort == 0 {
		return nil
	}
	return &net.TCPAddr{IP: net.ParseIP(e.LocalAddress), Port: e.LocalPort}
}

// Options tune the socket.
type Options struct {
	DialTimeout     time.Duration
	KeepAlivePeriod time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	ReconnectDelay  time.Duration
}

// DefaultOptions mirror the values used on the companion computer.
func DefaultOptions() Options {
	return Options{
		DialTimeout:     10 * time.Second,
		KeepAlivePeriod: 30 * time.Second,
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		ReconnectDelay:  100 * time.Millisecond,
	}
}

// streamConn is what the transport needs from a connection, satisfied by
// *net.TCPConn.
type streamConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// TCP is a single persistent connection to one peer. Sends are serialized;
// a receive may run concurrently with a send.
type TCP struct {
	endpoint Endpoint
	opts     Options
	dialFn   func(ctx context.Context) (streamConn, error)

	mu      sync.RWMutex
	conn    streamConn
	gen     uint64 // bumped on every (re)connect
	healthy bool
	closed  bool

	sendMu sync.Mutex
	recvMu sync.Mutex
	rbuf   []byte
}

// NewTCP creates an unopened transport.
func NewTCP(endpoint Endpoint, opts Options) *TCP {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = def.KeepAlivePeriod
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = def.ReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = def.WriteBufferSize
	}
	if opts.ReconnectDelay < 0 {
		opts.ReconnectDelay = 0
	}
	t := &TCP{
		endpoint: endpoint,
		opts:     opts,
		rbuf:     make([]byte, opts.ReadBufferSize),
	}
	t.dialFn = t.dial
	return t
}

// Endpoint returns the configured peer.
func (t *TCP) Endpoint() Endpoint {
	return t.endpoint
}

func (t *TCP) dial(ctx context.Context) (streamConn, error) {
	d := net.Dialer{Timeout: t.opts.DialTimeout}
	if local := t.endpoint.local(); local != nil {
		d.LocalAddr = local
	}

	c, err := d.DialContext(ctx, "tcp", t.endpoint.Remote())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.endpoint.Remote(), err)
	}
	tc := c.(*net.TCPConn)

	if err := tc.SetKeepAlive(true); err != nil {
		logger.Warn("[TCP] keepalive: %v", err)
	}
	tc.SetKeepAlivePeriod(t.opts.KeepAlivePeriod)
	tc.SetNoDelay(true)
	tc.SetReadBuffer(t.opts.ReadBufferSize)
	tc.SetWriteBuffer(t.opts.WriteBufferSize)
	return tc, nil
}

// Open connects to the endpoint. Opening an open transport replaces its
// connection.
func (t *TCP) Open(ctx context.Context) error {
	conn, err := t.dialFn(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.gen++
	t.healthy = true
	t.closed = false
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metrics.Global.SetRemote(t.endpoint.Remote())
	logger.Info("[TCP] ✓ Connected to %s from %s (keepalive %s)", t.endpoint.Remote(), conn.LocalAddr(), t.opts.KeepAlivePeriod)
	return nil
}

// Close releases the connection. A closed transport never reconnects on its own.
func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.healthy = false
	t.closed = true
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	logger.Debug("[TCP] Closing connection to %s", t.endpoint.Remote())
	return conn.Close()
}

func (t *TCP) markUnhealthy(gen uint64) {
	t.mu.Lock()
	if t.gen == gen {
		t.healthy = false
	}
	t.mu.Unlock()
}

// Send writes all of p, reconnecting once if the connection is known to be
// broken.
func (t *TCP) Send(p []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.RLock()
	conn, gen, healthy, closed := t.conn, t.gen, t.healthy, t.closed
	t.mu.RUnlock()

	switch {
	case closed:
		return ErrClosed
	case conn == nil:
		return ErrNotOpen
	case !healthy:
		var err error
		if conn, gen, err = t.reconnect(); err != nil {
			return err
		}
	}

	// a short write without an error is continued from where it stopped
	for written := 0; written < len(p); {
		n, err := conn.Write(p[written:])
		written += n
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			t.markUnhealthy(gen)
			return fmt.Errorf("write to %s after %d/%d bytes: %w", t.endpoint.Remote(), written, len(p), err)
		}
	}
	return nil
}

// reconnect replaces a broken connection. Called with sendMu held.
func (t *TCP) reconnect() (streamConn, uint64, error) {
	logger.Warn("[RECONNECT] Connection to %s looks broken, reconnecting...", t.endpoint.Remote())
	if t.opts.ReconnectDelay > 0 {
		time.Sleep(t.opts.ReconnectDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	defer cancel()
	conn, err := t.dialFn(ctx)
	if err != nil {
		logger.Error("[RECONNECT] ❌ Failed: %v", err)
		return nil, 0, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, 0, ErrClosed
	}
	old := t.conn
	t.conn = conn
	t.gen++
	t.healthy = true
	gen := t.gen
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metrics.Global.IncReconnect()
	logger.Info("[RECONNECT] ✓ Reconnected to %s", t.endpoint.Remote())
	return conn, gen, nil
}

// Receive waits up to timeout for data. A timeout yields (nil, nil). The peer
// closing the stream yields ErrClosed. The returned slice is only valid until
// the next call.
func (t *TCP) Receive(timeout time.Duration) ([]byte, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	t.mu.RLock()
	conn, gen, closed := t.conn, t.gen, t.closed
	t.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, ErrNotOpen
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, t.readError(conn, gen, err)
	}
	n, err := conn.Read(t.rbuf)
	if n > 0 {
		// data first; a trailing error shows up on the next read
		return t.rbuf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil, nil
	}
	return nil, t.readError(conn, gen, err)
}

func (t *TCP) readError(conn streamConn, gen uint64, err error) error {
	t.mu.RLock()
	replaced := t.gen != gen
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	// the send path swapped in a fresh connection while we were reading
	if replaced {
		return nil
	}

	t.markUnhealthy(gen)
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %s: %v", ErrClosed, conn.RemoteAddr(), err)
	}
	return fmt.Errorf("read from %s: %w", t.endpoint.Remote(), err)
}
