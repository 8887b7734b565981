package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return ln, Endpoint{RemoteAddress: "127.0.0.1", RemotePort: addr.Port}
}

func accept(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			ch <- c
		}
		close(ch)
	}()
	return ch
}

func waitConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "accept failed")
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func TestOpenUnreachable(t *testing.T) {
	ln, ep := listen(t)
	ln.Close()

	tr := NewTCP(ep, Options{DialTimeout: time.Second})
	err := tr.Open(context.Background())
	assert.Error(t, err)

	assert.ErrorIs(t, tr.Send([]byte{1}), ErrNotOpen)
	_, err = tr.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSendReceive(t *testing.T) {
	ln, ep := listen(t)
	accepted := accept(t, ln)

	tr := NewTCP(ep, Options{})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()
	peer := waitConn(t, accepted)

	// large enough to need several writes through the socket buffers
	payload := bytes.Repeat([]byte{0xFD, 0x01, 0x02, 0x03}, 256*1024)
	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(peer, buf)
		readDone <- buf
	}()

	require.NoError(t, tr.Send(payload))
	select {
	case got := <-readDone:
		assert.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not receive payload")
	}

	_, err := peer.Write([]byte("hello"))
	require.NoError(t, err)

	var got []byte
	require.Eventually(t, func() bool {
		data, _ := tr.Receive(50 * time.Millisecond)
		got = append(got, data...)
		return len(got) == 5
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "hello", string(got))
}

func TestReceiveTimeout(t *testing.T) {
	ln, ep := listen(t)
	accepted := accept(t, ln)

	tr := NewTCP(ep, Options{})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()
	waitConn(t, accepted)

	start := time.Now()
	data, err := tr.Receive(50 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, data)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPeerCloseThenSendReconnects(t *testing.T) {
	ln, ep := listen(t)
	accepted := accept(t, ln)

	tr := NewTCP(ep, Options{ReconnectDelay: time.Millisecond})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	first := waitConn(t, accepted)
	first.Close()

	var err error
	require.Eventually(t, func() bool {
		_, err = tr.Receive(20 * time.Millisecond)
		return err != nil
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	accepted = accept(t, ln)
	require.NoError(t, tr.Send([]byte("again")))
	second := waitConn(t, accepted)

	buf := make([]byte, 5)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(second, buf)
	require.NoError(t, err)
	assert.Equal(t, "again", string(buf))
}

func TestClosedTransportDoesNotReconnect(t *testing.T) {
	ln, ep := listen(t)
	accepted := accept(t, ln)

	tr := NewTCP(ep, Options{})
	require.NoError(t, tr.Open(context.Background()))
	waitConn(t, accepted)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send([]byte{1}), ErrClosed)
	_, err := tr.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEndpointRemote(t *testing.T) {
	assert.Equal(t, "10.0.0.2:5760", Endpoint{RemoteAddress: "10.0.0.2", RemotePort: 5760}.Remote())
	assert.Equal(t, "[::1]:5760", Endpoint{RemoteAddress: "::1", RemotePort: 5760}.Remote())
	assert.Nil(t, Endpoint{}.local())
}

// chokedConn accepts at most max bytes per Write and can fail after a
// given number of bytes.
type chokedConn struct {
	mu        sync.Mutex
	max       int
	failAfter int
	writes    int
	got       []byte
	closed    bool
}

func (c *chokedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	n := len(p)
	if n > c.max {
		n = c.max
	}
	if c.failAfter > 0 && len(c.got)+n > c.failAfter {
		n = c.failAfter - len(c.got)
		c.got = append(c.got, p[:n]...)
		return n, syscall.EPIPE
	}
	c.got = append(c.got, p[:n]...)
	return n, nil
}

func (c *chokedConn) Read([]byte) (int, error) { return 0, io.EOF }
func (c *chokedConn) SetReadDeadline(time.Time) error { return nil }
func (c *chokedConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *chokedConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5760} }

func (c *chokedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *chokedConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.got...)
}

func dialSequence(conns ...*chokedConn) func(context.Context) (streamConn, error) {
	var mu sync.Mutex
	return func(context.Context) (streamConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, syscall.ECONNREFUSED
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
}

func TestSendContinuesShortWrites(t *testing.T) {
	c := &chokedConn{max: 3}
	tr := NewTCP(Endpoint{RemoteAddress: "127.0.0.1", RemotePort: 5760}, Options{})
	tr.dialFn = dialSequence(c)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	frame := []byte{0xfd, 0x09, 0x00, 0x00, 0x07, 0x01, 0x01, 0x00, 0x00, 0x00, 0x04}
	require.NoError(t, tr.Send(frame))
	assert.Equal(t, frame, c.written())
	assert.Equal(t, 4, c.writes)
}

func TestSendFailsMidFrameThenReconnects(t *testing.T) {
	broken := &chokedConn{max: 4, failAfter: 6}
	fresh := &chokedConn{max: 64}
	tr := NewTCP(Endpoint{RemoteAddress: "127.0.0.1", RemotePort: 5760}, Options{ReconnectDelay: time.Millisecond})
	tr.dialFn = dialSequence(broken, fresh)
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()

	frame := bytes.Repeat([]byte{0xAB}, 10)
	err := tr.Send(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EPIPE)
	assert.Contains(t, err.Error(), "after 6/10 bytes")

	require.NoError(t, tr.Send(frame))
	assert.Equal(t, frame, fresh.written())
	assert.True(t, broken.closed, "the broken connection is released on reconnect")

	// no connection left to dial
	tr.markUnhealthy(tr.gen)
	assert.ErrorIs(t, tr.Send(frame), syscall.ECONNREFUSED)
}
