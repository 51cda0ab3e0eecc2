package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/atomic"
)

// ErrClosed is returned by operations on a closed Conn.
var ErrClosed = errors.New("connection already closed")

// Conn is a message-oriented UDP endpoint. Delivery is unreliable and unordered;
// Conn adds no acknowledgement, retry or deduplication.
type Conn struct {
	conn    *net.UDPConn
	maxSize int
	closed  *atomic.Bool
}

// Listen binds an IPv4 UDP endpoint. Use port 0 for an ephemeral port.
func Listen(host string, port int) (*Conn, error) {
	var addr = net.JoinHostPort(host, fmt.Sprint(port))

	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Conn{
		conn:    conn,
		maxSize: MaxMessageSize,
		closed:  atomic.NewBool(false),
	}, nil
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() netip.AddrPort {
	var addr = c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Port returns the bound port.
func (c *Conn) Port() int {
	return int(c.LocalAddr().Port())
}

// Send encodes m and writes it as a single datagram to addr.
func (c *Conn) Send(m Message, addr netip.AddrPort) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var b = Marshal(m)
	if len(b) > c.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, describe(m), len(b))
	}

	if _, err := c.conn.WriteToUDPAddrPort(b, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", describe(m), addr, err)
	}
	return nil
}

// Receive blocks until one datagram arrives or ctx is done.
// A datagram that cannot be decoded yields an error wrapping ErrMalformed along
// with the sender, so the caller can keep reading.
func (c *Conn) Receive(ctx context.Context) (Message, netip.AddrPort, error) {
	if c.closed.Load() {
		return Message{}, netip.AddrPort{}, ErrClosed
	}

	// clear a deadline left behind by an earlier cancelled Receive
	_ = c.conn.SetReadDeadline(time.Time{})

	var stop = context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var buf = make([]byte, c.maxSize)
	n, from, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, netip.AddrPort{}, ctxErr
		}
		if c.closed.Load() {
			return Message{}, netip.AddrPort{}, ErrClosed
		}
		return Message{}, netip.AddrPort{}, fmt.Errorf("failed to read datagram: %w", err)
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	m, err := Unmarshal(buf[:n])
	if err != nil {
		return Message{}, from, err
	}
	return m, from, nil
}

// Close releases the socket and unblocks any pending Receive.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func describe(m Message) string {
	if m.IsRequest() {
		return m.Command
	}
	return "response " + m.Status.String()
}
