package henry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPort        = "3000"
	DefaultDialTimeout = 10 * time.Second
)

var ErrClosed = errors.New("connection closed")

// Exchanger sends one packet and returns the reply frame.
type Exchanger interface {
	Exchange(ctx context.Context, packet []byte) (Frame, error)
}

// Conn owns a device socket. A single goroutine reads frames, replies go
// to the pending exchange and everything else to the unsolicited handler.
type Conn struct {
	conn net.Conn

	// Serializes exchanges, only one request can be in flight
	mu      sync.Mutex
	pending atomic.Bool
	replies chan reply

	unsolicited func(Frame)

	done     chan struct{}
	closeErr error
	once     sync.Once
}

func NewConn(conn net.Conn, unsolicited func(Frame)) *Conn {
	if unsolicited == nil {
		unsolicited = func(f Frame) {
			log.Debug().Str("remote", conn.RemoteAddr().String()).Int("size", len(f.Payload)).Msg("Dropping unsolicited frame")
		}
	}

	c := &Conn{
		conn:        conn,
		replies:     make(chan reply, 1),
		unsolicited: unsolicited,
		done:        make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Dial connects to a device that accepts inbound connections.
func Dial(ctx context.Context, addr string, unsolicited func(Frame)) (*Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	return NewConn(conn, unsolicited), nil
}

type reply struct {
	frame Frame
	err   error
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil && (!errors.Is(err, ErrInvalidFrame) || errors.Is(err, errUnaligned)) {
			c.closeWith(err)
			return
		}

		if !c.pending.Load() {
			if err != nil {
				log.Warn().Err(err).Str("remote", c.RemoteAddr()).Msg("Discarding invalid frame")
				continue
			}
			c.unsolicited(frame)
			continue
		}

		select {
		case c.replies <- reply{frame, err}:
		default:
			log.Warn().Str("remote", c.RemoteAddr()).Msg("Reply already queued, dropping frame")
		}
	}
}

func (c *Conn) closeWith(err error) {
	c.once.Do(func() {
		c.closeErr = err
		c.conn.Close()
		close(c.done)
	})
}

func (c *Conn) Exchange(ctx context.Context, packet []byte) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return Frame{}, fmt.Errorf("%w: %v", ErrClosed, c.closeErr)
	default:
	}

	// Discard anything that arrived before this request
	for len(c.replies) > 0 {
		<-c.replies
	}

	c.pending.Store(true)
	defer c.pending.Store(false)

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.conn.Write(packet); err != nil {
		c.closeWith(err)
		return Frame{}, fmt.Errorf("writing packet: %w", err)
	}

	select {
	case r := <-c.replies:
		return r.frame, r.err
	case <-c.done:
		return Frame{}, fmt.Errorf("%w: %v", ErrClosed, c.closeErr)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// RemoteIP is the address without the port, devices are keyed by it.
func (c *Conn) RemoteIP() string {
	addr := c.conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}
