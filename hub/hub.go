package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"henrycloud/device"
	"henrycloud/henry"
	"henrycloud/metrics"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrOffline    = errors.New("device is not connected")
	ErrAuthFailed = errors.New("authentication with device failed")
)

const (
	pushQueueSize = 16

	minDialBackoff = time.Second
	maxDialBackoff = time.Minute
)

type Config struct {
	// Bounds every exchange with a device, a handshake is several of them
	CommandTimeout time.Duration
	SessionTTL     time.Duration
}

// link is one open device connection.
type link struct {
	// Address as seen when connecting, fixed before the reader starts
	remote string

	ip     string
	conn   *henry.Conn
	frames chan henry.Frame

	// Held for a whole authenticate and send sequence
	mu sync.Mutex
}

func newLink(remote string) *link {
	return &link{remote: remote, frames: make(chan henry.Frame, pushQueueSize)}
}

// enqueue runs on the connection reader, it must never block.
func (l *link) enqueue(f henry.Frame) {
	select {
	case l.frames <- f:
	default:
		log.Warn().Str("remote", l.remote).Msg("Push queue full, dropping frame")
	}
}

// session is an authenticated protocol client bound to a connection.
type session struct {
	conn        *henry.Conn
	client      *henry.Client
	credentials device.Credentials
}

// Hub keeps track of the connected time clocks, keyed by remote IP.
type Hub struct {
	config Config

	mu    sync.RWMutex
	links map[string]*link

	sessions  *ttlcache.Cache[string, *session]
	observers []device.Observer
}

func New(config Config) *Hub {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = henry.DefaultDialTimeout
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 5 * time.Minute
	}

	h := &Hub{
		config: config,
		links:  make(map[string]*link),
		sessions: ttlcache.New(
			ttlcache.WithTTL[string, *session](config.SessionTTL),
		),
	}

	go h.sessions.Start()

	return h
}

// AddObserver must be called before the hub starts accepting devices.
func (h *Hub) AddObserver(o device.Observer) {
	h.observers = append(h.observers, o)
}

func (h *Hub) notify(event device.Event) {
	for _, o := range h.observers {
		o.Notify(event)
	}
}

func (h *Hub) add(l *link) {
	l.ip = l.conn.RemoteIP()

	h.mu.Lock()
	old := h.links[l.ip]
	h.links[l.ip] = l
	count := len(h.links)
	h.mu.Unlock()

	h.sessions.Delete(l.ip)
	metrics.DevicesConnected.Set(float64(count))

	if old != nil {
		log.Info().Str("ip", l.ip).Msg("Device reconnected, closing previous connection")
		old.conn.Close()
	}

	log.Info().Str("ip", l.ip).Str("remote", l.conn.RemoteAddr()).Msg("Device connected")
	h.notify(device.NewEvent(device.EventConnected, l.ip, nil))

	go h.pushes(l)
	go h.watch(l)
}

func (h *Hub) watch(l *link) {
	<-l.conn.Done()

	h.mu.Lock()
	current := h.links[l.ip] == l
	if current {
		delete(h.links, l.ip)
	}
	count := len(h.links)
	h.mu.Unlock()

	if !current {
		return
	}

	h.sessions.Delete(l.ip)
	metrics.DevicesConnected.Set(float64(count))

	log.Info().Str("ip", l.ip).AnErr("reason", l.conn.Err()).Msg("Device disconnected")
	h.notify(device.NewEvent(device.EventDisconnected, l.ip, nil))
}

// pushes decodes frames the device sent on its own, punch records for example.
func (h *Hub) pushes(l *link) {
	for {
		select {
		case f := <-l.frames:
			metrics.UnsolicitedFrames.Inc()

			msg, err := h.open(l, f.Payload)
			if err != nil {
				log.Warn().Err(err).Str("ip", l.ip).Msg("Failed to decode pushed frame")
				continue
			}

			log.Debug().Str("ip", l.ip).Str("command", msg.Command).Msg("Received push")
			h.notify(device.NewEvent(device.EventMessage, l.ip, &msg))

		case <-l.conn.Done():
			return
		}
	}
}

func (h *Hub) open(l *link, payload []byte) (henry.Message, error) {
	if item := h.sessions.Get(l.ip); item != nil && item.Value().conn == l.conn {
		return item.Value().client.Open(payload)
	}

	return henry.OpenMessage(nil, payload)
}

// Serve accepts device connections until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("Waiting for time clocks")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			return err
		}

		l := newLink(conn.RemoteAddr().String())
		l.conn = henry.NewConn(conn, l.enqueue)
		h.add(l)
	}
}

func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return h.Serve(ctx, listener)
}

// Dial keeps an outbound connection to a device open until ctx is cancelled.
func (h *Hub) Dial(ctx context.Context, addr string) {
	backoff := minDialBackoff

	for {
		l := newLink(addr)
		conn, err := henry.Dial(ctx, addr, l.enqueue)
		if err == nil {
			l.conn = conn
			h.add(l)
			backoff = minDialBackoff

			select {
			case <-conn.Done():
			case <-ctx.Done():
				conn.Close()
				return
			}
		} else {
			log.Warn().Err(err).Str("addr", addr).Dur("retry", backoff).Msg("Failed to connect to device")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}
	}
}

func (h *Hub) link(ip string) *link {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.links[ip]
}

func (h *Hub) Online(ip string) bool {
	return ip != "" && h.link(ip) != nil
}

// Connected returns the IPs with an open connection.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	ips := make([]string, 0, len(h.links))
	for ip := range h.links {
		ips = append(ips, ip)
	}
	h.mu.RUnlock()

	sort.Strings(ips)

	return ips
}

func (h *Hub) session(ctx context.Context, l *link, credentials device.Credentials) (*session, bool, error) {
	if item := h.sessions.Get(l.ip); item != nil {
		s := item.Value()
		if s.conn == l.conn && s.credentials == credentials && s.client.Authenticated() {
			return s, false, nil
		}
	}

	client := henry.NewClient(l.conn)
	client.Timeout = h.config.CommandTimeout

	s := &session{conn: l.conn, client: client, credentials: credentials}
	err := s.client.Authenticate(ctx, credentials.User, credentials.Password)
	metrics.Authentications.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		h.sessions.Delete(l.ip)
		if errors.Is(err, henry.ErrClosed) {
			return nil, false, fmt.Errorf("%w: %w", ErrOffline, err)
		}
		return nil, false, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	h.sessions.Set(l.ip, s, ttlcache.DefaultTTL)

	return s, true, nil
}

func sessionLost(reply henry.Message, err error) bool {
	if err != nil {
		return errors.Is(err, henry.ErrKeyOutOfSync) ||
			errors.Is(err, henry.ErrNotAuthenticated) ||
			errors.Is(err, henry.ErrInvalidFrame)
	}

	return reply.Status == henry.StatusSessionExpired
}

// Execute authenticates against the device when needed and sends the command.
// A cached session that turns out to be stale is renewed once.
func (h *Hub) Execute(ctx context.Context, ip string, credentials device.Credentials, req henry.Request) (reply henry.Message, err error) {
	start := time.Now()
	defer func() {
		metrics.CommandDuration.Observe(time.Since(start).Seconds())
		metrics.Commands.WithLabelValues(req.Command, metrics.Result(err)).Inc()
	}()

	l := h.link(ip)
	if l == nil {
		return henry.Message{}, ErrOffline
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, fresh, err := h.session(ctx, l, credentials)
	if err != nil {
		return henry.Message{}, err
	}

	reply, err = s.client.Send(ctx, req)
	if !fresh && sessionLost(reply, err) {
		log.Info().Str("ip", ip).Msg("Device session expired, authenticating again")
		h.sessions.Delete(ip)

		s, _, err = h.session(ctx, l, credentials)
		if err != nil {
			return henry.Message{}, err
		}

		reply, err = s.client.Send(ctx, req)
	}

	if err != nil {
		h.sessions.Delete(ip)
		if errors.Is(err, henry.ErrClosed) {
			return henry.Message{}, fmt.Errorf("%w: %w", ErrOffline, err)
		}
		return henry.Message{}, err
	}

	return reply, nil
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	for _, l := range h.links {
		l.conn.Close()
	}
	h.mu.RUnlock()

	h.sessions.Stop()
}
