package henry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
)

const maxAuthAttempts = 3

var ErrNotAuthenticated = errors.New("authentication required for this command")

// StatusError is returned when the device rejects a handshake step.
type StatusError struct {
	Stage  string
	Status string
	Data   string
}

func (e *StatusError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s failed with status %s: %s", e.Stage, e.Status, e.Data)
	}
	return fmt.Sprintf("%s failed with status %s", e.Stage, e.Status)
}

type Request struct {
	Command string
	Status  string
	Data    string
}

// Client speaks the protocol over an established connection.
type Client struct {
	conn Exchanger

	// Timeout bounds every exchange on its own, zero leaves it to the caller
	Timeout time.Duration

	mu            sync.Mutex
	sessionKey    []byte
	authenticated bool
	counter       int
}

func NewClient(conn Exchanger) *Client {
	return &Client{conn: conn, counter: 1}
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authenticated
}

func (c *Client) reset() {
	c.sessionKey = nil
	c.authenticated = false
}

// exchange sends a message and decodes the reply with the current session key.
func (c *Client) exchange(ctx context.Context, msg Message, encrypt bool) (Message, error) {
	var key []byte
	if encrypt && c.authenticated {
		key = c.sessionKey
	}

	payload, err := SealMessage(key, msg)
	if err != nil {
		return Message{}, err
	}

	packet, err := EncodeFrame(payload)
	if err != nil {
		return Message{}, err
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	frame, err := c.conn.Exchange(ctx, packet)
	if err != nil {
		return Message{}, err
	}

	var replyKey []byte
	if c.authenticated {
		replyKey = c.sessionKey
	}

	reply, err := OpenMessage(replyKey, frame.Payload)
	if err != nil {
		return Message{}, err
	}

	if e := log.Debug(); e.Enabled() {
		e.Str("reply", pretty.Sprint(reply)).Msg("Decoded reply")
	}

	return reply, nil
}

// Authenticate runs the RA/EA handshake and establishes the AES session key.
func (c *Client) Authenticate(ctx context.Context, user, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset()

	var lastErr error
	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		log.Debug().Int("attempt", attempt).Msg("Sending RA")

		ra, err := c.exchange(ctx, Message{Index: "01", Command: CommandRequestKey, Status: StatusOK}, false)
		if err != nil {
			c.reset()
			return fmt.Errorf("requesting public key: %w", err)
		}

		if ra.Status == StatusSessionExpired {
			log.Info().Int("attempt", attempt).Msg("Previous authentication session expired, restarting")
			lastErr = &StatusError{Stage: CommandRequestKey, Status: ra.Status, Data: ra.Data}
			continue
		}

		if !ra.Succeeded() {
			return &StatusError{Stage: CommandRequestKey, Status: ra.Status, Data: ra.Data}
		}

		pub, err := ParsePublicKey(ra.Data)
		if err != nil {
			return err
		}

		key, err := newSessionKey(rand.Reader)
		if err != nil {
			return err
		}

		credentials, err := encryptCredentials(pub, user, password, key)
		if err != nil {
			return fmt.Errorf("encrypting credentials: %w", err)
		}

		log.Debug().Msg("Sending EA")
		ea, err := c.exchange(ctx, Message{Index: "01", Command: CommandSendAuth, Status: StatusOK, Data: credentials}, false)
		if err != nil {
			c.reset()
			return fmt.Errorf("sending credentials: %w", err)
		}

		if ea.Status != StatusAuthenticated && ea.Status != StatusSuccess {
			return &StatusError{Stage: CommandSendAuth, Status: ea.Status, Data: ea.Data}
		}

		c.sessionKey = key
		c.authenticated = true

		return nil
	}

	return fmt.Errorf("authentication failed after %d attempts: %w", maxAuthAttempts, lastErr)
}

// Open decodes a payload pushed by the device outside of an exchange.
func (c *Client) Open(payload []byte) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var key []byte
	if c.authenticated {
		key = c.sessionKey
	}

	return OpenMessage(key, payload)
}

func (c *Client) nextIndex() string {
	index := fmt.Sprintf("%02d", c.counter%100)
	c.counter++

	return index
}

// Send issues a command, encrypted when the session is authenticated.
func (c *Client) Send(ctx context.Context, req Request) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authenticated && !isHandshake(req.Command) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotAuthenticated, req.Command)
	}

	status := req.Status
	if status == "" {
		status = StatusOK
	}

	msg := Message{Index: c.nextIndex(), Command: req.Command, Status: status, Data: req.Data}
	reply, err := c.exchange(ctx, msg, true)
	if err != nil {
		if errors.Is(err, ErrKeyOutOfSync) {
			c.reset()
		}
		return Message{}, err
	}

	return reply, nil
}
