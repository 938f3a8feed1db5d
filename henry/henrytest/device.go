// Package henrytest provides a scriptable time clock for exercising the
// protocol without hardware.
package henrytest

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"henrycloud/henry"
)

const (
	statusRejected = "010"
	statusUnknown  = "001"
)

type Device struct {
	User     string
	Password string

	// Number of RA requests answered with an expired session before a key is sent
	ExpireSessions int

	// Command data returned for authenticated commands, keyed by command
	Replies map[string]string

	key *rsa.PrivateKey

	mu         sync.Mutex
	writeMu    sync.Mutex
	conn       net.Conn
	sessionKey []byte
	received   []henry.Message
	delay      time.Duration
}

func NewDevice(user, password string) (*Device, error) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}

	return &Device{
		User:     user,
		Password: password,
		Replies: map[string]string{
			henry.CommandReadCounts: "1]100]2]50",
			henry.CommandReadConfig: "1]IP]192.168.1.200",
		},
		key: key,
	}, nil
}

// Received returns every message the device decoded, in order.
func (d *Device) Received() []henry.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]henry.Message(nil), d.received...)
}

// SetDelay holds every following reply back by d, like a slow clock.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.delay = delay
}

// Expire drops the session key, later encrypted requests will fail to decode.
func (d *Device) Expire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sessionKey = nil
}

func (d *Device) write(conn net.Conn, payload []byte) error {
	packet, err := henry.EncodeFrame(payload)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err = conn.Write(packet)
	return err
}

// Push sends an unsolicited message on the connection being served. It is
// sealed with the session key once a session exists.
func (d *Device) Push(msg henry.Message) error {
	d.mu.Lock()
	conn := d.conn
	key := d.sessionKey
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not serving a connection")
	}

	payload, err := henry.SealMessage(key, msg)
	if err != nil {
		return err
	}

	return d.write(conn, payload)
}

// Serve answers requests on conn until it is closed.
func (d *Device) Serve(conn net.Conn) error {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	for {
		frame, err := henry.ReadFrame(conn)
		if err != nil {
			return err
		}

		d.mu.Lock()
		key := d.sessionKey
		d.mu.Unlock()

		msg, err := henry.OpenMessage(key, frame.Payload)
		if err != nil {
			msg = henry.Message{Index: "00", Command: "??"}
		}

		d.mu.Lock()
		d.received = append(d.received, msg)
		d.mu.Unlock()

		reply, replyKey := d.handle(msg, key, err != nil)

		d.mu.Lock()
		delay := d.delay
		d.mu.Unlock()
		time.Sleep(delay)

		payload, err := henry.SealMessage(replyKey, reply)
		if err != nil {
			return err
		}

		if err := d.write(conn, payload); err != nil {
			return err
		}
	}
}

func (d *Device) handle(msg henry.Message, key []byte, undecodable bool) (henry.Message, []byte) {
	reply := henry.Message{Index: msg.Index, Command: msg.Command, Status: henry.StatusSuccess}
	expired := henry.Message{Index: "00", Command: "??", Status: henry.StatusSessionExpired}

	if undecodable {
		return expired, nil
	}

	switch msg.Command {
	case henry.CommandRequestKey:
		d.mu.Lock()
		d.sessionKey = nil
		expire := d.ExpireSessions > 0
		if expire {
			d.ExpireSessions--
		}
		d.mu.Unlock()

		if expire {
			reply.Status = henry.StatusSessionExpired
			return reply, nil
		}

		reply.Data = henry.EncodePublicKey(&d.key.PublicKey)
		return reply, nil

	case henry.CommandSendAuth:
		credentials, err := henry.DecryptCredentials(d.key, msg.Data)
		if err != nil || credentials.User != d.User || credentials.Password != d.Password {
			reply.Status = statusRejected
			reply.Data = "invalid credentials"
			return reply, nil
		}

		d.mu.Lock()
		d.sessionKey = credentials.SessionKey
		d.mu.Unlock()

		return reply, nil
	}

	if key == nil {
		return expired, nil
	}

	data, ok := d.Replies[msg.Command]
	if !ok {
		reply.Status = statusUnknown
		return reply, key
	}

	reply.Data = data
	return reply, key
}
