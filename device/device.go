package device

import (
	"strings"
	"time"

	"henrycloud/henry"

	"github.com/google/uuid"
)

// Serial is the device serial number (NS) printed on the time clock.
type Serial string

func ParseSerial(s string) Serial {
	return Serial(strings.TrimSpace(s))
}

func (s Serial) Valid() bool {
	return len(s) > 0 && !strings.ContainsAny(string(s), " \t\r\n")
}

func (s Serial) String() string {
	return string(s)
}

// Credentials used to authenticate against the time clock itself.
type Credentials struct {
	User     string `json:"user_relogio"`
	Password string `json:"pass_relogio"`
}

// Or returns c with empty fields taken from fallback.
func (c Credentials) Or(fallback Credentials) Credentials {
	if c.User == "" {
		c.User = fallback.User
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}

	return c
}

// Binding links a dashboard user to a physical device.
type Binding struct {
	UserID      string
	Serial      Serial
	IP          string
	Credentials Credentials
}

// Status is the record shown in the device list.
type Status struct {
	NS     Serial `json:"ns"`
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

type Event struct {
	ID      string         `json:"id"`
	Kind    EventKind      `json:"kind"`
	IP      string         `json:"ip"`
	Message *henry.Message `json:"message,omitempty"`
	Time    time.Time      `json:"time"`
}

func NewEvent(kind EventKind, ip string, msg *henry.Message) Event {
	return Event{ID: uuid.NewString(), Kind: kind, IP: ip, Message: msg, Time: time.Now()}
}

func (e Event) Online() bool {
	return e.Kind != EventDisconnected
}

type Observer interface {
	Notify(event Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(event Event)

func (f ObserverFunc) Notify(event Event) {
	f(event)
}
