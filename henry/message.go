package henry

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

const (
	CommandRequestKey = "RA"
	CommandSendAuth   = "EA"
	CommandReadConfig = "RC"
	CommandReadCounts = "RQ"

	StatusOK             = "00"
	StatusSuccess        = "000"
	StatusAuthenticated  = "07"
	StatusSessionExpired = "005"

	unknownField = "??"
)

// Message is the plaintext payload: index+command+status[+data]
type Message struct {
	Index   string `json:"index"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Data    string `json:"data"`
}

func (m Message) String() string {
	s := m.Index + "+" + m.Command + "+" + m.Status
	if m.Data != "" {
		s += "+" + m.Data
	}

	return s
}

func (m Message) Bytes() []byte {
	return []byte(m.String())
}

// Succeeded reports whether the device answered with one of the generic success codes.
func (m Message) Succeeded() bool {
	return m.Status == StatusOK || m.Status == StatusSuccess
}

func ParseMessage(payload []byte) Message {
	payload = bytes.TrimRight(payload, "\x00")
	s := strings.ToValidUTF8(string(payload), "")

	msg := Message{Index: unknownField, Command: unknownField, Status: unknownField}
	parts := strings.Split(s, "+")
	if len(parts) < 3 {
		log.Warn().Strs("parts", parts).Msg("Malformed payload received")
	}

	if len(parts) > 0 {
		msg.Index = parts[0]
	}
	if len(parts) > 1 {
		msg.Command = parts[1]
	}
	if len(parts) > 2 {
		msg.Status = parts[2]
	}
	if len(parts) > 3 {
		msg.Data = strings.Join(parts[3:], "+")
	}

	return msg
}

// peekCommand returns the command field when the payload reads as plaintext.
func peekCommand(payload []byte) (string, bool) {
	if !utf8.Valid(payload) {
		return "", false
	}

	parts := strings.Split(string(payload), "+")
	if len(parts) < 2 {
		return "", false
	}

	return parts[1], true
}

func isHandshake(command string) bool {
	return command == CommandRequestKey || command == CommandSendAuth
}
