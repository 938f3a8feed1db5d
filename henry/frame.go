package henry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Packet layout:
// [start][size:2 little endian][payload][checksum][end]
// The checksum is the xor of the size bytes and the payload.

const (
	startByte byte = 0x02
	endByte   byte = 0x03

	headerSize  = 3
	trailerSize = 2
)

var (
	ErrInvalidFrame = errors.New("invalid frame")

	// errUnaligned means the stream position is lost and the connection is unusable
	errUnaligned = fmt.Errorf("%w: bad start byte", ErrInvalidFrame)
)

type Frame struct {
	Payload    []byte
	ChecksumOK bool
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}

	return sum
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	buf := make([]byte, 0, headerSize+len(payload)+trailerSize)
	buf = append(buf, startByte)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, checksum(buf[1:]), endByte)

	return buf, nil
}

// DecodeFrame validates a complete packet and returns its payload.
func DecodeFrame(packet []byte) (Frame, error) {
	if len(packet) < headerSize+trailerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is too short", ErrInvalidFrame, len(packet))
	}

	if packet[0] != startByte {
		return Frame{}, fmt.Errorf("%w: bad start byte 0x%02x", ErrInvalidFrame, packet[0])
	}

	if packet[len(packet)-1] != endByte {
		return Frame{}, fmt.Errorf("%w: bad end byte 0x%02x", ErrInvalidFrame, packet[len(packet)-1])
	}

	size := int(binary.LittleEndian.Uint16(packet[1:3]))
	payload := packet[headerSize : len(packet)-trailerSize]
	if len(payload) != size {
		return Frame{}, fmt.Errorf("%w: payload size mismatch, expected %d got %d", ErrInvalidFrame, size, len(payload))
	}

	received := packet[len(packet)-2]
	calculated := checksum(packet[1 : len(packet)-2])
	if received != calculated {
		log.Warn().Uint8("received", received).Uint8("calculated", calculated).Msg("Checksum mismatch, continuing")
	}

	return Frame{Payload: append([]byte(nil), payload...), ChecksumOK: received == calculated}, nil
}

// ReadFrame reads exactly one packet from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}

	if header[0] != startByte {
		return Frame{}, fmt.Errorf("%w 0x%02x", errUnaligned, header[0])
	}

	size := int(binary.LittleEndian.Uint16(header[1:3]))
	packet := make([]byte, headerSize+size+trailerSize)
	copy(packet, header)
	if _, err := io.ReadFull(r, packet[headerSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("connection lost while reading frame: %w", err)
	}

	return DecodeFrame(packet)
}
