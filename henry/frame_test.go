package henry

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeFrame(t *testing.T) {
	packet, err := EncodeFrame([]byte("AB"))
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{0x02, 0x02, 0x00, 'A', 'B', 0x01, 0x03}
	if !bytes.Equal(packet, want) {
		t.Fatalf("got % x, want % x", packet, want)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, 0x10000)); err == nil {
		t.Fatal("expected an error for an oversized payload")
	}
}

func TestReadFrame(t *testing.T) {
	first, _ := EncodeFrame([]byte("01+RQ+000+1]2"))
	second, _ := EncodeFrame([]byte("02+RC+000"))
	r := bytes.NewReader(append(first, second...))

	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Payload) != "01+RQ+000+1]2" || !frame.ChecksumOK {
		t.Fatalf("unexpected first frame %+v", frame)
	}

	frame, err = ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Payload) != "02+RC+000" {
		t.Fatalf("unexpected second frame %q", frame.Payload)
	}

	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadFrameBadStart(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x05, 0x00, 0x00, 0x00, 0x03}))
	if !errors.Is(err, ErrInvalidFrame) || !errors.Is(err, errUnaligned) {
		t.Fatalf("expected unaligned frame error, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	packet, _ := EncodeFrame([]byte("01+RQ+000"))
	_, err := ReadFrame(bytes.NewReader(packet[:len(packet)-3]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	packet, _ := EncodeFrame([]byte("01+RQ+000"))

	t.Run("bad end byte", func(t *testing.T) {
		bad := append([]byte(nil), packet...)
		bad[len(bad)-1] = 0x04
		if _, err := DecodeFrame(bad); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("expected invalid frame, got %v", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		bad := append([]byte(nil), packet...)
		bad[1] = 0x20
		if _, err := DecodeFrame(bad); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("expected invalid frame, got %v", err)
		}
	})

	t.Run("checksum mismatch is tolerated", func(t *testing.T) {
		bad := append([]byte(nil), packet...)
		bad[len(bad)-2] ^= 0xff
		frame, err := DecodeFrame(bad)
		if err != nil {
			t.Fatal(err)
		}
		if frame.ChecksumOK {
			t.Fatal("checksum should be reported as mismatched")
		}
		if string(frame.Payload) != "01+RQ+000" {
			t.Fatalf("unexpected payload %q", frame.Payload)
		}
	})
}
