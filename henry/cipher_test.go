package henry

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

func TestSealPadding(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, sessionKeySize)

	for _, size := range []int{0, 5, 15, 16, 17, 32} {
		plaintext := bytes.Repeat([]byte{'a'}, size)
		sealed, err := Seal(key, plaintext)
		if err != nil {
			t.Fatal(err)
		}

		padded := size + 16 - size%16
		if len(sealed) != 16+padded {
			t.Errorf("size %d: sealed length %d, want %d", size, len(sealed), 16+padded)
		}

		opened, err := Open(key, sealed)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(bytes.TrimRight(opened, "\x00"), plaintext) {
			t.Errorf("size %d: got %q", size, opened)
		}
	}
}

func TestSealUsesFreshIV(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, sessionKeySize)
	a, _ := Seal(key, []byte("01+RQ+00"))
	b, _ := Seal(key, []byte("01+RQ+00"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same message should differ")
	}
}

func TestOpenRejectsBadLength(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, sessionKeySize)
	if _, err := Open(key, []byte("01+RQ+005")); !errors.Is(err, ErrKeyOutOfSync) {
		t.Fatalf("expected key out of sync, got %v", err)
	}
}

func TestOpenMessage(t *testing.T) {
	key := bytes.Repeat([]byte{0x44}, sessionKeySize)

	sealed, err := SealMessage(key, Message{Index: "02", Command: "RQ", Status: "000", Data: "7"})
	if err != nil {
		t.Fatal(err)
	}

	msg, err := OpenMessage(key, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if msg != (Message{Index: "02", Command: "RQ", Status: "000", Data: "7"}) {
		t.Fatalf("unexpected message %+v", msg)
	}

	// Handshake replies are never encrypted
	msg, err = OpenMessage(key, []byte("01+RA+005"))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != StatusSessionExpired {
		t.Fatalf("unexpected message %+v", msg)
	}

	msg, err = OpenMessage(nil, []byte("01+RQ+000+3"))
	if err != nil || msg.Data != "3" {
		t.Fatalf("unexpected plaintext decode %+v %v", msg, err)
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	pub, err := ParsePublicKey(EncodePublicKey(&priv.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(&priv.PublicKey) {
		t.Fatal("parsed key does not match")
	}

	if _, err := ParsePublicKey("onlymodulus"); err == nil {
		t.Fatal("expected an error for a key without exponent")
	}
}

func TestCredentials(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	key := bytes.Repeat([]byte{0x55}, sessionKeySize)
	data, err := encryptCredentials(&priv.PublicKey, "admin", "123", key)
	if err != nil {
		t.Fatal(err)
	}

	credentials, err := DecryptCredentials(priv, data)
	if err != nil {
		t.Fatal(err)
	}
	if credentials.User != "admin" || credentials.Password != "123" || !bytes.Equal(credentials.SessionKey, key) {
		t.Fatalf("unexpected credentials %+v", credentials)
	}

	if s := credentialsString("u", "p", []byte{0, 0, 0}); s != "1]u]p]AAAA" {
		t.Fatalf("unexpected credentials string %q", s)
	}
}
