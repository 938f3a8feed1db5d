package henry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const sessionKeySize = 16

var ErrKeyOutOfSync = errors.New("aes session key out of sync")

func newSessionKey(r io.Reader) ([]byte, error) {
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return key, nil
}

// Seal encrypts a payload with AES-CBC under a fresh IV. The plaintext is
// zero padded, a full block still gets a whole block of padding.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return out, nil
}

// Open reverses Seal, the zero padding is left in place.
func Open(key []byte, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	if len(payload) < 2*aes.BlockSize || len(payload)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: encrypted payload of %d bytes", ErrKeyOutOfSync, len(payload))
	}

	iv := payload[:aes.BlockSize]
	plaintext := make([]byte, len(payload)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, payload[aes.BlockSize:])

	return plaintext, nil
}

// OpenMessage decodes a received payload. With a session key, everything
// except the plaintext handshake replies is decrypted first.
func OpenMessage(key []byte, payload []byte) (Message, error) {
	if key != nil {
		if command, ok := peekCommand(payload); !ok || !isHandshake(command) {
			plaintext, err := Open(key, payload)
			if err != nil {
				return Message{}, err
			}
			payload = plaintext
		}
	}

	return ParseMessage(payload), nil
}

// SealMessage encodes a message as a payload, encrypted when key is set.
func SealMessage(key []byte, msg Message) ([]byte, error) {
	if key == nil {
		return msg.Bytes(), nil
	}

	return Seal(key, msg.Bytes())
}

// ParsePublicKey reads the RA reply data: base64(modulus)]base64(exponent)
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	parts := strings.Split(strings.TrimSpace(data), "]")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed public key data: %q", data)
	}

	modulus, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}

	exponent, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 2 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported public exponent %s", e)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}

// EncodePublicKey is the inverse of ParsePublicKey.
func EncodePublicKey(pub *rsa.PublicKey) string {
	e := big.NewInt(int64(pub.E))

	return base64.StdEncoding.EncodeToString(pub.N.Bytes()) + "]" + base64.StdEncoding.EncodeToString(e.Bytes())
}

func credentialsString(user, password string, sessionKey []byte) string {
	return fmt.Sprintf("1]%s]%s]%s", user, password, base64.StdEncoding.EncodeToString(sessionKey))
}

func encryptCredentials(pub *rsa.PublicKey, user, password string, sessionKey []byte) (string, error) {
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(credentialsString(user, password, sessionKey)))
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Credentials is what the device recovers from an EA request.
type Credentials struct {
	User       string
	Password   string
	SessionKey []byte
}

// DecryptCredentials is the device side of the EA step.
func DecryptCredentials(priv *rsa.PrivateKey, data string) (Credentials, error) {
	encrypted, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Credentials{}, err
	}

	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, priv, encrypted)
	if err != nil {
		return Credentials{}, err
	}

	parts := strings.Split(string(plaintext), "]")
	if len(parts) != 4 {
		return Credentials{}, fmt.Errorf("malformed credentials: %d fields", len(parts))
	}

	key, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{User: parts[1], Password: parts[2], SessionKey: key}, nil
}
