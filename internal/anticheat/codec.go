// Package anticheat implements the encrypted side channel: a per-connection
// handshake, an authenticated frame codec, and the violation-report protocol.
//
// The frame layout (ciphertext ‖ iv ‖ mac, with the MAC covering the
// ciphertext only) and the XOR-chain key derivation are wire-compatibility
// requirements with the deployed client and must not be altered.
package anticheat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// SeedLength is the size of the client-supplied key seed.
	SeedLength = 16
	// SigningKeyLength is the size of the derived per-connection signing key.
	SigningKeyLength = 16

	ivLength  = aes.BlockSize
	macLength = sha256.Size
)

// ErrBadSeed is returned when the handshake seed has the wrong length.
var ErrBadSeed = errors.New("seed must be exactly 16 bytes")

// DeriveSigningKey derives the per-connection frame signing key from the
// client seed by chained XOR: key[0]=seed[0], key[i]=seed[i]^key[i-1].
//
// Precondition: seed must be exactly SeedLength bytes.
// Postcondition: Returns a SigningKeyLength-byte key or ErrBadSeed.
func DeriveSigningKey(seed []byte) ([]byte, error) {
	if len(seed) != SeedLength {
		return nil, ErrBadSeed
	}
	key := make([]byte, SigningKeyLength)
	key[0] = seed[0]
	for i := 1; i < SeedLength; i++ {
		key[i] = seed[i] ^ key[i-1]
	}
	return key, nil
}

// Codec authenticates and encrypts frames for one connection. The block
// cipher key is the globally fixed pre-shared key; only the signing key is
// per-connection.
type Codec struct {
	block      cipher.Block
	signingKey []byte
}

// NewCodec creates a frame codec for the given pre-shared cipher key and
// per-connection signing key.
//
// Precondition: presharedKey must be a valid AES key (32 bytes);
// signingKey must be SigningKeyLength bytes.
func NewCodec(presharedKey, signingKey []byte) (*Codec, error) {
	if len(signingKey) != SigningKeyLength {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", SigningKeyLength, len(signingKey))
	}
	block, err := aes.NewCipher(presharedKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Codec{block: block, signingKey: append([]byte(nil), signingKey...)}, nil
}

// Seal encrypts and authenticates one outbound frame.
//
// Postcondition: Returns ciphertext ‖ iv(16) ‖ mac(32) with a fresh random
// IV, or an error if randomness is unavailable.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(ciphertext)

	frame := make([]byte, 0, len(ciphertext)+ivLength+macLength)
	frame = append(frame, ciphertext...)
	frame = append(frame, iv...)
	frame = mac.Sum(frame)
	return frame, nil
}

// Open authenticates and decrypts one inbound frame. The MAC is checked with
// a constant-time comparison before any decryption. All failures — short
// frame, MAC mismatch, bad padding — yield the same (nil, false) result so a
// peer cannot distinguish why a frame was rejected.
//
// Postcondition: Returns (plaintext, true) only for a well-formed frame
// whose MAC verifies under the connection's signing key.
func (c *Codec) Open(frame []byte) ([]byte, bool) {
	if len(frame) < ivLength+macLength+aes.BlockSize {
		return nil, false
	}

	ctLen := len(frame) - ivLength - macLength
	if ctLen%aes.BlockSize != 0 {
		return nil, false
	}
	ciphertext := frame[:ctLen]
	iv := frame[ctLen : ctLen+ivLength]
	tag := frame[ctLen+ivLength:]

	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(ciphertext)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, false
	}

	padded := make([]byte, ctLen)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, aes.BlockSize)
	if !ok {
		return nil, false
	}
	return plaintext, true
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padding := int(data[len(data)-1])
	if padding < 1 || padding > blockSize || padding > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, false
		}
	}
	return data[:len(data)-padding], true
}
