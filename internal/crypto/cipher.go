package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

// Format selects the envelope Encrypt writes. Decrypt reads both.
type Format int

const (
	FormatSealed Format = iota
	FormatOpenSSL
)

const sealedPrefix = "v1:"

var (
	errNotEnvelope = errors.New("not an encrypted envelope")
	errShortSealed = errors.New("sealed envelope too short")
)

func (f Format) String() string {
	switch f {
	case FormatSealed:
		return "sealed"
	case FormatOpenSSL:
		return "openssl"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a config value to a Format. Empty selects FormatSealed.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sealed", "v1":
		return FormatSealed, nil
	case "openssl", "legacy", "cryptojs":
		return FormatOpenSSL, nil
	default:
		return 0, fmt.Errorf("unknown cipher format %q", s)
	}
}

// Cipher encrypts and decrypts message text under a conversation key.
// It is safe for concurrent use.
type Cipher struct {
	format    Format
	rand      io.Reader
	log       *logrus.Entry
	fallbacks atomic.Uint64
}

type Option func(*Cipher)

func WithFormat(f Format) Option { return func(c *Cipher) { c.format = f } }

// WithRand replaces the nonce/salt source.
func WithRand(r io.Reader) Option { return func(c *Cipher) { c.rand = r } }

func WithLogger(l *logrus.Entry) Option { return func(c *Cipher) { c.log = l } }

func NewCipher(opts ...Option) *Cipher {
	c := &Cipher{
		format: FormatSealed,
		rand:   rand.Reader,
		log:    logrus.WithField("component", "crypto"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Format reports the envelope written by Encrypt.
func (c *Cipher) Format() Format { return c.format }

// Fallbacks counts Encrypt calls that returned plaintext because the
// primitive failed.
func (c *Cipher) Fallbacks() uint64 { return c.fallbacks.Load() }

// Encrypt seals plaintext under key. If sealing fails the plaintext is
// returned unchanged so the send can still go out. The empty string
// encrypts to itself.
func (c *Cipher) Encrypt(plaintext string, key Key) string {
	if plaintext == "" {
		return ""
	}

	var (
		out string
		err error
	)
	switch c.format {
	case FormatOpenSSL:
		out, err = sealOpenSSL(c.rand, []byte(plaintext), key.String())
	default:
		out, err = sealV1(c.rand, []byte(plaintext), key)
	}
	if err != nil {
		c.fallbacks.Add(1)
		c.log.WithError(err).WithFields(logrus.Fields{
			"degraded": true,
			"format":   c.format.String(),
		}).Error("Encryption failed, sending plaintext")
		return plaintext
	}
	return out
}

// Decrypt opens ciphertext under key. Input that is not an envelope,
// does not authenticate, or opens to nothing is returned unchanged. Legacy
// envelopes carry no authenticator, so their output must also be valid
// UTF-8; sealed envelopes return exactly the bytes that were encrypted.
func (c *Cipher) Decrypt(ciphertext string, key Key) string {
	pt, err := open(ciphertext, key)
	if err != nil {
		if !errors.Is(err, errNotEnvelope) {
			c.log.WithError(err).Debug("Decryption failed, keeping raw text")
		}
		return ciphertext
	}
	if len(pt) == 0 {
		return ciphertext
	}
	if !strings.HasPrefix(ciphertext, sealedPrefix) && !utf8.Valid(pt) {
		return ciphertext
	}
	return string(pt)
}

// IsEnvelope reports whether s looks like output of Encrypt.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, sealedPrefix) || looksOpenSSL(s)
}

func open(s string, key Key) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, sealedPrefix):
		return openV1(s, key)
	case looksOpenSSL(s):
		return openOpenSSL(s, key.String())
	default:
		return nil, errNotEnvelope
	}
}

func sealV1(r io.Reader, plaintext []byte, key Key) (string, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(r, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(sealedPrefix))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func openV1(s string, key Key) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, sealedPrefix))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, errShortSealed
	}
	ns := aead.NonceSize()
	return aead.Open(nil, raw[:ns], raw[ns:], []byte(sealedPrefix))
}
