package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // #nosec G501 -- EVP_BytesToKey compatibility, not used for integrity
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// OpenSSL "enc" envelope as written by CryptoJS.AES.encrypt(text, passphrase):
// base64("Salted__" || salt[8] || AES-256-CBC(PKCS#7)).
const (
	openSSLMagic    = "Salted__"
	openSSLSaltSize = 8
	openSSLKeySize  = 32
)

// base64 of the magic without its last partial group.
var openSSLPrefix = base64.StdEncoding.EncodeToString([]byte(openSSLMagic))[:10]

var errBadPadding = errors.New("invalid PKCS#7 padding")

func looksOpenSSL(s string) bool {
	return strings.HasPrefix(s, openSSLPrefix)
}

func sealOpenSSL(r io.Reader, plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, openSSLSaltSize)
	if _, err := io.ReadFull(r, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	key, iv := evpBytesToKey([]byte(passphrase), salt, openSSLKeySize, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, len(openSSLMagic)+len(salt)+len(ct))
	out = append(out, openSSLMagic...)
	out = append(out, salt...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func openOpenSSL(s, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	header := len(openSSLMagic) + openSSLSaltSize
	if len(raw) < header+aes.BlockSize || (len(raw)-header)%aes.BlockSize != 0 {
		return nil, errors.New("openssl envelope has invalid length")
	}
	if !bytes.Equal(raw[:len(openSSLMagic)], []byte(openSSLMagic)) {
		return nil, errNotEnvelope
	}
	salt := raw[len(openSSLMagic):header]
	key, iv := evpBytesToKey([]byte(passphrase), salt, openSSLKeySize, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(raw)-header)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, raw[header:])
	return pkcs7Unpad(pt, aes.BlockSize)
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and one iteration.
func evpBytesToKey(pass, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var out, prev []byte
	for len(out) < keyLen+ivLen {
		h := md5.New() // #nosec G401
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen], out[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
