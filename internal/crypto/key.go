package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

const (
	// DefaultSalt is a public build-time constant, not a secret.
	DefaultSalt = "OPENLY_SECURE_SALT_V1"
	// PairSeparator joins the sorted user ids.
	PairSeparator = "_"
	KeyBytes      = sha256.Size
)

// Key is a derived conversation key.
type Key [KeyBytes]byte

// String returns the lowercase hex digest. CryptoJS used this string as
// its AES passphrase.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// DeriveKey returns the key shared by a and b. Argument order does not matter.
func DeriveKey(a, b string) Key {
	return DeriveKeyWithSalt(a, b, DefaultSalt)
}

// DeriveKeyWithSalt is DeriveKey with an explicit salt.
func DeriveKeyWithSalt(a, b, salt string) Key {
	ids := []string{a, b}
	sort.Strings(ids)
	return Key(sha256.Sum256([]byte(ids[0] + PairSeparator + ids[1] + salt)))
}
