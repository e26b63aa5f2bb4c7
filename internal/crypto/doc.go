// Package crypto derives per-conversation keys and seals message text.
//
// # Keys
//
// A conversation key is a pure function of the two participant ids:
//
//	SHA-256(min(a,b) + "_" + max(a,b) + DefaultSalt)
//
// Either participant can compute it without a key exchange and nothing is
// stored. Anyone who knows both ids and the salt can compute it too, so
// the scheme hides message text from casual inspection of traffic and
// storage; it is not end-to-end confidentiality. There is no rotation: a
// recycled user id decrypts old history under the new owner.
//
// # Envelopes
//
// Cipher writes "v1:" envelopes (XChaCha20-Poly1305, random nonce,
// base64url). It also reads, and can optionally write, the OpenSSL
// "Salted__" envelope produced by CryptoJS.AES with the hex key as
// passphrase, which is what the original web client stored.
//
// Decrypt never fails: anything it cannot open is returned unchanged.
// Encrypt falls back to the plaintext if the primitive errors, which is
// logged and counted (see Cipher.Fallbacks).
package crypto
