// Package cryptoprim implements the C1 crypto primitives: secp256k1 ECDH,
// XChaCha20-Poly1305 AEAD, EIP-191/ECDSA sign+recover, and AES-256-GCM for
// at-rest payloads (spec §4.1).
//
// Grounded on the teacher's internal/signer/session.go (go-ethereum's
// crypto package for ECDSA sign/recover and Keccak256, the 27/28 v-value
// normalization) generalized from EIP-712 order signing to EIP-191 message
// signing, and on original_source/src/crypto/{aes_gcm,error}.rs for the
// AES-GCM wire layout and error semantics.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rubin-infernode/node/internal/errs"
)

const (
	Hash32Len    = 32
	Address20Len = 20
	SecKey32Len  = 32
	AeadNonceLen = 24
	SigEcdsaLen  = 65
)

// Key32 is a 32-byte symmetric key, never formatted into log output.
type Key32 [32]byte

func (Key32) String() string { return "[redacted]" }

// GenerateKey creates a new secp256k1 private key, used by tests and by
// ephemeral key generation on the client side of the protocol.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PrivateKeyBytes returns the raw 32-byte scalar of priv.
func PrivateKeyBytes(priv *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSA(priv)
}

// parsePublicKey accepts both compressed (33-byte) and uncompressed
// (65-byte) secp256k1 public key encodings, per spec §4.1.
func parsePublicKey(pubBytes []byte) (*ecdsa.PublicKey, error) {
	switch len(pubBytes) {
	case 65:
		return crypto.UnmarshalPubkey(pubBytes)
	case 33:
		return crypto.DecompressPubkey(pubBytes)
	default:
		return nil, fmt.Errorf("public key must be 33 or 65 bytes, got %d", len(pubBytes))
	}
}

// DeriveSharedKey performs secp256k1 ECDH between the peer's ephemeral
// public key and this node's private key scalar, returning the raw
// X-coordinate of the shared point. No KDF is applied here: callers pass
// the result directly as an AEAD key, matching spec §4.1 ("KDF is the
// AEAD's responsibility"). Deterministic for a fixed (pub, priv) pair.
func DeriveSharedKey(ephPubBytes []byte, nodePriv32 []byte) (Key32, error) {
	const op = "cryptoprim.derive_shared_key"
	var zero Key32

	if len(nodePriv32) != SecKey32Len {
		return zero, errs.New(errs.KindInvalidKey, op, "node private key must be 32 bytes").
			WithContext("key_type", "node_private_key")
	}

	priv, err := crypto.ToECDSA(nodePriv32)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidKey, op, err).WithContext("key_type", "node_private_key")
	}

	pub, err := parsePublicKey(ephPubBytes)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidKey, op, err).WithContext("key_type", "ephemeral_public_key")
	}

	curve := crypto.S256()
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return zero, errs.New(errs.KindInvalidKey, op, "ephemeral public key is not on curve").
			WithContext("key_type", "ephemeral_public_key")
	}

	sx, sy := curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if sx.Sign() == 0 && sy.Sign() == 0 {
		return zero, errs.New(errs.KindKeyDerivationFailed, op, "ECDH result is the point at infinity")
	}

	var out Key32
	sx.FillBytes(out[:])
	return out, nil
}

// EncryptWithAEAD encrypts plain with XChaCha20-Poly1305 under key, using
// nonce24 and aad. The output is ciphertext||tag (tag is 16 bytes,
// appended by the AEAD).
func EncryptWithAEAD(plain, nonce24, aad []byte, key Key32) ([]byte, error) {
	const op = "cryptoprim.encrypt_with_aead"
	if len(nonce24) != AeadNonceLen {
		return nil, errs.New(errs.KindInvalidNonce, op, "nonce must be 24 bytes").
			WithContext("expected", AeadNonceLen).WithContext("actual", len(nonce24))
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	return aead.Seal(nil, nonce24, plain, aad), nil
}

// DecryptWithAEAD is the symmetric inverse of EncryptWithAEAD.
func DecryptWithAEAD(cipherText, nonce24, aad []byte, key Key32) ([]byte, error) {
	const op = "cryptoprim.decrypt_with_aead"
	if len(nonce24) != AeadNonceLen {
		return nil, errs.New(errs.KindInvalidNonce, op, "nonce must be 24 bytes").
			WithContext("expected", AeadNonceLen).WithContext("actual", len(nonce24))
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	plain, err := aead.Open(nil, nonce24, cipherText, aad)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptionFailed, op, err)
	}
	return plain, nil
}

// EIP191Hash computes keccak256("\x19Ethereum Signed Message:\n" ||
// ascii(len(msg)) || msg), the Ethereum personal-message hashing
// convention used to sign checkpoint deltas and indices (spec §4.1, §4.4).
func EIP191Hash(msg []byte) [32]byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256Hash(append([]byte(prefix), msg...))
}

// SignPrehash signs a 32-byte hash with a deterministic (RFC 6979) ECDSA
// signature, normalizing v to 27/28 per Ethereum convention.
func SignPrehash(priv32 []byte, hash32 [32]byte) ([SigEcdsaLen]byte, error) {
	const op = "cryptoprim.sign_prehash"
	var zero [SigEcdsaLen]byte

	if len(priv32) != SecKey32Len {
		return zero, errs.New(errs.KindInvalidKey, op, "private key must be 32 bytes").
			WithContext("key_type", "signing_key")
	}
	priv, err := crypto.ToECDSA(priv32)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidKey, op, err).WithContext("key_type", "signing_key")
	}

	sig, err := crypto.Sign(hash32[:], priv)
	if err != nil {
		return zero, errs.Wrap(errs.KindKeyDerivationFailed, op, err)
	}

	var out [SigEcdsaLen]byte
	copy(out[:], sig)
	out[64] += 27 // normalize recovery id 0/1 -> 27/28
	return out, nil
}

// RecoverAddress recovers the signer's Ethereum address from a 65-byte
// signature (r||s||v, v in {27,28}) over hash32.
func RecoverAddress(sig65 [SigEcdsaLen]byte, hash32 [32]byte) ([Address20Len]byte, error) {
	const op = "cryptoprim.recover_address"
	var zero [Address20Len]byte

	normalized := sig65
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] != 0 && normalized[64] != 1 {
		return zero, errs.New(errs.KindInvalidSignature, op, "recovery id out of range").
			WithContext("op", "recover")
	}

	pubBytes, err := crypto.Ecrecover(hash32[:], normalized[:])
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidSignature, op, err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidSignature, op, err)
	}

	addr := crypto.PubkeyToAddress(*pub)
	var out [Address20Len]byte
	copy(out[:], addr.Bytes())
	return out, nil
}

// SHA256 is the hash function used for the session-init signing domain
// (spec §4.2: the client signs SHA-256(ciphertext), not EIP-191 — a
// client-protocol choice codified in decrypt_session_init, not upgraded
// here even though the rest of the system signs via EIP-191).
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// AESGCMDecrypt decrypts a blob laid out as nonce12||ciphertext||tag16,
// matching the Web Crypto API's AES-256-GCM convention used by at-rest
// payloads (vector manifests, key-material files). Empty AAD.
func AESGCMDecrypt(blob []byte, key32 [32]byte) ([]byte, error) {
	const op = "cryptoprim.aes_gcm_decrypt"
	const nonceLen = 12
	if len(blob) < nonceLen {
		return nil, errs.New(errs.KindInvalidPayload, op, "blob shorter than nonce").
			WithContext("field", "blob")
	}
	block, err := aes.NewCipher(key32[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	nonce := blob[:nonceLen]
	ct := blob[nonceLen:]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptionFailed, op, err)
	}
	return plain, nil
}

// AESGCMEncrypt is the inverse of AESGCMDecrypt, used by put_encrypted
// (spec §6) to seal vector-database manifests and key-material-at-rest
// files. A fresh random 12-byte nonce is generated per call.
func AESGCMEncrypt(plain []byte, key32 [32]byte) ([]byte, error) {
	const op = "cryptoprim.aes_gcm_encrypt"
	block, err := aes.NewCipher(key32[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.KindKeyDerivationFailed, op, err)
	}
	out := gcm.Seal(nil, nonce, plain, nil)
	return append(nonce, out...), nil
}

// AddressHex formats a 20-byte address in canonical lowercase 0x form
// (spec §3: "canonical form is lowercase hex with 0x prefix").
func AddressHex(addr [Address20Len]byte) string {
	return "0x" + fmt.Sprintf("%x", addr[:])
}
