// Package sessioninit implements C2: turning an encrypted session envelope
// into {job_id, model, session_key, price_per_token, client_address} by
// orchestrating C1 (spec §4.2).
//
// Grounded on original_source/src/crypto/session_init.rs: the five-step
// order (validate sizes, ECDH, AEAD decrypt, parse camelCase JSON, recover
// signer over SHA-256(ciphertext) — not EIP-191) is carried over verbatim,
// since spec §9 Open Question 1 says this is a client-protocol contract,
// not a bug to "helpfully" fix.
package sessioninit

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/errs"
)

// EncryptedSessionPayload is the client-supplied envelope carried in the
// session_init message (spec §6).
type EncryptedSessionPayload struct {
	EphPub     []byte
	Ciphertext []byte
	Nonce      []byte // must be 24 bytes
	Signature  []byte // must be 65 bytes, r||s||v
	AAD        []byte
}

// Result is what a successful decrypt_session_init call yields.
type Result struct {
	JobID         string
	ModelName     string
	SessionKey    [32]byte
	PricePerToken uint64
	ClientAddress [cryptoprim.Address20Len]byte
}

type sessionDataJSON struct {
	JobID         string `json:"jobId"`
	ModelName     string `json:"modelName"`
	SessionKey    string `json:"sessionKey"`
	PricePerToken uint64 `json:"pricePerToken"`
}

// DecryptSessionInit runs the full five-step pipeline from spec §4.2.
// All validation happens before any side effect: on any failure nothing is
// registered in C3, and the caller should fold every error into a single
// opaque SessionInitRejected response (spec §7) so the client can't learn
// which internal step failed.
func DecryptSessionInit(payload EncryptedSessionPayload, nodePriv32 []byte) (Result, error) {
	const op = "sessioninit.decrypt_session_init"
	var zero Result

	if len(payload.EphPub) == 0 {
		return zero, errs.New(errs.KindInvalidPayload, op, "ephemeral public key is empty").WithContext("field", "eph_pub")
	}
	if len(payload.Ciphertext) == 0 {
		return zero, errs.New(errs.KindInvalidPayload, op, "ciphertext is empty").WithContext("field", "ciphertext")
	}
	if len(payload.Nonce) != cryptoprim.AeadNonceLen {
		return zero, errs.New(errs.KindInvalidPayload, op, "invalid nonce size").
			WithContext("field", "nonce").
			WithContext("expected", cryptoprim.AeadNonceLen).
			WithContext("actual", len(payload.Nonce))
	}
	if len(payload.Signature) != cryptoprim.SigEcdsaLen {
		return zero, errs.New(errs.KindInvalidPayload, op, "invalid signature size").
			WithContext("field", "signature").
			WithContext("expected", cryptoprim.SigEcdsaLen).
			WithContext("actual", len(payload.Signature))
	}
	if len(nodePriv32) != cryptoprim.SecKey32Len {
		return zero, errs.New(errs.KindInvalidPayload, op, "invalid node private key size").WithContext("field", "node_private_key")
	}

	// Step 1: ECDH.
	shared, err := cryptoprim.DeriveSharedKey(payload.EphPub, nodePriv32)
	if err != nil {
		return zero, errs.Wrap(errs.KindKeyDerivationFailed, op, err)
	}

	// Step 2: AEAD decrypt.
	plain, err := cryptoprim.DecryptWithAEAD(payload.Ciphertext, payload.Nonce, payload.AAD, shared)
	if err != nil {
		return zero, errs.Wrap(errs.KindDecryptionFailed, op, err)
	}

	// Step 3: parse canonical camelCase JSON.
	var data sessionDataJSON
	if err := json.Unmarshal(plain, &data); err != nil {
		return zero, errs.Wrap(errs.KindInvalidPayload, op, err).WithContext("field", "plaintext")
	}

	// Step 4: decode hex session key (32 bytes, optional 0x prefix).
	keyHex := strings.TrimPrefix(data.SessionKey, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidPayload, op, err).WithContext("field", "sessionKey")
	}
	if len(keyBytes) != 32 {
		return zero, errs.New(errs.KindInvalidPayload, op, "session key must decode to 32 bytes").
			WithContext("field", "sessionKey").WithContext("actual", len(keyBytes))
	}
	var sessionKey [32]byte
	copy(sessionKey[:], keyBytes)

	// Step 5: recover the client address. Signing domain is SHA-256 of the
	// raw ciphertext, NOT EIP-191 — matches the client SDK contract.
	ciphertextHash := cryptoprim.SHA256(payload.Ciphertext)
	var sig65 [cryptoprim.SigEcdsaLen]byte
	copy(sig65[:], payload.Signature)
	clientAddr, err := cryptoprim.RecoverAddress(sig65, ciphertextHash)
	if err != nil {
		return zero, errs.Wrap(errs.KindInvalidSignature, op, err)
	}

	return Result{
		JobID:         data.JobID,
		ModelName:     data.ModelName,
		SessionKey:    sessionKey,
		PricePerToken: data.PricePerToken,
		ClientAddress: clientAddr,
	}, nil
}
