// Package hostkey implements the host private-key signing facade named in
// spec §5 ("Host private key. One instance, held behind a signing facade;
// never exported.") and satisfies pkg/external.Signer.
//
// Grounded on the teacher's internal/signer/session.go SessionManager: a
// memguard.Enclave holding the key encrypted at rest, opened only for the
// instant a signature is computed. The teacher's session carried a TTL and
// a cumulative USDC value limit because it custodied a *delegated* trading
// key; the host key here is the node's own long-lived identity, so those
// two fields have no equivalent and are dropped — everything else
// (enclave lifecycle, open-sign-destroy, derived address cached outside
// the enclave) carries over unchanged.
package hostkey

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/errs"
	"github.com/rubin-infernode/node/internal/kms"
	"github.com/rubin-infernode/node/pkg/external"
)

// Facade seals the node's secp256k1 private key in a memguard enclave and
// exposes only SignPrehash/Address, matching pkg/external.Signer. The raw
// key is opened momentarily inside SignPrehash and immediately destroyed.
type Facade struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	address [cryptoprim.Address20Len]byte
}

var _ external.Signer = (*Facade)(nil)

// New seals keyBytes (the raw 32-byte secp256k1 scalar) into an enclave and
// derives the node's address. The caller must zero its own copy of
// keyBytes after this call returns.
func New(keyBytes []byte) (*Facade, error) {
	const op = "hostkey.New"
	if len(keyBytes) != cryptoprim.SecKey32Len {
		return nil, errs.New(errs.KindInvalidKey, op, "host private key must be 32 bytes").
			WithContext("actual_len", len(keyBytes))
	}
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidKey, op, err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	// NewEnclave wipes the buffer it is given, so seal a copy and leave
	// keyBytes to the caller.
	f := &Facade{enclave: memguard.NewEnclave(append([]byte(nil), keyBytes...))}
	copy(f.address[:], addr.Bytes())
	return f, nil
}

// Address returns the node's signing address, derived once at construction
// and cached outside the enclave (addresses are public; only the scalar is
// secret).
func (f *Facade) Address() [cryptoprim.Address20Len]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

// SignPrehash opens the enclave for the duration of one ECDSA sign and
// destroys the opened buffer immediately afterward, win or lose. The key
// scalar never escapes this method.
func (f *Facade) SignPrehash(hash32 [32]byte) ([cryptoprim.SigEcdsaLen]byte, error) {
	const op = "hostkey.Facade.SignPrehash"
	var zero [cryptoprim.SigEcdsaLen]byte

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enclave == nil {
		return zero, errs.New(errs.KindInvalidKey, op, "signing facade has been destroyed")
	}

	buf, err := f.enclave.Open()
	if err != nil {
		return zero, errs.Wrap(errs.KindKeyDerivationFailed, op, fmt.Errorf("open enclave: %w", err))
	}
	keyBytes := append([]byte(nil), buf.Bytes()...)
	buf.Destroy()

	sig, err := cryptoprim.SignPrehash(keyBytes, hash32)
	for i := range keyBytes {
		keyBytes[i] = 0
	}
	if err != nil {
		return zero, err
	}
	return sig, nil
}

// NewFromKMS decrypts a KMS-wrapped host-key blob (spec §6: "optionally, a
// key-material-at-rest file") through client and seals the plaintext
// scalar into a Facade. The ciphertext blob never touches disk in
// plaintext form; only the momentary decrypted buffer does, and that
// buffer is zeroed before this function returns.
func NewFromKMS(ctx context.Context, client *kms.Client, ciphertext []byte) (*Facade, error) {
	const op = "hostkey.NewFromKMS"
	plain, err := client.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyDerivationFailed, op, err)
	}
	defer func() {
		for i := range plain {
			plain[i] = 0
		}
	}()
	return New(plain)
}

// Destroy purges the enclave. Call once, at process shutdown.
func (f *Facade) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enclave = nil
}
