package hostkey

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/rubin-infernode/node/internal/cryptoprim"
)

func genKeyBytes(t *testing.T) []byte {
	priv, err := cryptoprim.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return cryptoprim.PrivateKeyBytes(priv)
}

func TestSignPrehashRecoversToFacadeAddress(t *testing.T) {
	key := genKeyBytes(t)
	f, err := New(key)
	if err != nil {
		t.Fatal(err)
	}

	var hash [32]byte
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatal(err)
	}

	sig, err := f.SignPrehash(hash)
	if err != nil {
		t.Fatal(err)
	}

	got, err := cryptoprim.RecoverAddress(sig, hash)
	if err != nil {
		t.Fatal(err)
	}
	if got != f.Address() {
		t.Fatalf("recovered address %x != facade address %x", got, f.Address())
	}
}

func TestNewRejectsWrongKeyLength(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatalf("expected error for a short key")
	}
}

func TestDestroyedFacadeRefusesToSign(t *testing.T) {
	f, err := New(genKeyBytes(t))
	if err != nil {
		t.Fatal(err)
	}
	f.Destroy()

	var hash [32]byte
	if _, err := f.SignPrehash(hash); err == nil {
		t.Fatalf("expected signing after Destroy to fail")
	}
}

func TestSignPrehashDeterministic(t *testing.T) {
	key := genKeyBytes(t)
	f, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	hash := cryptoprim.EIP191Hash([]byte("fixed message"))

	sig1, err := f.SignPrehash(hash)
	if err != nil {
		t.Fatal(err)
	}
	sig2, err := f.SignPrehash(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sig1[:], sig2[:]) {
		t.Fatalf("expected deterministic (RFC 6979) signatures, got %x vs %x", sig1, sig2)
	}
}
