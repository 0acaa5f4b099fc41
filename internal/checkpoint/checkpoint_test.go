package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/registry"
)

type memStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPath string // path that always fails Put, for S4
	putCount map[string]int
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), putCount: make(map[string]int)}
}

func (m *memStorage) Put(_ context.Context, path string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCount[path]++
	if path == m.failPath {
		return "", errors.New("simulated storage failure")
	}
	m.objects[path] = append([]byte(nil), data...)
	return "cid:" + path, nil
}

func (m *memStorage) Get(_ context.Context, cid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, data := range m.objects {
		if "cid:"+path == cid {
			return data, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *memStorage) PutEncrypted(ctx context.Context, path string, data []byte, key cryptoprim.Key32) (string, error) {
	ct, err := cryptoprim.AESGCMEncrypt(data, key)
	if err != nil {
		return "", err
	}
	return m.Put(ctx, path, ct)
}

type fakeSigner struct {
	priv []byte
	addr [20]byte
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	priv, err := cryptoprim.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	var out [20]byte
	copy(out[:], addr.Bytes())
	return &fakeSigner{priv: cryptoprim.PrivateKeyBytes(priv), addr: out}
}

func (f *fakeSigner) SignPrehash(hash32 [32]byte) ([cryptoprim.SigEcdsaLen]byte, error) {
	return cryptoprim.SignPrehash(f.priv, hash32)
}

func (f *fakeSigner) Address() [20]byte { return f.addr }

func setupEngine(t *testing.T) (*Engine, *registry.Registry, *memStorage, *fakeSigner, string) {
	t.Helper()
	clock := clockutil.NewFake(time.Unix(0, 0))
	reg := registry.New(registry.DefaultLimits(), clock)
	sess, err := reg.CreateSession(1, registry.Config{})
	if err != nil {
		t.Fatal(err)
	}
	storage := newMemStorage()
	signer := newFakeSigner(t)
	eng := New(reg, storage, signer, DefaultRetryConfig(), nil)
	return eng, reg, storage, signer, sess.SessionID
}

// S3: Checkpoint sequence, now through the publish pipeline.
func TestPublishScenarioS3(t *testing.T) {
	eng, reg, storage, _, sessionID := setupEngine(t)

	reg.BufferMessage(sessionID, registry.Turn{Role: registry.RoleUser, Content: "hi", TSMs: 1})
	reg.BufferMessage(sessionID, registry.Turn{Role: registry.RoleAssistant, Content: "hello", TSMs: 2})
	reg.AdvanceTokens(sessionID, 5)

	res0, err := eng.Publish(context.Background(), sessionID, cryptoprim.SHA256([]byte("proof-0")))
	if err != nil {
		t.Fatalf("publish 0: %v", err)
	}
	if res0.Index != 0 {
		t.Fatalf("index = %d, want 0", res0.Index)
	}

	reg.BufferMessage(sessionID, registry.Turn{Role: registry.RoleUser, Content: "more", TSMs: 3})
	reg.BufferMessage(sessionID, registry.Turn{Role: registry.RoleAssistant, Content: "ok", TSMs: 4})
	reg.AdvanceTokens(sessionID, 7)

	res1, err := eng.Publish(context.Background(), sessionID, cryptoprim.SHA256([]byte("proof-1")))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if res1.Index != 1 {
		t.Fatalf("index = %d, want 1", res1.Index)
	}
	if res0.ProofHash == res1.ProofHash {
		t.Fatalf("proof_hash must be distinct across checkpoints")
	}

	idx := eng.Index(sessionID)
	if len(idx.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints in index, got %d", len(idx.Checkpoints))
	}
	if idx.Checkpoints[0].TokenRange != [2]uint64{0, 5} {
		t.Fatalf("checkpoint 0 token_range = %v, want [0,5]", idx.Checkpoints[0].TokenRange)
	}
	if idx.Checkpoints[1].TokenRange != [2]uint64{5, 12} {
		t.Fatalf("checkpoint 1 token_range = %v, want [5,12]", idx.Checkpoints[1].TokenRange)
	}
	// 2 deltas + 1 index object (the index path is overwritten in place on
	// each publish, so it counts once).
	if len(storage.objects) != 3 {
		t.Fatalf("expected 3 stored objects, got %d", len(storage.objects))
	}
}

// S4: Publish-before-submit — index upload fails, delta still written,
// session state remains Active with the cut rolled back.
func TestPublishBeforeSubmitScenarioS4(t *testing.T) {
	eng, reg, storage, _, sessionID := setupEngine(t)

	reg.BufferMessage(sessionID, registry.Turn{Role: registry.RoleUser, Content: "hi", TSMs: 1})
	reg.AdvanceTokens(sessionID, 3)

	storage.failPath = IndexPath(cryptoprim.AddressHex(eng.signer.Address()), sessionID)

	_, err := eng.Publish(context.Background(), sessionID, cryptoprim.SHA256([]byte("proof")))
	if err == nil {
		t.Fatalf("expected publish to fail when index upload fails")
	}

	deltaPath := DeltaPath(cryptoprim.AddressHex(eng.signer.Address()), sessionID, 0)
	if _, ok := storage.objects[deltaPath]; !ok {
		t.Fatalf("expected delta to have been written before index failure")
	}

	got, err := reg.Get(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != registry.Active {
		t.Fatalf("state = %v, want Active after rollback", got.State)
	}
	if len(got.MessageBuffer) != 1 || got.MessageBuffer[0].Content != "hi" {
		t.Fatalf("expected rolled-back message buffer to contain the original turn, got %+v", got.MessageBuffer)
	}
	if got.CheckpointIndex != 0 {
		t.Fatalf("checkpoint_index should roll back to 0, got %d", got.CheckpointIndex)
	}
}

func TestDeltaAndIndexPathsLowercaseHostPreserve0x(t *testing.T) {
	path := DeltaPath("0xABC123", "session-1", 0)
	want := "home/checkpoints/0xabc123/session-1/delta-0.json"
	if path != want {
		t.Fatalf("DeltaPath = %q, want %q", path, want)
	}
	idxPath := IndexPath("0xABC123", "session-1")
	wantIdx := "home/checkpoints/0xabc123/session-1/index.json"
	if idxPath != wantIdx {
		t.Fatalf("IndexPath = %q, want %q", idxPath, wantIdx)
	}
}
