package proof

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/errs"
)

// Engine runs make_proof/verify_proof for a fixed backend, caching results
// by CacheKey (spec §4.5, P6).
type Engine struct {
	backend Backend
	prv     prover

	mu    sync.Mutex
	cache *lru.Cache[CacheKey, Proof]
}

// New constructs an Engine for backend with an LRU cache of the given size.
func New(backend Backend, cacheSize int) (*Engine, error) {
	prv, err := proverFor(backend)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[CacheKey, Proof](cacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindProofGenerationFailed, "proof.New", err)
	}
	return &Engine{backend: backend, prv: prv, cache: cache}, nil
}

// MakeProof implements make_proof (spec §4.5): hash the four witness
// fields, check the cache, and on a miss run the configured backend.
// Identical (model_id, input, output) triples return a byte-identical
// commitment and proof blob whether served from cache or freshly computed
// (P6).
func (e *Engine) MakeProof(req Request) (Proof, error) {
	const op = "proof.make_proof"
	w := ComputeWitness(req)
	key := cacheKeyFor(req, w)

	e.mu.Lock()
	if cached, ok := e.cache.Get(key); ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	blob, err := e.prv.prove(w)
	if err != nil {
		return Proof{}, errs.Wrap(errs.KindProofGenerationFailed, op, err)
	}
	commitment := w.Commitment()
	proofHash := cryptoprim.SHA256(blob)

	p := Proof{Backend: e.backend, Commitment: commitment, ProofHash: proofHash, Blob: blob}

	e.mu.Lock()
	e.cache.Add(key, p)
	e.mu.Unlock()

	return p, nil
}

// VerifyProof checks that blob is a valid proof of commitment under this
// engine's backend.
func (e *Engine) VerifyProof(p Proof) (bool, error) {
	if p.Backend != e.backend {
		return false, errs.New(errs.KindProofGenerationFailed, "proof.verify_proof", "backend mismatch").
			WithContext("expected", string(e.backend)).WithContext("actual", string(p.Backend))
	}
	return e.prv.verify(p.Commitment, p.Blob)
}

// Backend returns the engine's configured backend.
func (e *Engine) Backend() Backend { return e.backend }
