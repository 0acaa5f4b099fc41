// Package proof implements C5: the witness/commitment/proof pipeline
// behind make_proof, with pluggable Simple/Snark/ZkVm backends and an LRU
// cache keyed by (model_id, input_hash, output_hash) (spec §4.5).
//
// Grounded on original_source/tests/results/test_proofs.rs: ProofGenerator
// takes a job result, hashes model/input/output independently, and
// produces a ProofType-tagged blob a verifier can check against the
// result. The backend split (Simple/EZKL→Snark/ZkVm) and the
// deterministic-hashing and proof-timestamp-ordering properties tested
// there shape this package's API.
package proof

import "github.com/rubin-infernode/node/internal/cryptoprim"

// Backend names the proving strategy (spec §4.5).
type Backend string

const (
	BackendSimple Backend = "simple"
	BackendSnark  Backend = "snark"
	BackendZkVm   Backend = "zkvm"
)

// Request is the input to make_proof (spec §4.5).
type Request struct {
	JobID         string
	ModelPathOrID string
	Input         string
	Output        string
}

// Witness is the job/model/input/output hash quadruple. Commitment is its
// concatenation, the 128-byte value every backend's proof binds to.
type Witness struct {
	JobHash    [32]byte
	ModelHash  [32]byte
	InputHash  [32]byte
	OutputHash [32]byte
}

// ComputeWitness hashes each of the four fields independently (spec §4.5).
func ComputeWitness(req Request) Witness {
	return Witness{
		JobHash:    cryptoprim.SHA256([]byte(req.JobID)),
		ModelHash:  cryptoprim.SHA256([]byte(req.ModelPathOrID)),
		InputHash:  cryptoprim.SHA256([]byte(req.Input)),
		OutputHash: cryptoprim.SHA256([]byte(req.Output)),
	}
}

// Commitment is the 128-byte witness encoding job_hash‖model_hash‖input_hash‖output_hash.
type Commitment [128]byte

// Commitment serializes the witness into its 128-byte commitment form.
func (w Witness) Commitment() Commitment {
	var c Commitment
	copy(c[0:32], w.JobHash[:])
	copy(c[32:64], w.ModelHash[:])
	copy(c[64:96], w.InputHash[:])
	copy(c[96:128], w.OutputHash[:])
	return c
}

// Proof is the output of make_proof: a backend-specific blob plus the
// proof_hash the checkpoint index and on-chain payload carry (spec §4.5).
type Proof struct {
	Backend    Backend
	Commitment Commitment
	ProofHash  [32]byte
	Blob       []byte
}

// CacheKey identifies a proof for LRU lookup (spec §4.5:
// "keyed by (model_id, input_hash, output_hash)").
type CacheKey struct {
	ModelID    string
	InputHash  [32]byte
	OutputHash [32]byte
}

func cacheKeyFor(req Request, w Witness) CacheKey {
	return CacheKey{ModelID: req.ModelPathOrID, InputHash: w.InputHash, OutputHash: w.OutputHash}
}
