package checkpoint

import (
	"context"
	"encoding/hex"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rubin-infernode/node/internal/canonjson"
	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/errs"
	"github.com/rubin-infernode/node/internal/obs"
	"github.com/rubin-infernode/node/internal/registry"
	"github.com/rubin-infernode/node/pkg/external"
)

// RetryConfig bounds the exponential-backoff-with-jitter retry applied to
// storage.put calls in the publish protocol (spec §4.4: "retryable with
// exponential backoff and jitter for up to a bounded attempt count").
// Grounded on the teacher's internal/adapter/websocket.go reconnect loop
// (BackoffInitial/BackoffMax/BackoffFactor), with jitter added per spec.
type RetryConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultRetryConfig mirrors the teacher's WSClient defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Initial: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 2.0, MaxAttempts: 5}
}

// PublishResult is what a successful Publish call returns to the façade.
type PublishResult struct {
	Index     uint32
	ProofHash [32]byte
	DeltaCID  string
}

// sessionState is the per-session checkpoint bookkeeping the engine keeps
// in memory, mirroring original_source's SessionCheckpointState.
type sessionState struct {
	mu    sync.Mutex
	index Index
}

// Engine cuts checkpoints from a registry.Registry, signs and canonicalizes
// them, and publishes them through a Storage collaborator, enforcing the
// publish-before-submit ordering (spec §4.4, P5).
type Engine struct {
	reg     *registry.Registry
	storage external.Storage
	signer  external.Signer
	retry   RetryConfig
	log     obs.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs a checkpoint Engine.
func New(reg *registry.Registry, storage external.Storage, signer external.Signer, retry RetryConfig, log obs.Logger) *Engine {
	if log == nil {
		log = obs.Discard{}
	}
	return &Engine{reg: reg, storage: storage, signer: signer, retry: retry, log: log, sessions: make(map[string]*sessionState)}
}

func (e *Engine) stateFor(sessionID string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionState{index: NewIndex(sessionID, cryptoprim.AddressHex(e.signer.Address()))}
		e.sessions[sessionID] = st
	}
	return st
}

// ResumeFromIndex seeds in-memory session state from a previously persisted
// Index (SPEC_FULL.md §D.1, grounded on original_source's
// SessionCheckpointState::from_index).
func (e *Engine) ResumeFromIndex(sessionID string, idx Index) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = &sessionState{index: idx}
}

// Forget drops in-memory state for a session (end/cancel/timeout cleanup).
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Publish runs steps 1-7 of the protocol from spec §4.4 for one session;
// step 8 (submit-to-chain) is left to the caller.
// proofHash is the commitment hash C5's make_proof already produced for
// this checkpoint's witness (job/model/input/output) — the checkpoint
// engine does not compute it, only carries it into the signed delta and
// index entry. On any failure before step 7 completes, the registry's cut
// is rolled back via cancel_cut so the next cut re-absorbs the same
// messages (P5).
func (e *Engine) Publish(ctx context.Context, sessionID string, proofHash [32]byte) (PublishResult, error) {
	const op = "checkpoint.publish"

	// Step 1.
	delta, err := e.reg.CutCheckpoint(sessionID)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}

	result, publishErr := e.publishCutDelta(ctx, sessionID, delta, proofHash)
	if publishErr != nil {
		if cancelErr := e.reg.CancelCut(sessionID, delta); cancelErr != nil {
			e.log.Errorf("checkpoint: cancel_cut failed after publish error for session %s: %v", sessionID, cancelErr)
		}
		return PublishResult{}, publishErr
	}
	return result, nil
}

func (e *Engine) publishCutDelta(ctx context.Context, sessionID string, frozen registry.FrozenDelta, proofHash [32]byte) (PublishResult, error) {
	const op = "checkpoint.publish"
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	messages := make([]Message, 0, len(frozen.Messages))
	for _, t := range frozen.Messages {
		messages = append(messages, FromTurn(t))
	}

	d := Delta{
		SessionID:       sessionID,
		CheckpointIndex: frozen.CheckpointIndex,
		StartToken:      frozen.StartToken,
		EndToken:        frozen.EndToken,
		Messages:        messages,
	}

	// Step 2: sign the messages array.
	messagesJSON, err := canonjson.Marshal(d.Messages)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}
	msgHash := cryptoprim.EIP191Hash(messagesJSON)
	msgSig, err := e.signer.SignPrehash(msgHash)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}
	d.HostSignature = "0x" + hex.EncodeToString(msgSig[:])
	d.ProofHash = "0x" + hex.EncodeToString(proofHash[:])

	// Step 3: canonicalize the whole delta (signature already fixed above).
	deltaBytes, err := canonjson.Marshal(d)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}

	// Step 4: publish the delta.
	deltaPath := DeltaPath(st.index.HostAddress, sessionID, d.CheckpointIndex)
	deltaCID, err := e.putWithRetry(ctx, deltaPath, deltaBytes)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindStorageUnavailable, op, err)
	}

	// Step 5: append the index entry.
	var entryTS uint64
	if n := len(d.Messages); n > 0 {
		entryTS = d.Messages[n-1].Timestamp
	}
	entry := Entry{
		Index:      d.CheckpointIndex,
		ProofHash:  d.ProofHash,
		DeltaCID:   deltaCID,
		TokenRange: [2]uint64{d.StartToken, d.EndToken},
		Timestamp:  entryTS,
	}
	candidate, err := st.index.Append(entry)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}

	// Step 6: sign the checkpoints array.
	checkpointsJSON, err := canonjson.Marshal(candidate.Checkpoints)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}
	idxHash := cryptoprim.EIP191Hash(checkpointsJSON)
	idxSig, err := e.signer.SignPrehash(idxHash)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}
	candidate.HostSignature = "0x" + hex.EncodeToString(idxSig[:])

	indexBytes, err := canonjson.Marshal(candidate)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.KindCheckpointPublishFailed, op, err)
	}

	// Step 7: publish the index. Only after this succeeds is the cut final.
	indexPath := IndexPath(st.index.HostAddress, sessionID)
	if _, err := e.putWithRetry(ctx, indexPath, indexBytes); err != nil {
		return PublishResult{}, errs.Wrap(errs.KindStorageUnavailable, op, err)
	}

	st.index = candidate

	// Step 8 (submit-to-chain) is the caller's responsibility; everything
	// up to here is a precondition the caller may now rely on (P5).
	return PublishResult{Index: d.CheckpointIndex, ProofHash: proofHash, DeltaCID: deltaCID}, nil
}

// putWithRetry wraps storage.Put with exponential backoff and full jitter,
// bounded by MaxAttempts, matching the spec's "retryable ... for up to a
// bounded attempt count" failure semantics.
func (e *Engine) putWithRetry(ctx context.Context, path string, data []byte) (string, error) {
	delay := e.retry.Initial
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		cid, err := e.storage.Put(ctx, path, data)
		if err == nil {
			return cid, nil
		}
		lastErr = err
		e.log.Warnf("checkpoint: storage.put(%s) attempt %d failed: %v", path, attempt+1, err)

		if attempt == e.retry.MaxAttempts-1 {
			break
		}
		jittered := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(jittered):
		}
		delay = time.Duration(math.Min(float64(delay)*e.retry.Factor, float64(e.retry.Max)))
	}
	return "", lastErr
}

// Index returns a copy of the in-memory index for sessionID, for façade
// responses and tests.
func (e *Engine) Index(sessionID string) Index {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.index
}
