// Package checkpoint implements C4: canonicalized, signed checkpoint
// deltas and indices, and the storage publish protocol that must complete
// before an on-chain proof reference is safe to submit (spec §4.4).
//
// Grounded on original_source/src/checkpoint/{delta,index,publisher}.rs:
// the camelCase field layout, the host-address-lowercasing path
// convention, and the "per-session buffered state, server decides when to
// cut" publisher shape are all carried over; canonicalization itself is
// delegated to internal/canonjson rather than reimplementing sort_json_keys.
package checkpoint

import (
	"fmt"
	"strings"

	"github.com/rubin-infernode/node/internal/registry"
)

// MessageMetadata mirrors the original's optional per-message metadata.
type MessageMetadata struct {
	Partial *bool `json:"partial,omitempty"`
}

// Message is a single conversation turn as serialized into a Delta.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp uint64           `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// FromTurn converts a registry.Turn into the wire Message shape.
func FromTurn(t registry.Turn) Message {
	m := Message{Role: string(t.Role), Content: t.Content, Timestamp: t.TSMs}
	if t.Partial {
		p := true
		m.Metadata = &MessageMetadata{Partial: &p}
	}
	return m
}

// Delta is the checkpoint delta document (spec §3, §4.4).
type Delta struct {
	SessionID       string    `json:"sessionId"`
	CheckpointIndex uint32    `json:"checkpointIndex"`
	ProofHash       string    `json:"proofHash"`
	StartToken      uint64    `json:"startToken"`
	EndToken        uint64    `json:"endToken"`
	Messages        []Message `json:"messages"`
	HostSignature   string    `json:"hostSignature"`
}

// Entry is one row of an Index's checkpoints array.
type Entry struct {
	Index      uint32    `json:"index"`
	ProofHash  string    `json:"proofHash"`
	DeltaCID   string    `json:"deltaCid"`
	TokenRange [2]uint64 `json:"tokenRange"`
	Timestamp  uint64    `json:"timestamp"`
}

// Index is the per-session checkpoint index document (spec §3, §4.4).
type Index struct {
	SessionID     string  `json:"sessionId"`
	HostAddress   string  `json:"hostAddress"`
	Checkpoints   []Entry `json:"checkpoints"`
	HostSignature string  `json:"hostSignature"`
}

// NewIndex creates an empty index for a fresh session, lowercasing the
// host address as the original implementation does.
func NewIndex(sessionID, hostAddress string) Index {
	return Index{SessionID: sessionID, HostAddress: strings.ToLower(hostAddress)}
}

// NextCheckpointIndex is the 0-based index the next Append call will use.
func (idx Index) NextCheckpointIndex() uint32 { return uint32(len(idx.Checkpoints)) }

// LastCheckpoint returns the most recent entry, if any.
func (idx Index) LastCheckpoint() (Entry, bool) {
	if len(idx.Checkpoints) == 0 {
		return Entry{}, false
	}
	return idx.Checkpoints[len(idx.Checkpoints)-1], true
}

// Append adds an entry, never mutating the slice backing idx's caller copy.
// It enforces P4: e.Index must equal the index's current length, its
// TokenRange must start where the previous entry's ended (or at 0 for the
// first entry), and its ProofHash must not repeat an earlier entry's.
func (idx Index) Append(e Entry) (Index, error) {
	const op = "checkpoint.index.append"
	want := uint32(len(idx.Checkpoints))
	if e.Index != want {
		return idx, fmt.Errorf("%s: checkpoint index %d is not contiguous, expected %d", op, e.Index, want)
	}
	var wantStart uint64
	if last, ok := idx.LastCheckpoint(); ok {
		wantStart = last.TokenRange[1]
	}
	if e.TokenRange[0] != wantStart {
		return idx, fmt.Errorf("%s: token_range start %d does not continue from %d", op, e.TokenRange[0], wantStart)
	}
	if e.TokenRange[1] < e.TokenRange[0] {
		return idx, fmt.Errorf("%s: token_range end %d precedes start %d", op, e.TokenRange[1], e.TokenRange[0])
	}
	for _, existing := range idx.Checkpoints {
		if existing.ProofHash == e.ProofHash {
			return idx, fmt.Errorf("%s: proof_hash %q is not unique within this index", op, e.ProofHash)
		}
	}
	idx.Checkpoints = append(append([]Entry(nil), idx.Checkpoints...), e)
	return idx, nil
}

// DeltaPath is the storage path for a checkpoint delta (spec §4.4).
// hostAddress is lowercased; its 0x prefix, if present, is preserved.
func DeltaPath(hostAddress, sessionID string, index uint32) string {
	return fmt.Sprintf("home/checkpoints/%s/%s/delta-%d.json", strings.ToLower(hostAddress), sessionID, index)
}

// IndexPath is the storage path for a session's checkpoint index.
func IndexPath(hostAddress, sessionID string) string {
	return fmt.Sprintf("home/checkpoints/%s/%s/index.json", strings.ToLower(hostAddress), sessionID)
}

// VectorManifestPath is the storage path for an encrypted vector-database
// manifest (spec §4.4: "distinct subsystem consuming the same
// canonicalizer").
func VectorManifestPath(owner, db string) string {
	return fmt.Sprintf("home/vector-databases/%s/%s/manifest.json", strings.ToLower(owner), db)
}

// VectorChunkPath is the storage path for the Nth chunk of a vector-database manifest.
func VectorChunkPath(owner, db string, n int) string {
	return fmt.Sprintf("home/vector-databases/%s/%s/chunk-%d.json", strings.ToLower(owner), db, n)
}
