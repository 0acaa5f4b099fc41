// Package external declares the collaborator interfaces the core consumes
// (spec §6): inference engine, content storage, per-chain clients and
// signer. The clock seam is internal/clockutil.Clock, not declared here.
// The core depends only on these interfaces; implementations live outside
// this package. cmd/rubin-node/main.go wires internal/hostkey's
// memguard-backed signer and the internal/devstub placeholders for the
// other three.
package external

import (
	"context"

	"github.com/rubin-infernode/node/internal/cryptoprim"
)

// InferenceToken is one item of an inference stream.
type InferenceToken struct {
	Text     string
	IsFinal  bool
	NumToken uint64 // running token count, authoritative on IsFinal
}

// InferenceParams carries model-specific generation parameters opaque to
// the core (temperature, max tokens, stop sequences, etc).
type InferenceParams map[string]any

// InferenceEngine runs a prompt against a loaded model and streams tokens.
// Implementations must honor ctx cancellation mid-stream.
type InferenceEngine interface {
	Run(ctx context.Context, modelID, prompt string, params InferenceParams) (<-chan InferenceToken, <-chan error)
}

// Storage is the content-addressed storage driver (spec §6.2). CID is
// opaque to the core and is never parsed, only stored and echoed back.
type Storage interface {
	Put(ctx context.Context, path string, data []byte) (cid string, err error)
	Get(ctx context.Context, cid string) ([]byte, error)
	PutEncrypted(ctx context.Context, path string, data []byte, key cryptoprim.Key32) (cid string, err error)
}

// TxReceipt is the minimal on-chain confirmation record the core needs.
type TxReceipt struct {
	BlockNumber uint64
	Success     bool
}

// ChainEvent is a decoded NodeRegistered/NodeUpdated/NodeUnregistered log.
type ChainEvent struct {
	BlockNumber uint64
	LogIndex    uint32
	Topic       string
	Host        [20]byte
	Data        []byte
}

// ChainClient is the per-chain collaborator C6 polls and C7 submits
// transactions through (spec §6.3).
type ChainClient interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, from, to uint64, topic string) ([]ChainEvent, error)
	SendTransaction(ctx context.Context, payload []byte) (txHash [32]byte, err error)
	GetTxReceipt(ctx context.Context, txHash [32]byte) (TxReceipt, error)
}

// Signer wraps the node's custodied secp256k1 key (spec §6.4). Concrete
// implementations never expose the raw key (see internal/hostkey for the
// memguard-backed and KMS-wrapped variants).
type Signer interface {
	SignPrehash(hash32 [32]byte) ([cryptoprim.SigEcdsaLen]byte, error)
	Address() [cryptoprim.Address20Len]byte
}
