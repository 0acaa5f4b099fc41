// Package devstub provides placeholder implementations of the pkg/external
// collaborator interfaces (inference engine, storage, chain client) for
// running cmd/rubin-node without a production transport/storage/chain
// deployment wired in. Spec §1 treats these as external collaborators the
// core never implements; main.go still needs something to construct when
// no production adapter is configured, the same way the teacher's
// cmd/signer/main.go ran against a bare SessionManager with no live
// exchange connection until one was wired in.
package devstub

import (
	"context"
	"fmt"

	"github.com/rubin-infernode/node/internal/cryptoprim"
	"github.com/rubin-infernode/node/internal/errs"
	"github.com/rubin-infernode/node/pkg/external"
)

// Storage is an in-memory content-addressed store keyed by the SHA-256 of
// the stored bytes. It satisfies pkg/external.Storage for local
// development and tests; production deployments wire an S5/IPFS-backed
// implementation instead.
type Storage struct {
	data map[string][]byte
}

var _ external.Storage = (*Storage)(nil)

// NewStorage constructs an empty in-memory Storage.
func NewStorage() *Storage {
	return &Storage{data: make(map[string][]byte)}
}

func (s *Storage) Put(_ context.Context, _ string, data []byte) (string, error) {
	cid := cidFor(data)
	s.data[cid] = append([]byte(nil), data...)
	return cid, nil
}

func (s *Storage) Get(_ context.Context, cid string) ([]byte, error) {
	b, ok := s.data[cid]
	if !ok {
		return nil, errs.New(errs.KindStorageUnavailable, "devstub.Storage.Get", "cid not found")
	}
	return append([]byte(nil), b...), nil
}

func (s *Storage) PutEncrypted(ctx context.Context, path string, data []byte, key cryptoprim.Key32) (string, error) {
	sealed, err := cryptoprim.AESGCMEncrypt(data, key)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, path, sealed)
}

func cidFor(data []byte) string {
	h := cryptoprim.SHA256(data)
	return fmt.Sprintf("%x", h)
}

// ChainClient is a no-op chain client: it reports a fixed block number and
// never observes events or lands transactions. It satisfies
// pkg/external.ChainClient so the chain reconciler loop can be started and
// exercised without a live RPC endpoint configured.
type ChainClient struct{}

var _ external.ChainClient = ChainClient{}

func (ChainClient) GetBlockNumber(context.Context) (uint64, error) { return 0, nil }

func (ChainClient) QueryEvents(context.Context, uint64, uint64, string) ([]external.ChainEvent, error) {
	return nil, nil
}

func (ChainClient) SendTransaction(context.Context, []byte) ([32]byte, error) {
	return [32]byte{}, errs.New(errs.KindChainUnavailable, "devstub.ChainClient.SendTransaction", "no RPC endpoint configured")
}

func (ChainClient) GetTxReceipt(context.Context, [32]byte) (external.TxReceipt, error) {
	return external.TxReceipt{}, errs.New(errs.KindChainUnavailable, "devstub.ChainClient.GetTxReceipt", "no RPC endpoint configured")
}

// InferenceEngine returns a single-token echo stream of the prompt. It
// satisfies pkg/external.InferenceEngine for local development; production
// deployments wire a real model-serving backend instead.
type InferenceEngine struct{}

var _ external.InferenceEngine = InferenceEngine{}

func (InferenceEngine) Run(ctx context.Context, _ string, prompt string, _ external.InferenceParams) (<-chan external.InferenceToken, <-chan error) {
	tokens := make(chan external.InferenceToken, 1)
	errc := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errc)
		select {
		case tokens <- external.InferenceToken{Text: prompt, IsFinal: true, NumToken: 1}:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()
	return tokens, errc
}
