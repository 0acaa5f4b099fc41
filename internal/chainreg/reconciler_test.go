package chainreg

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/pkg/external"
)

type fakeChainClient struct {
	head   uint64
	events map[string][]external.ChainEvent // by topic
}

func (f *fakeChainClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChainClient) QueryEvents(ctx context.Context, from, to uint64, topic string) ([]external.ChainEvent, error) {
	var out []external.ChainEvent
	for _, ev := range f.events[topic] {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChainClient) SendTransaction(ctx context.Context, payload []byte) ([32]byte, error) {
	return [32]byte{}, nil
}

func (f *fakeChainClient) GetTxReceipt(ctx context.Context, txHash [32]byte) (external.TxReceipt, error) {
	return external.TxReceipt{}, nil
}

func registeredData(stake uint64, info string) []byte {
	out := make([]byte, 8+len(info))
	binary.BigEndian.PutUint64(out[:8], stake)
	copy(out[8:], info)
	return out
}

var hostA = [20]byte{0xAA}

// S6: inject [Registered(A,meta1,100), Updated(A,meta2), Unregistered(A)]
// over blocks 10..12, start the reconciler at block 0. After one tick,
// list_hosts() is empty and history shows three applied events.
func TestReconcilerScenarioS6(t *testing.T) {
	client := &fakeChainClient{
		head: 12,
		events: map[string][]external.ChainEvent{
			TopicNodeRegistered: {
				{BlockNumber: 10, LogIndex: 0, Topic: TopicNodeRegistered, Host: hostA, Data: registeredData(100, "meta1")},
			},
			TopicNodeUpdated: {
				{BlockNumber: 11, LogIndex: 0, Topic: TopicNodeUpdated, Host: hostA, Data: []byte("meta2")},
			},
			TopicNodeUnregistered: {
				{BlockNumber: 12, LogIndex: 0, Topic: TopicNodeUnregistered, Host: hostA},
			},
		},
	}

	cfg := DefaultConfig(1)
	cfg.ConfirmationDepth = 0 // every injected block is already "confirmed" for this test
	r := New(cfg, client, nil, clockutil.NewFake(time.Unix(1000, 0)), nil)

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if hosts := r.Cache().ListHosts(); len(hosts) != 0 {
		t.Fatalf("expected list_hosts() empty after register+update+unregister, got %d", len(hosts))
	}

	hist := r.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 applied events in history, got %d", len(hist))
	}
	if hist[0].Kind != NodeRegistered || hist[1].Kind != NodeUpdated || hist[2].Kind != NodeUnregistered {
		t.Fatalf("history out of order: %+v", hist)
	}
	if hist[0].Stake != 100 || hist[0].Info != "meta1" {
		t.Fatalf("unexpected registered payload: %+v", hist[0])
	}
	if hist[1].Info != "meta2" {
		t.Fatalf("unexpected updated payload: %+v", hist[1])
	}
}

func TestReconcilerByCapabilitySubstringMatch(t *testing.T) {
	client := &fakeChainClient{
		head: 5,
		events: map[string][]external.ChainEvent{
			TopicNodeRegistered: {
				{BlockNumber: 1, Topic: TopicNodeRegistered, Host: [20]byte{0x01}, Data: registeredData(1, "gpu:a100,region:us")},
				{BlockNumber: 2, Topic: TopicNodeRegistered, Host: [20]byte{0x02}, Data: registeredData(1, "gpu:h100,region:eu")},
			},
		},
	}
	cfg := DefaultConfig(1)
	cfg.ConfirmationDepth = 0
	r := New(cfg, client, nil, clockutil.System{}, nil)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	matches := r.Cache().ByCapability("gpu:a100")
	if len(matches) != 1 || matches[0] != ([20]byte{0x01}) {
		t.Fatalf("expected exactly host 0x01 to match, got %v", matches)
	}
}

func TestReconcilerConfirmationDepthHoldsBackUnconfirmedEvents(t *testing.T) {
	client := &fakeChainClient{
		head: 5, // with depth 12, nothing is confirmed yet
		events: map[string][]external.ChainEvent{
			TopicNodeRegistered: {
				{BlockNumber: 5, Topic: TopicNodeRegistered, Host: hostA, Data: registeredData(1, "meta")},
			},
		},
	}
	cfg := DefaultConfig(1) // ConfirmationDepth 12
	r := New(cfg, client, nil, clockutil.System{}, nil)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if hosts := r.Cache().ListHosts(); len(hosts) != 0 {
		t.Fatalf("event at block 5 should not be confirmed yet under depth 12, got %d hosts", len(hosts))
	}
}

func TestReconcilerRegistersOwnNodeOnMatchingEvent(t *testing.T) {
	client := &fakeChainClient{
		head: 1,
		events: map[string][]external.ChainEvent{
			TopicNodeRegistered: {
				{BlockNumber: 1, Topic: TopicNodeRegistered, Host: hostA, Data: registeredData(1, "meta")},
			},
		},
	}
	cfg := DefaultConfig(1)
	cfg.ConfirmationDepth = 0
	cfg.RegisterHostFilter = hostA
	r := New(cfg, client, nil, clockutil.System{}, nil)

	r.BeginRegistration([32]byte{0x01})
	if r.Registration().Status != Pending {
		t.Fatalf("expected Pending after BeginRegistration")
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	reg := r.Registration()
	if reg.Status != Confirmed || reg.BlockNumber != 1 {
		t.Fatalf("expected Confirmed at block 1, got %+v", reg)
	}
}

func TestCursorStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cursors.db")

	cs, err := OpenCursorStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.Save(7, 42); err != nil {
		t.Fatal(err)
	}
	if err := cs.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	cs2, err := OpenCursorStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer cs2.Close()

	got, err := cs2.Load(7)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("cursor for chain 7 = %d, want 42", got)
	}

	other, err := cs2.Load(99)
	if err != nil {
		t.Fatal(err)
	}
	if other != 0 {
		t.Fatalf("unknown chain should default to 0, got %d", other)
	}
}

func TestReconcilerTickAdvancesCursorWithNoNewEvents(t *testing.T) {
	client := &fakeChainClient{head: 3, events: map[string][]external.ChainEvent{}}
	cfg := DefaultConfig(1)
	cfg.ConfirmationDepth = 0
	r := New(cfg, client, nil, clockutil.System{}, nil)
	if err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.nextBlockUnsafe != 4 {
		t.Fatalf("cursor should advance to head+1 = 4, got %d", r.nextBlockUnsafe)
	}
}
