package chainreg

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/errs"
	"github.com/rubin-infernode/node/internal/obs"
	"github.com/rubin-infernode/node/pkg/external"
)

const (
	TopicNodeRegistered   = "NodeRegistered"
	TopicNodeUpdated      = "NodeUpdated"
	TopicNodeUnregistered = "NodeUnregistered"
)

var pollTopics = [3]string{TopicNodeRegistered, TopicNodeUpdated, TopicNodeUnregistered}

// Config tunes one chain's reconciler loop.
type Config struct {
	ChainID            uint64
	PollInterval       time.Duration // original_source polls every 5s
	ConfirmationDepth  uint64        // trailing distance behind chain head before a block is "final"
	HistoryCapacity    int           // history ring buffer size (Reconciler.History)
	RegisterHostFilter [20]byte      // this node's own address, for register_on_chain status tracking
}

// DefaultConfig mirrors original_source/src/contracts/registry_monitor.rs's
// 5-second poll loop, with a 12-block confirmation depth (spec §4.6).
func DefaultConfig(chainID uint64) Config {
	return Config{
		ChainID:           chainID,
		PollInterval:      5 * time.Second,
		ConfirmationDepth: 12,
		HistoryCapacity:   256,
	}
}

// history is a fixed-capacity ring buffer of applied events (SPEC_FULL.md
// §D.4).
type history struct {
	buf  []Event
	cap  int
	next int
	full bool
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 256
	}
	return &history{buf: make([]Event, capacity), cap: capacity}
}

func (h *history) push(e Event) {
	h.buf[h.next] = e
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns applied events oldest-first.
func (h *history) snapshot() []Event {
	if !h.full {
		out := make([]Event, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]Event, h.cap)
	copy(out, h.buf[h.next:])
	copy(out[h.cap-h.next:], h.buf[:h.next])
	return out
}

// Reconciler polls one chain's registry events, maintains a Cache of
// currently-registered hosts, and tracks this node's own registration
// status (spec §4.6).
type Reconciler struct {
	cfg     Config
	client  external.ChainClient
	cursors *CursorStore
	clock   clockutil.Clock
	log     obs.Logger

	mu              sync.RWMutex
	cache           *Cache
	hist            *history
	reg             Registration
	nextBlockUnsafe uint64 // in-memory fallback cursor when cursors == nil; guarded by mu
	stopped         chan struct{}
	stop            chan struct{}
}

// New constructs a Reconciler. cursors may be nil, in which case the
// reconciler always starts from block 0 and never persists progress
// (useful in tests and for ephemeral deployments).
func New(cfg Config, client external.ChainClient, cursors *CursorStore, clock clockutil.Clock, log obs.Logger) *Reconciler {
	if clock == nil {
		clock = clockutil.System{}
	}
	if log == nil {
		log = obs.Discard{}
	}
	return &Reconciler{
		cfg:     cfg,
		client:  client,
		cursors: cursors,
		clock:   clock,
		log:     log,
		cache:   NewCache(),
		hist:    newHistory(cfg.HistoryCapacity),
	}
}

// Cache returns the reconciler's live node-registry view.
func (r *Reconciler) Cache() *Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache
}

// History returns a snapshot of applied events, oldest first
// (SPEC_FULL.md §D.4).
func (r *Reconciler) History() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hist.snapshot()
}

// Registration returns this node's current on-chain registration status.
func (r *Reconciler) Registration() Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reg
}

// loadCursor returns the next block to query for this chain.
func (r *Reconciler) loadCursor() uint64 {
	if r.cursors == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.nextBlockUnsafe
	}
	c, err := r.cursors.Load(r.cfg.ChainID)
	if err != nil {
		r.log.Warnf("chainreg: cursor load failed for chain %d: %v", r.cfg.ChainID, err)
		return 0
	}
	return c
}

// Tick performs a single poll iteration: query all three event topics over
// the window [cursor, head-confirmationDepth], apply them to the cache in
// block/log order, persist the advanced cursor, and update this node's own
// registration status if a matching NodeRegistered event was observed.
func (r *Reconciler) Tick(ctx context.Context) error {
	const op = "chainreg.Reconciler.Tick"

	head, err := r.client.GetBlockNumber(ctx)
	if err != nil {
		return errs.Wrap(errs.KindChainUnavailable, op, err)
	}

	from := r.loadCursor()
	to := head
	if r.cfg.ConfirmationDepth > 0 {
		if head < r.cfg.ConfirmationDepth {
			to = 0
		} else {
			to = head - r.cfg.ConfirmationDepth
		}
	}
	if to < from {
		// Nothing newly confirmed since the last tick, or a reorg pulled
		// the confirmed head backward. Either way, re-querying
		// [from, from] is a no-op and we simply wait for the next tick.
		return nil
	}

	var events []external.ChainEvent
	var queryErr error
	for _, topic := range pollTopics {
		got, err := r.client.QueryEvents(ctx, from, to, topic)
		if err != nil {
			// Keep querying the remaining topics instead of bailing out on
			// the first failure, so one unhealthy topic query doesn't hide
			// errors on the others.
			queryErr = multierr.Append(queryErr, err)
			continue
		}
		events = append(events, got...)
	}
	if queryErr != nil {
		return errs.Wrap(errs.KindChainUnavailable, op, queryErr)
	}
	sortEvents(events)

	now := uint64(r.clock.Now().Unix())

	r.mu.Lock()
	for _, ce := range events {
		ev, ok := decodeEvent(ce)
		if !ok {
			continue
		}
		r.cache.apply(ev, now)
		r.hist.push(ev)
		if ev.Kind == NodeRegistered && ev.Host == r.cfg.RegisterHostFilter {
			r.reg = Registration{Status: Confirmed, BlockNumber: ev.BlockNumber}
		}
	}
	r.nextBlockUnsafe = to + 1
	r.mu.Unlock()

	if r.cursors != nil {
		if err := r.cursors.Save(r.cfg.ChainID, to+1); err != nil {
			r.log.Warnf("chainreg: cursor save failed for chain %d: %v", r.cfg.ChainID, err)
		}
	}
	return nil
}

// Run starts the poll loop on cfg.PollInterval until ctx is cancelled or
// Stop is called. Grounded on registry_monitor.rs's 5-second sleep loop.
func (r *Reconciler) Run(ctx context.Context) {
	r.mu.Lock()
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(r.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Errorf("chainreg: tick failed for chain %d: %v", r.cfg.ChainID, err)
			}
		}
	}
}

// Stop halts a running Run loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stop := r.stop
	stopped := r.stopped
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// BeginRegistration marks this node as pending registration on chain,
// ahead of the event loop later observing its own NodeRegistered log.
func (r *Reconciler) BeginRegistration(txHash [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg = Registration{Status: Pending, TxHash: txHash}
}

// FailRegistration records a registration attempt that will never confirm
// (e.g. the submitting transaction reverted).
func (r *Reconciler) FailRegistration(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg.Status = Failed
	r.reg.Err = reason
}

func sortEvents(events []external.ChainEvent) {
	// Simple insertion sort: event volumes per tick are small and this
	// keeps NodeRegistered/NodeUpdated/NodeUnregistered interleaved in
	// true chain order despite being queried one topic at a time.
	for i := 1; i < len(events); i++ {
		j := i
		for j > 0 && less(events[j], events[j-1]) {
			events[j], events[j-1] = events[j-1], events[j]
			j--
		}
	}
}

func less(a, b external.ChainEvent) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.LogIndex < b.LogIndex
}

// decodeEvent maps a raw ChainEvent onto the package's Event type. Data
// encodes the event-specific payload: NodeRegistered carries an 8-byte
// big-endian stake followed by the info string; NodeUpdated carries just
// the info string; NodeUnregistered carries no payload.
func decodeEvent(ce external.ChainEvent) (Event, bool) {
	base := Event{Host: ce.Host, BlockNumber: ce.BlockNumber, LogIndex: ce.LogIndex}
	switch ce.Topic {
	case TopicNodeRegistered:
		if len(ce.Data) < 8 {
			return Event{}, false
		}
		base.Kind = NodeRegistered
		base.Stake = binary.BigEndian.Uint64(ce.Data[:8])
		base.Info = string(ce.Data[8:])
		return base, true
	case TopicNodeUpdated:
		base.Kind = NodeUpdated
		base.Info = string(ce.Data)
		return base, true
	case TopicNodeUnregistered:
		base.Kind = NodeUnregistered
		return base, true
	default:
		return Event{}, false
	}
}
