package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/errs"
)

// Limits is the capacity policy enforced by CreateSession (spec §4.3).
type Limits struct {
	MaxSessionsGlobal   int
	MaxSessionsPerChain int
	MaxMessagesPerSess  int
	MaxBytesPerSess     int
	IdleTimeout         time.Duration
}

// DefaultLimits mirrors the reference values in spec §4.3.
func DefaultLimits() Limits {
	return Limits{
		MaxSessionsGlobal:   10_000,
		MaxSessionsPerChain: 2_000,
		MaxMessagesPerSess:  4_096,
		MaxBytesPerSess:     8 << 20,
		IdleTimeout:         30 * time.Minute,
	}
}

// entry pairs a Session with its own lock, so that concurrent operations on
// distinct sessions never contend on a single global mutex (spec §5).
// Grounded on the teacher's internal/adapter/tunnel.go TunnelManager, which
// pairs each *Tunnel with coarse manager-level locking; here the lock moves
// to per-entry since C3 sessions mutate far more often (every buffered
// message, every advance_tokens call) than tunnels open/close.
type entry struct {
	mu  sync.Mutex
	ses Session
}

// Registry is the process-wide session table. The outer RWMutex guards only
// structural changes to the map (insert/delete); all per-session mutation
// happens under entry.mu so independent sessions proceed in parallel.
type Registry struct {
	limits          Limits
	clock           clockutil.Clock
	registeredChain map[uint64]struct{}

	mu      sync.RWMutex
	byID    map[string]*entry
	byChain map[uint64]map[string]struct{}
}

// New constructs an empty Registry. registeredChains is the node's
// configured chain allowlist (spec §4.3: "fails if chain_id not in the
// chain registry"); a nil or empty slice disables the check, which tests
// that don't care about multi-chain routing rely on.
func New(limits Limits, clock clockutil.Clock, registeredChains ...uint64) *Registry {
	if clock == nil {
		clock = clockutil.System{}
	}
	chains := make(map[uint64]struct{}, len(registeredChains))
	for _, c := range registeredChains {
		chains[c] = struct{}{}
	}
	return &Registry{
		limits:          limits,
		clock:           clock,
		registeredChain: chains,
		byID:            make(map[string]*entry),
		byChain:         make(map[uint64]map[string]struct{}),
	}
}

func sizeOf(t Turn) int { return len(t.Content) }

// CreateSession registers a new session under chainID, enforcing the
// global and per-chain capacity limits before insertion (spec §4.3).
func (r *Registry) CreateSession(chainID uint64, cfg Config) (Session, error) {
	const op = "registry.create_session"

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.registeredChain) > 0 {
		if _, ok := r.registeredChain[chainID]; !ok {
			return Session{}, errs.New(errs.KindChainUnsupported, op, "chain is not registered with this node").
				WithContext("chain_id", chainID)
		}
	}
	if _, exists := r.byID[id]; exists {
		return Session{}, errs.New(errs.KindInvalidPayload, op, "session id already registered").
			WithContext("session_id", id)
	}
	if len(r.byID) >= r.limits.MaxSessionsGlobal {
		return Session{}, errs.New(errs.KindOverCapacity, op, "global session capacity reached").
			WithContext("limit", r.limits.MaxSessionsGlobal)
	}
	if len(r.byChain[chainID]) >= r.limits.MaxSessionsPerChain {
		return Session{}, errs.New(errs.KindOverCapacity, op, "per-chain session capacity reached").
			WithContext("chain_id", chainID).WithContext("limit", r.limits.MaxSessionsPerChain)
	}

	now := r.clock.Now()
	sess := Session{
		SessionID:     id,
		ChainID:       chainID,
		JobID:         cfg.JobID,
		ClientAddress: cfg.ClientAddress,
		HostAddress:   cfg.HostAddress,
		ModelID:       cfg.ModelID,
		SessionKey:    cfg.SessionKey,
		PricePerToken: cfg.PricePerToken,
		CreatedAt:     now,
		LastActivity:  now,
		State:         Active,
	}

	e := &entry{ses: sess}
	r.byID[id] = e
	if r.byChain[chainID] == nil {
		r.byChain[chainID] = make(map[string]struct{})
	}
	r.byChain[chainID][id] = struct{}{}

	return sess.snapshot(), nil
}

// ResumeSession re-registers a session from a prior checkpoint index,
// restoring chain binding, token accounting, and checkpoint sequence
// (SPEC_FULL.md §D.1, grounded on original_source's session resumption
// path through session_resume messages already named in spec §6).
func (r *Registry) ResumeSession(chainID uint64, cfg Config, priorIndex uint32, tokensAtCheckpoint uint64) (Session, error) {
	sess, err := r.CreateSession(chainID, cfg)
	if err != nil {
		return Session{}, err
	}

	r.mu.RLock()
	e := r.byID[sess.SessionID]
	r.mu.RUnlock()

	e.mu.Lock()
	e.ses.CheckpointIndex = priorIndex
	e.ses.TokensAtCheckpoint = tokensAtCheckpoint
	e.ses.TokensNow = tokensAtCheckpoint
	out := e.ses.snapshot()
	e.mu.Unlock()

	return out, nil
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindSessionNotFound, "registry.lookup", "no such session").
			WithContext("session_id", sessionID)
	}
	return e, nil
}

// Get returns a snapshot of the session, regardless of chain.
func (r *Registry) Get(sessionID string) (Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ses.snapshot(), nil
}

// GetChain returns a snapshot of the session only if it belongs to chainID.
func (r *Registry) GetChain(chainID uint64, sessionID string) (Session, error) {
	const op = "registry.get_chain"
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ses.ChainID != chainID {
		return Session{}, errs.New(errs.KindSessionNotFound, op, "session not on requested chain").
			WithContext("session_id", sessionID).WithContext("chain_id", chainID)
	}
	return e.ses.snapshot(), nil
}

// ListByChain returns snapshots of every session on chainID.
func (r *Registry) ListByChain(chainID uint64) []Session {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byChain[chainID]))
	for id := range r.byChain[chainID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, err := r.Get(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// ListAll returns snapshots of every registered session.
func (r *Registry) ListAll() []Session {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, err := r.Get(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Remove deletes a session unconditionally, used on end/cancel/timeout.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return errs.New(errs.KindSessionNotFound, "registry.remove", "no such session").
			WithContext("session_id", sessionID)
	}
	e.mu.Lock()
	chainID := e.ses.ChainID
	e.mu.Unlock()

	delete(r.byID, sessionID)
	if m := r.byChain[chainID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byChain, chainID)
		}
	}
	return nil
}

// MigrateToChain rebinds a session to a new chain, enforcing the
// destination chain's capacity limit.
func (r *Registry) MigrateToChain(sessionID string, newChainID uint64) (Session, error) {
	const op = "registry.migrate_to_chain"

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.registeredChain) > 0 {
		if _, ok := r.registeredChain[newChainID]; !ok {
			return Session{}, errs.New(errs.KindChainUnsupported, op, "destination chain is not registered with this node").
				WithContext("chain_id", newChainID)
		}
	}
	e, ok := r.byID[sessionID]
	if !ok {
		return Session{}, errs.New(errs.KindSessionNotFound, op, "no such session").
			WithContext("session_id", sessionID)
	}
	if len(r.byChain[newChainID]) >= r.limits.MaxSessionsPerChain {
		return Session{}, errs.New(errs.KindOverCapacity, op, "destination chain at capacity").
			WithContext("chain_id", newChainID)
	}

	e.mu.Lock()
	oldChainID := e.ses.ChainID
	e.ses.ChainID = newChainID
	out := e.ses.snapshot()
	e.mu.Unlock()

	if m := r.byChain[oldChainID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byChain, oldChainID)
		}
	}
	if r.byChain[newChainID] == nil {
		r.byChain[newChainID] = make(map[string]struct{})
	}
	r.byChain[newChainID][sessionID] = struct{}{}

	return out, nil
}

// BufferMessage appends a turn to the session's in-memory buffer, enforcing
// per-session message-count and byte-size limits (spec §4.3) and bumping
// last_activity so the idle sweeper leaves it alone.
func (r *Registry) BufferMessage(sessionID string, turn Turn) error {
	const op = "registry.buffer_message"
	if turn.Partial && turn.Role != RoleAssistant {
		return errs.New(errs.KindInvalidPayload, op, "partial turns must have role=assistant").
			WithContext("session_id", sessionID).WithContext("role", string(turn.Role))
	}

	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ses.State != Active {
		return errs.New(errs.KindSessionClosed, op, "session is not active").
			WithContext("session_id", sessionID).WithContext("state", e.ses.State.String())
	}

	// A streamed assistant turn keeps the "partial is only ever the tail"
	// invariant by growing the existing trailing partial turn in place
	// instead of appending a second one; the turn that finally arrives
	// with Partial=false closes it out.
	if n := len(e.ses.MessageBuffer); n > 0 && e.ses.MessageBuffer[n-1].Partial {
		if turn.Role != RoleAssistant {
			return errs.New(errs.KindInvalidPayload, op, "cannot buffer a non-assistant turn while the tail is still partial").
				WithContext("session_id", sessionID)
		}
		total := sizeOf(turn)
		for i, t := range e.ses.MessageBuffer {
			if i != n-1 {
				total += sizeOf(t)
			}
		}
		if total > r.limits.MaxBytesPerSess {
			return errs.New(errs.KindOverCapacity, op, "message buffer byte limit exceeded").
				WithContext("session_id", sessionID).WithContext("limit", r.limits.MaxBytesPerSess)
		}
		tail := &e.ses.MessageBuffer[n-1]
		tail.Content += turn.Content
		tail.Partial = turn.Partial
		tail.TSMs = turn.TSMs
		e.ses.LastActivity = r.clock.Now()
		return nil
	}

	if len(e.ses.MessageBuffer) >= r.limits.MaxMessagesPerSess {
		return errs.New(errs.KindOverCapacity, op, "message buffer full").
			WithContext("session_id", sessionID).WithContext("limit", r.limits.MaxMessagesPerSess)
	}

	total := sizeOf(turn)
	for _, t := range e.ses.MessageBuffer {
		total += sizeOf(t)
	}
	if total > r.limits.MaxBytesPerSess {
		return errs.New(errs.KindOverCapacity, op, "message buffer byte limit exceeded").
			WithContext("session_id", sessionID).WithContext("limit", r.limits.MaxBytesPerSess)
	}

	e.ses.MessageBuffer = append(e.ses.MessageBuffer, turn)
	e.ses.LastActivity = r.clock.Now()
	return nil
}

// AdvanceTokens bumps the session's running token counter. P4: tokens_now
// is monotonically non-decreasing within a session's lifetime.
func (r *Registry) AdvanceTokens(sessionID string, delta uint64) (uint64, error) {
	const op = "registry.advance_tokens"
	e, err := r.lookup(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ses.State != Active {
		return 0, errs.New(errs.KindSessionClosed, op, "session is not active").
			WithContext("session_id", sessionID)
	}
	e.ses.TokensNow += delta
	e.ses.LastActivity = r.clock.Now()
	return e.ses.TokensNow, nil
}

// CutCheckpoint atomically freezes the current message buffer and token
// range into a FrozenDelta, clears the buffer, and advances the checkpoint
// sequence. Returns the frozen snapshot so a caller can run C4's publish
// pipeline outside the session lock.
func (r *Registry) CutCheckpoint(sessionID string) (FrozenDelta, error) {
	const op = "registry.cut_checkpoint"
	e, err := r.lookup(sessionID)
	if err != nil {
		return FrozenDelta{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ses.State != Active {
		return FrozenDelta{}, errs.New(errs.KindSessionClosed, op, "session is not active").
			WithContext("session_id", sessionID)
	}

	delta := FrozenDelta{
		SessionID:       sessionID,
		CheckpointIndex: e.ses.CheckpointIndex,
		StartToken:      e.ses.TokensAtCheckpoint,
		EndToken:        e.ses.TokensNow,
		Messages:        append([]Turn(nil), e.ses.MessageBuffer...),
	}

	e.ses.MessageBuffer = nil
	e.ses.TokensAtCheckpoint = e.ses.TokensNow
	e.ses.CheckpointIndex++

	return delta, nil
}

// CancelCut reverses an in-flight CutCheckpoint: the previously frozen
// messages are re-prepended ahead of anything buffered since the cut (not
// appended — a client's next prompt must never be reordered ahead of the
// turns the cancelled checkpoint was trying to commit), and the token and
// checkpoint-index counters roll back to their pre-cut values
// (SPEC_FULL.md §D.3, grounded on original_source's publisher rollback on
// storage.put failure).
func (r *Registry) CancelCut(sessionID string, delta FrozenDelta) error {
	const op = "registry.cancel_cut"
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ses.CheckpointIndex != delta.CheckpointIndex+1 {
		return errs.New(errs.KindCheckpointPublishFailed, op, "checkpoint sequence has moved past this cut").
			WithContext("session_id", sessionID).
			WithContext("expected_index", delta.CheckpointIndex+1).
			WithContext("actual_index", e.ses.CheckpointIndex)
	}

	e.ses.MessageBuffer = append(append([]Turn(nil), delta.Messages...), e.ses.MessageBuffer...)
	e.ses.TokensAtCheckpoint = delta.StartToken
	e.ses.CheckpointIndex = delta.CheckpointIndex
	return nil
}

// SetState transitions a session out of Active (spec §3 state machine is
// monotone: Active can move to any of the four terminal-ish states, none
// of which return to Active).
func (r *Registry) SetState(sessionID string, state State) error {
	const op = "registry.set_state"
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ses.State != Active && state == Active {
		return errs.New(errs.KindSessionClosed, op, "cannot transition back to active").
			WithContext("session_id", sessionID)
	}
	e.ses.State = state
	return nil
}

// ChainStats reports session counts, overall and per chain (spec §4.3).
func (r *Registry) ChainStats() ChainStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := ChainStats{
		Total:        len(r.byID),
		ByChain:      make(map[uint64]int, len(r.byChain)),
		UniqueChains: len(r.byChain),
	}
	for chainID, ids := range r.byChain {
		stats.ByChain[chainID] = len(ids)
	}
	return stats
}

// SweepIdle transitions sessions whose last_activity predates the
// configured idle timeout to TimedOut and frees their message buffer. The
// entry itself is left in the registry — Get still resolves it, so its
// token ledger (TokensAtCheckpoint/TokensNow) remains observable for
// post-mortem settlement (S5) — along with its checkpoint index, which
// lives in internal/checkpoint's own per-session state and in external
// storage and is only dropped when the façade explicitly calls
// checkpoint.Engine.Forget on session end. Returns the ids swept.
func (r *Registry) SweepIdle() []string {
	now := r.clock.Now()

	r.mu.RLock()
	candidates := make([]string, 0)
	for id, e := range r.byID {
		e.mu.Lock()
		idle := now.Sub(e.ses.LastActivity)
		active := e.ses.State == Active
		e.mu.Unlock()
		if active && idle >= r.limits.IdleTimeout {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	swept := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if err := r.SetState(id, TimedOut); err != nil {
			continue
		}
		r.mu.RLock()
		e, ok := r.byID[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		e.ses.MessageBuffer = nil
		e.mu.Unlock()
		swept = append(swept, id)
	}
	return swept
}

// Sweeper runs SweepIdle on a ticker until ctx/stop is signalled. Grounded
// on the teacher's internal/adapter/circuit_breaker.go half-open recovery
// timer pattern: a single background goroutine driven by an injectable
// clock-compatible ticker, stoppable without leaking.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a Sweeper that checks reg every interval.
func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{reg: reg, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				s.reg.SweepIdle()
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it to do so.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
