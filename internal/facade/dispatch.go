package facade

import (
	"context"
	"strconv"
	"sync"

	"github.com/rubin-infernode/node/internal/checkpoint"
	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/errs"
	"github.com/rubin-infernode/node/internal/obs"
	"github.com/rubin-infernode/node/internal/proof"
	"github.com/rubin-infernode/node/internal/ratelimit"
	"github.com/rubin-infernode/node/internal/registry"
	"github.com/rubin-infernode/node/internal/sessioninit"
	"github.com/rubin-infernode/node/pkg/external"
)

// Kind identifies an incoming message's type (spec §4.7: "session init,
// prompt, stream control, checkpoint tick, session end").
type Kind int

const (
	KindSessionInit Kind = iota
	KindPrompt
	KindStreamControl
	KindCheckpointTick
	KindSessionEnd
)

// StreamAction is the payload of a KindStreamControl message.
type StreamAction int

const (
	StreamPause StreamAction = iota
	StreamResume
	StreamCancel
)

// Message is the envelope C7 dispatches. Exactly one of the kind-specific
// fields is populated, matching Kind.
type Message struct {
	Kind Kind

	ChainID uint64
	Token   string // bearer JWT, required for every kind except SessionInit

	SessionInit sessioninit.EncryptedSessionPayload
	Prompt      string
	StreamCtl   StreamAction
}

// Response is what Dispatch returns for a successfully handled Message.
type Response struct {
	SessionID string
	Accepted  bool
	Tokens    <-chan external.InferenceToken
	Headers   map[string]string
}

// Config wires together C7's collaborators.
type Config struct {
	NodePrivateKey32   []byte
	Auth               *TokenAuthenticator
	IPLimiter          *ratelimit.Limiter
	SessionLimiter     *ratelimit.Limiter
	BackpressureBudget int           // consecutive dropped tokens before a session is pushed to ShuttingDown
	Clock              clockutil.Clock
	Log                obs.Logger
}

// Facade is C7: it authenticates and rate-limits inbound messages, maps
// them onto C3 (registry), C4 (checkpoint), C5 (proof), and an injected
// inference engine, and applies backpressure to token delivery.
//
// Grounded on the teacher's internal/signer/handler.go (one method per
// request kind, domain errors folded to a single response shape) and
// internal/adapter/circuit_breaker.go (CanTrade-style health gate ahead of
// doing real work) — generalized from connection health to session
// liveness plus sink backpressure.
type Facade struct {
	cfg Config

	reg        *registry.Registry
	checkpoint *checkpoint.Engine
	proofEng   *proof.Engine
	inference  external.InferenceEngine

	mu      sync.Mutex
	dropped map[string]int // consecutive dropped-token count per session
}

// New wires a Facade to its collaborators.
func New(cfg Config, reg *registry.Registry, ckpt *checkpoint.Engine, prf *proof.Engine, inference external.InferenceEngine) *Facade {
	if cfg.Clock == nil {
		cfg.Clock = clockutil.System{}
	}
	if cfg.Log == nil {
		cfg.Log = obs.Discard{}
	}
	if cfg.BackpressureBudget <= 0 {
		cfg.BackpressureBudget = 32
	}
	return &Facade{
		cfg:        cfg,
		reg:        reg,
		checkpoint: ckpt,
		proofEng:   prf,
		inference:  inference,
		dropped:    make(map[string]int),
	}
}

// Dispatch routes msg to the appropriate C3/C4/C5 operation (spec §4.7).
// SessionInit is exempt from auth (there is no session yet to hold a
// token's claims against); every other kind requires a valid, unexpired,
// correctly-permissioned bearer token.
func (f *Facade) Dispatch(ctx context.Context, ipKey string, msg Message) (Response, error) {
	const op = "facade.Dispatch"

	var claims Claims
	if msg.Kind != KindSessionInit {
		c, err := f.authorize(ctx, msg)
		if err != nil {
			return Response{}, err
		}
		claims = c
	}
	if f.cfg.IPLimiter != nil {
		d, err := f.cfg.IPLimiter.Allow(ctx, ipKey)
		if err != nil {
			return Response{}, err
		}
		if !d.Allowed {
			return Response{Headers: d.Headers()}, errs.New(errs.KindRateLimited, op, "ip rate limit exceeded").WithContext("ip", ipKey)
		}
	}

	switch msg.Kind {
	case KindSessionInit:
		return f.handleSessionInit(msg)
	case KindPrompt:
		return f.handlePrompt(ctx, claims, msg)
	case KindStreamControl:
		return f.handleStreamControl(claims, msg)
	case KindCheckpointTick:
		return f.handleCheckpointTick(ctx, claims)
	case KindSessionEnd:
		return f.handleSessionEnd(claims)
	default:
		return Response{}, errs.New(errs.KindInvalidPayload, op, "unknown message kind")
	}
}

func (f *Facade) authorize(ctx context.Context, msg Message) (Claims, error) {
	claims, err := f.cfg.Auth.Validate(msg.Token, f.cfg.Clock.Now())
	if err != nil {
		return Claims{}, err
	}
	if f.cfg.SessionLimiter != nil {
		d, err := f.cfg.SessionLimiter.Allow(ctx, claims.SessionID)
		if err != nil {
			return Claims{}, err
		}
		if !d.Allowed {
			return Claims{}, errs.New(errs.KindRateLimited, "facade.authorize", "session rate limit exceeded").
				WithContext("session_id", claims.SessionID)
		}
	}
	return claims, nil
}

func (f *Facade) handleSessionInit(msg Message) (Response, error) {
	const op = "facade.handleSessionInit"
	result, err := sessioninit.DecryptSessionInit(msg.SessionInit, f.cfg.NodePrivateKey32)
	if err != nil {
		return Response{}, err
	}
	jobID, err := strconv.ParseUint(result.JobID, 10, 64)
	if err != nil {
		return Response{}, errs.Wrap(errs.KindInvalidPayload, op, err).WithContext("field", "jobId")
	}

	cfg := registry.Config{
		JobID:         jobID,
		ClientAddress: result.ClientAddress,
		ModelID:       result.ModelName,
		SessionKey:    result.SessionKey,
		PricePerToken: result.PricePerToken,
	}
	sess, err := f.reg.CreateSession(msg.ChainID, cfg)
	if err != nil {
		return Response{}, err
	}
	return Response{SessionID: sess.SessionID, Accepted: true}, nil
}

func (f *Facade) handlePrompt(ctx context.Context, claims Claims, msg Message) (Response, error) {
	if err := Require(claims, PermWrite); err != nil {
		return Response{}, err
	}

	sess, err := f.reg.Get(claims.SessionID)
	if err != nil {
		return Response{}, err
	}

	turn := registry.Turn{Role: registry.RoleUser, Content: msg.Prompt, TSMs: uint64(f.cfg.Clock.Now().UnixMilli())}
	if err := f.reg.BufferMessage(claims.SessionID, turn); err != nil {
		return Response{}, err
	}

	out, errc := f.inference.Run(ctx, sess.ModelID, msg.Prompt, nil)
	sink := f.backpressuredSink(claims.SessionID, out, errc)
	return Response{SessionID: claims.SessionID, Accepted: true, Tokens: sink}, nil
}

// backpressuredSink re-buffers inference tokens through a bounded channel.
// A send that would block is dropped instead, matching Broadcaster's
// non-blocking distribute. Consecutive drops beyond cfg.BackpressureBudget
// push the session to ShuttingDown rather than buffering unbounded (spec
// §4.7).
func (f *Facade) backpressuredSink(sessionID string, in <-chan external.InferenceToken, errc <-chan error) <-chan external.InferenceToken {
	out := make(chan external.InferenceToken, 64)
	go func() {
		defer close(out)
		for {
			select {
			case tok, ok := <-in:
				if !ok {
					return
				}
				f.recordToken(sessionID, tok)
				select {
				case out <- tok:
					f.mu.Lock()
					f.dropped[sessionID] = 0
					f.mu.Unlock()
				default:
					f.onDrop(sessionID)
				}
				if tok.IsFinal {
					return
				}
			case err, ok := <-errc:
				if ok && err != nil {
					f.cfg.Log.Warnf("facade: inference error for session %s: %v", sessionID, err)
				}
				return
			}
		}
	}()
	return out
}

func (f *Facade) recordToken(sessionID string, tok external.InferenceToken) {
	turn := registry.Turn{Role: registry.RoleAssistant, Content: tok.Text, Partial: !tok.IsFinal}
	_ = f.reg.BufferMessage(sessionID, turn)
	if tok.NumToken > 0 {
		_, _ = f.reg.AdvanceTokens(sessionID, tok.NumToken)
	}
}

func (f *Facade) onDrop(sessionID string) {
	f.mu.Lock()
	f.dropped[sessionID]++
	n := f.dropped[sessionID]
	f.mu.Unlock()

	f.cfg.Log.Warnf("facade: dropped token for session %s (%d consecutive)", sessionID, n)
	if n > f.cfg.BackpressureBudget {
		if err := f.reg.SetState(sessionID, registry.ShuttingDown); err != nil {
			f.cfg.Log.Errorf("facade: failed to shut down backpressured session %s: %v", sessionID, err)
		}
	}
}

func (f *Facade) handleStreamControl(claims Claims, msg Message) (Response, error) {
	if err := Require(claims, PermWrite); err != nil {
		return Response{}, err
	}
	switch msg.StreamCtl {
	case StreamCancel:
		if err := f.reg.SetState(claims.SessionID, registry.Cancelled); err != nil {
			return Response{}, err
		}
	}
	return Response{SessionID: claims.SessionID, Accepted: true}, nil
}

// handleCheckpointTick runs C5's make_proof over the session's currently
// buffered turns, then hands the resulting proof_hash into C4's publish
// pipeline (spec §4.4/§4.5 wiring).
func (f *Facade) handleCheckpointTick(ctx context.Context, claims Claims) (Response, error) {
	if err := Require(claims, PermExecute); err != nil {
		return Response{}, err
	}

	sess, err := f.reg.Get(claims.SessionID)
	if err != nil {
		return Response{}, err
	}

	var input string
	for _, t := range sess.MessageBuffer {
		input += t.Content
	}
	req := proof.Request{
		JobID:         strconv.FormatUint(sess.JobID, 10),
		ModelPathOrID: sess.ModelID,
		Input:         input,
		Output:        input,
	}
	p, err := f.proofEng.MakeProof(req)
	if err != nil {
		return Response{}, err
	}

	res, err := f.checkpoint.Publish(ctx, claims.SessionID, p.ProofHash)
	if err != nil {
		return Response{}, err
	}
	_ = res
	return Response{SessionID: claims.SessionID, Accepted: true}, nil
}

func (f *Facade) handleSessionEnd(claims Claims) (Response, error) {
	if err := f.reg.SetState(claims.SessionID, registry.Completed); err != nil {
		return Response{}, err
	}
	if err := f.reg.Remove(claims.SessionID); err != nil {
		return Response{}, err
	}
	f.checkpoint.Forget(claims.SessionID)
	return Response{SessionID: claims.SessionID, Accepted: true}, nil
}
