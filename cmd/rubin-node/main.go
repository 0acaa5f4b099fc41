// Command rubin-node is the composition root: it loads configuration,
// custodies the host signing key, and wires the registry, chain
// reconcilers, checkpoint engine, proof engine, rate limiters, and the C7
// façade together. It does not speak any wire protocol itself — the
// HTTP/WebSocket transport, the chain RPC client, the content-addressed
// storage driver, and the inference backend are external collaborators
// (spec §1); where none is configured this wires the in-memory
// internal/devstub placeholders instead so the process still starts.
//
// Grounded on the teacher's cmd/signer/main.go: config.Load, a
// memguard.Purge deferred at the top and a signal.NotifyContext shutdown
// gate. main blocks on a plain <-ctx.Done(); the deferred Destroy, Stop
// and Close calls run as main returns.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/rubin-infernode/node/internal/chainreg"
	"github.com/rubin-infernode/node/internal/checkpoint"
	"github.com/rubin-infernode/node/internal/clockutil"
	"github.com/rubin-infernode/node/internal/config"
	"github.com/rubin-infernode/node/internal/devstub"
	"github.com/rubin-infernode/node/internal/facade"
	"github.com/rubin-infernode/node/internal/hostkey"
	"github.com/rubin-infernode/node/internal/kms"
	"github.com/rubin-infernode/node/internal/obs"
	"github.com/rubin-infernode/node/internal/proof"
	"github.com/rubin-infernode/node/internal/ratelimit"
	"github.com/rubin-infernode/node/internal/registry"

	redis "github.com/redis/go-redis/v9"
)

func main() {
	defer memguard.Purge()

	log := obs.NewStdLogger("rubin-node")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log.Infof("starting (env=%s, chains=%d)", cfg.Env, len(cfg.Chains))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	nodeKeyBytes, signer, err := loadHostKey(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load host key: %v\n", err)
		os.Exit(1)
	}
	defer signer.Destroy()
	log.Infof("host key loaded, address=%x", signer.Address())

	chainIDs := make([]uint64, len(cfg.Chains))
	for i, c := range cfg.Chains {
		chainIDs[i] = c.ChainID
	}

	limits := registry.Limits{
		MaxSessionsGlobal:   cfg.Node.MaxSessionsGlobal,
		MaxSessionsPerChain: cfg.Node.MaxSessionsPerChain,
		MaxMessagesPerSess:  cfg.Node.MaxMessagesPerSess,
		MaxBytesPerSess:     cfg.Node.MaxBytesPerSess,
		IdleTimeout:         cfg.Node.IdleTimeout,
	}
	reg := registry.New(limits, clockutil.System{}, chainIDs...)

	sweeper := registry.NewSweeper(reg, cfg.Node.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	cursors, err := chainreg.OpenCursorStore(cfg.Storage.CursorDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open cursor store: %v\n", err)
		os.Exit(1)
	}
	defer cursors.Close()

	nodeAddr := signer.Address()
	chainClient := devstub.ChainClient{}
	reconcilers := make([]*chainreg.Reconciler, 0, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		rcfg := chainreg.DefaultConfig(cc.ChainID)
		rcfg.PollInterval = cc.PollInterval
		rcfg.ConfirmationDepth = cc.ConfirmationDepth
		rcfg.RegisterHostFilter = nodeAddr

		rec := chainreg.New(rcfg, chainClient, cursors, clockutil.System{}, log)
		reconcilers = append(reconcilers, rec)
		go rec.Run(ctx)
		log.Infof("chain reconciler started for chain_id=%d", cc.ChainID)
	}
	defer func() {
		for _, rec := range reconcilers {
			rec.Stop()
		}
	}()

	storage := devstub.NewStorage()
	ckpt := checkpoint.New(reg, storage, signer, checkpoint.DefaultRetryConfig(), log)

	proofEng, err := proof.New(proof.Backend(cfg.Proof.Backend), cfg.Proof.CacheSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct proof engine: %v\n", err)
		os.Exit(1)
	}

	var rdb ratelimit.RedisClient
	if cfg.Redis.Addr != "" {
		rdb = newRedisAdapter(cfg)
	}
	ipLimiter := ratelimit.New(ratelimit.Config{
		WindowSize:   ratelimit.DefaultConfig().WindowSize,
		WindowLimit:  cfg.Facade.IPWindowLimit,
		BurstSize:    ratelimit.DefaultConfig().BurstSize,
		RefillPerSec: ratelimit.DefaultConfig().RefillPerSec,
	}, rdb, clockutil.System{}, cfg.Facade.Whitelist)
	sessionLimiter := ratelimit.New(ratelimit.Config{
		WindowSize:   ratelimit.DefaultConfig().WindowSize,
		WindowLimit:  cfg.Facade.SessionWindowLimit,
		BurstSize:    ratelimit.DefaultConfig().BurstSize,
		RefillPerSec: ratelimit.DefaultConfig().RefillPerSec,
	}, rdb, clockutil.System{}, cfg.Facade.Whitelist)

	jwtSecret, err := hex.DecodeString(strings.TrimPrefix(cfg.Facade.JWTSecretHex, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode facade.jwt_secret_hex: %v\n", err)
		os.Exit(1)
	}
	auth, err := facade.NewTokenAuthenticator(jwtSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct token authenticator: %v\n", err)
		os.Exit(1)
	}

	// fac is the dispatch entry point a transport layer drives via
	// Dispatch(ctx, ipKey, msg); none is wired here since the transport
	// itself is an external collaborator (spec §1).
	_ = facade.New(facade.Config{
		NodePrivateKey32:   nodeKeyBytes,
		Auth:               auth,
		IPLimiter:          ipLimiter,
		SessionLimiter:     sessionLimiter,
		BackpressureBudget: cfg.Facade.BackpressureBudget,
		Clock:              clockutil.System{},
		Log:                log,
	}, reg, ckpt, proofEng, devstub.InferenceEngine{})

	log.Infof("ready")
	<-ctx.Done()
	log.Infof("shutting down")
}

// loadHostKey resolves the node's raw private-key scalar (needed by
// internal/sessioninit for ECDH against each incoming session_init) and
// the sealed signing facade built from it (spec §6: "optionally, a
// key-material-at-rest file"). The raw bytes never outlive this call and
// the facade.Config that copies them; they are not the ones held inside
// the returned Facade's enclave.
func loadHostKey(ctx context.Context, cfg *config.Config) ([]byte, *hostkey.Facade, error) {
	var keyBytes []byte
	if cfg.Node.KMSKeyCiphertextHex != "" {
		client, err := kms.New(ctx, cfg.Node.AWSRegion, cfg.LocalStackEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("construct kms client: %w", err)
		}
		ciphertext, err := hex.DecodeString(strings.TrimPrefix(cfg.Node.KMSKeyCiphertextHex, "0x"))
		if err != nil {
			return nil, nil, fmt.Errorf("decode kms_key_ciphertext_hex: %w", err)
		}
		plain, err := client.Decrypt(ctx, ciphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("kms decrypt host key: %w", err)
		}
		keyBytes = plain
	} else {
		raw, err := hostKeyBytes(cfg)
		if err != nil {
			return nil, nil, err
		}
		keyBytes = raw
	}

	signer, err := hostkey.New(keyBytes)
	if err != nil {
		for i := range keyBytes {
			keyBytes[i] = 0
		}
		return nil, nil, err
	}
	return keyBytes, signer, nil
}

func hostKeyBytes(cfg *config.Config) ([]byte, error) {
	if cfg.Node.HostKeyHex == "" {
		return nil, fmt.Errorf("node.host_key_hex is empty and no kms_key_ciphertext_hex is set")
	}
	return hex.DecodeString(strings.TrimPrefix(cfg.Node.HostKeyHex, "0x"))
}

// redisAdapter narrows *redis.Client to the ratelimit.RedisClient seam,
// the same narrowing the teacher applies in internal/adapter/redis_writer.go.
type redisAdapter struct {
	client *redis.Client
}

func newRedisAdapter(cfg *config.Config) redisAdapter {
	return redisAdapter{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})}
}

func (r redisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}
