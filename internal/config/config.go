// Package config loads node configuration the way the teacher's
// internal/config/config.go does: viper, environment-variable driven,
// defaults set before the environment is allowed to override them
// (spec §9 ambient stack, SPEC_FULL.md §B3). The env prefix moves from
// CAESAR_ to RUBIN_ and the sections change shape (chains/storage/proof
// instead of a trading DB), but the loading idiom is unchanged.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all node configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`

	Node    NodeConfig
	Chains  []ChainConfig
	Storage StorageConfig
	Proof   ProofConfig
	Facade  FacadeConfig
	Redis   RedisConfig
}

// NodeConfig identifies this host and custodies its signing key.
type NodeConfig struct {
	// HostKeyHex is the raw 32-byte secp256k1 scalar, hex-encoded
	// (0x-prefixed or not). Empty in production deployments that use KMS
	// instead; see KMSKeyCiphertextHex.
	HostKeyHex string `mapstructure:"host_key_hex"`
	// KMSKeyCiphertextHex is a KMS-wrapped host key blob, hex-encoded.
	// When set, the node decrypts it at startup via internal/kms instead
	// of reading HostKeyHex directly.
	KMSKeyCiphertextHex string `mapstructure:"kms_key_ciphertext_hex"`
	AWSRegion           string `mapstructure:"aws_region"`

	MaxSessionsGlobal   int           `mapstructure:"max_sessions_global"`
	MaxSessionsPerChain int           `mapstructure:"max_sessions_per_chain"`
	MaxMessagesPerSess  int           `mapstructure:"max_messages_per_session"`
	MaxBytesPerSess     int           `mapstructure:"max_bytes_per_session"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

// ChainConfig is one entry in the node's registered-chain allowlist (spec
// §6: "Registered chain IDs (example set): 84532, 5611. Unknown chain IDs
// are rejected at session_init.").
type ChainConfig struct {
	ChainID           uint64        `mapstructure:"chain_id"`
	RPCEndpoint       string        `mapstructure:"rpc_endpoint"`
	RegistryAddress   string        `mapstructure:"registry_address"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConfirmationDepth uint64        `mapstructure:"confirmation_depth"`
}

// StorageConfig points at the content-addressed storage driver (spec §6.2)
// and the cursor database backing C6's replay state.
type StorageConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	CursorDBPath  string `mapstructure:"cursor_db_path"`
	HomePathOwner string `mapstructure:"home_path_owner"`
}

// ProofConfig selects and tunes the C5 backend (spec §4.5/§9: "Selection is
// by config, not recompile.").
type ProofConfig struct {
	Backend   string `mapstructure:"backend"` // simple | snark | zkvm
	CacheSize int    `mapstructure:"cache_size"`
	Required  bool   `mapstructure:"required"` // loaded but not read: a make_proof error fails the checkpoint tick either way
}

// FacadeConfig tunes C7's auth and rate limiting.
type FacadeConfig struct {
	JWTSecretHex       string        `mapstructure:"jwt_secret_hex"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	IPWindowLimit      int64         `mapstructure:"ip_window_limit"`
	SessionWindowLimit int64         `mapstructure:"session_window_limit"`
	BackpressureBudget int           `mapstructure:"backpressure_budget"`
	Whitelist          []string      `mapstructure:"whitelist"`
}

// RedisConfig holds the Redis connection settings backing C7's sliding
// window rate-limit counters.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from environment variables prefixed with
// RUBIN_, following defaults-then-override.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUBIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("node.max_sessions_global", 10_000)
	v.SetDefault("node.max_sessions_per_chain", 2_000)
	v.SetDefault("node.max_messages_per_session", 4_096)
	v.SetDefault("node.max_bytes_per_session", 8<<20)
	v.SetDefault("node.idle_timeout", "30m")
	v.SetDefault("node.sweep_interval", "10s")
	v.SetDefault("node.aws_region", "us-east-1")

	v.SetDefault("storage.cursor_db_path", "./rubin-cursors.db")

	v.SetDefault("proof.backend", "simple")
	v.SetDefault("proof.cache_size", 1024)
	v.SetDefault("proof.required", false)

	v.SetDefault("facade.token_ttl", "1h")
	v.SetDefault("facade.ip_window_limit", int64(600))
	v.SetDefault("facade.session_window_limit", int64(120))
	v.SetDefault("facade.backpressure_budget", 32)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	cfg := &Config{}
	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	idleTimeout, err := time.ParseDuration(v.GetString("node.idle_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: node.idle_timeout: %w", err)
	}
	sweepInterval, err := time.ParseDuration(v.GetString("node.sweep_interval"))
	if err != nil {
		return nil, fmt.Errorf("config: node.sweep_interval: %w", err)
	}
	cfg.Node = NodeConfig{
		HostKeyHex:          v.GetString("node.host_key_hex"),
		KMSKeyCiphertextHex: v.GetString("node.kms_key_ciphertext_hex"),
		AWSRegion:           v.GetString("node.aws_region"),
		MaxSessionsGlobal:   v.GetInt("node.max_sessions_global"),
		MaxSessionsPerChain: v.GetInt("node.max_sessions_per_chain"),
		MaxMessagesPerSess:  v.GetInt("node.max_messages_per_session"),
		MaxBytesPerSess:     v.GetInt("node.max_bytes_per_session"),
		IdleTimeout:         idleTimeout,
		SweepInterval:       sweepInterval,
	}

	cfg.Chains, err = loadChains(v)
	if err != nil {
		return nil, err
	}

	cfg.Storage = StorageConfig{
		Endpoint:      v.GetString("storage.endpoint"),
		CursorDBPath:  v.GetString("storage.cursor_db_path"),
		HomePathOwner: v.GetString("storage.home_path_owner"),
	}

	cfg.Proof = ProofConfig{
		Backend:   v.GetString("proof.backend"),
		CacheSize: v.GetInt("proof.cache_size"),
		Required:  v.GetBool("proof.required"),
	}

	tokenTTL, err := time.ParseDuration(v.GetString("facade.token_ttl"))
	if err != nil {
		return nil, fmt.Errorf("config: facade.token_ttl: %w", err)
	}
	cfg.Facade = FacadeConfig{
		JWTSecretHex:       v.GetString("facade.jwt_secret_hex"),
		TokenTTL:           tokenTTL,
		IPWindowLimit:      v.GetInt64("facade.ip_window_limit"),
		SessionWindowLimit: v.GetInt64("facade.session_window_limit"),
		BackpressureBudget: v.GetInt("facade.backpressure_budget"),
		Whitelist:          v.GetStringSlice("facade.whitelist"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	return cfg, nil
}

// defaultChains is the example registered-chain set from spec §6: an
// ETH-denominated chain (Base Sepolia) and a BNB-denominated one (opBNB
// testnet). Deployments override via RUBIN_CHAINS.
const defaultChains = "84532,5611"

// loadChains parses RUBIN_CHAINS as a comma-separated list of chain IDs,
// falling back to the spec's example set, and layers per-chain RPC/poll
// overrides from RUBIN_CHAIN_<id>_* when present.
func loadChains(v *viper.Viper) ([]ChainConfig, error) {
	v.SetDefault("chains", defaultChains)
	raw := v.GetString("chains")

	var out []ChainConfig
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid chain id %q: %w", s, err)
		}
		prefix := fmt.Sprintf("chain_%d.", id)
		v.SetDefault(prefix+"poll_interval", "5s")
		v.SetDefault(prefix+"confirmation_depth", 12)
		pollInterval, err := time.ParseDuration(v.GetString(prefix + "poll_interval"))
		if err != nil {
			return nil, fmt.Errorf("config: %spoll_interval: %w", prefix, err)
		}
		out = append(out, ChainConfig{
			ChainID:           id,
			RPCEndpoint:       v.GetString(prefix + "rpc_endpoint"),
			RegistryAddress:   v.GetString(prefix + "registry_address"),
			PollInterval:      pollInterval,
			ConfirmationDepth: v.GetUint64(prefix + "confirmation_depth"),
		})
	}
	return out, nil
}
