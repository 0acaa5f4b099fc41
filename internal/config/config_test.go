package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env=development, got %s", cfg.Env)
	}
	if cfg.Node.MaxSessionsGlobal != 10_000 {
		t.Errorf("unexpected max_sessions_global: %d", cfg.Node.MaxSessionsGlobal)
	}
	if cfg.Proof.Backend != "simple" {
		t.Errorf("unexpected proof backend: %s", cfg.Proof.Backend)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.Redis.Addr)
	}
}

func TestLoadDefaultChains(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Chains) != 2 {
		t.Fatalf("expected 2 default chains, got %d: %+v", len(cfg.Chains), cfg.Chains)
	}
	seen := map[uint64]bool{}
	for _, c := range cfg.Chains {
		seen[c.ChainID] = true
		if c.ConfirmationDepth != 12 {
			t.Errorf("chain %d: expected confirmation depth 12, got %d", c.ChainID, c.ConfirmationDepth)
		}
	}
	if !seen[84532] || !seen[5611] {
		t.Fatalf("expected the spec's example chain set, got %+v", cfg.Chains)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("RUBIN_ENV", "production")
	os.Setenv("RUBIN_PROOF_BACKEND", "snark")
	os.Setenv("RUBIN_CHAINS", "1")
	defer os.Unsetenv("RUBIN_ENV")
	defer os.Unsetenv("RUBIN_PROOF_BACKEND")
	defer os.Unsetenv("RUBIN_CHAINS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env=production, got %s", cfg.Env)
	}
	if cfg.Proof.Backend != "snark" {
		t.Errorf("unexpected proof backend: %s", cfg.Proof.Backend)
	}
	if len(cfg.Chains) != 1 || cfg.Chains[0].ChainID != 1 {
		t.Fatalf("expected RUBIN_CHAINS override to take effect, got %+v", cfg.Chains)
	}
}
