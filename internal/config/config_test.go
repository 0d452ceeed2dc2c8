package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Fatalf("listen = %q, want :8080", cfg.Listen)
	}
	if cfg.RefreshInterval != 30*time.Second {
		t.Fatalf("refresh interval = %s, want 30s", cfg.RefreshInterval)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Fatalf("fetch timeout = %s, want 30s", cfg.FetchTimeout)
	}
	if cfg.AttemptTimeout != 10*time.Second {
		t.Fatalf("attempt timeout = %s, want 10s", cfg.AttemptTimeout)
	}
}

// The topology fetch timeout and the per-attempt indexer timeout are
// separate knobs; tuning one must not move the other.
func TestLoadFetchTimeoutIndependent(t *testing.T) {
	t.Setenv("GATEWAY_FETCH_TIMEOUT", "5s")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Fatalf("fetch timeout = %s, want 5s", cfg.FetchTimeout)
	}
	if cfg.AttemptTimeout != 10*time.Second {
		t.Fatalf("attempt timeout = %s, want default 10s", cfg.AttemptTimeout)
	}
}
