package app

import (
	"strings"
	"testing"
)

func TestConfig_DefaultIsValid(t *testing.T) {
	// Verifies that the out-of-the-box configuration passes validation.
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	// Verifies that each out-of-range field is rejected with a message naming
	// the offending value.
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"port too low", func(c *Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port"},
		{"threshold negative", func(c *Config) { c.SimilarityThreshold = -0.1 }, "threshold"},
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.5 }, "threshold"},
		{"top-k zero", func(c *Config) { c.TopK = 0 }, "top-k"},
		{"dimension zero", func(c *Config) { c.EmbedDim = 0 }, "dimension"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "postgres" }, "backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	// Verifies that construction fails fast on an invalid configuration
	// instead of bringing subsystems up first.
	cfg := DefaultConfig()
	cfg.TopK = -1
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_RejectsMissingPolicyFile(t *testing.T) {
	// Verifies that a configured but unreadable policy file aborts startup.
	cfg := DefaultConfig()
	cfg.StorageDir = t.TempDir()
	cfg.PolicyFile = cfg.StorageDir + "/absent.yaml"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error")
	}
}
