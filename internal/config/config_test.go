package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
paper_trading: false
brokers:
  zerodha:
    enabled: true
    base_url: https://api.kite.trade
    ws_url: wss://ws.kite.trade
    api_key: kitekey
    orders_per_sec: 10
    quotes_per_sec: 3
  saxo:
    enabled: false
    base_url: https://gateway.saxobank.com/sim/openapi
logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.RefreshLead != 5*time.Minute {
		t.Errorf("refresh_lead = %v, want 5m", cfg.Auth.RefreshLead)
	}
	if cfg.Auth.FailureThreshold != 3 {
		t.Errorf("failure_threshold = %d, want 3", cfg.Auth.FailureThreshold)
	}
	if cfg.Orchestrator.FanoutTimeout != 5*time.Second {
		t.Errorf("fanout_timeout = %v, want 5s", cfg.Orchestrator.FanoutTimeout)
	}
	if cfg.Stream.StallTimeout != 10*time.Second {
		t.Errorf("stall_timeout = %v, want 10s", cfg.Stream.StallTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoadBrokerBlocks(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	z, ok := cfg.Brokers["zerodha"]
	if !ok {
		t.Fatal("zerodha block missing")
	}
	if !z.Enabled || z.APIKey != "kitekey" || z.OrdersPerSec != 10 {
		t.Errorf("zerodha = %+v", z)
	}
	if cfg.Brokers["saxo"].Enabled {
		t.Error("saxo should be disabled")
	}
}

func TestEnvSecretOverride(t *testing.T) {
	t.Setenv("TG_ZERODHA_API_SECRET", "supersecret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Brokers["zerodha"].APISecret != "supersecret" {
		t.Errorf("api_secret = %q, want env override", cfg.Brokers["zerodha"].APISecret)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// No enabled broker.
	all := cfg.Brokers["zerodha"]
	all.Enabled = false
	cfg.Brokers["zerodha"] = all
	if err := cfg.Validate(); err == nil {
		t.Error("Validate must reject config with no enabled brokers")
	}

	// Enabled broker without base URL.
	all.Enabled = true
	all.BaseURL = ""
	cfg.Brokers["zerodha"] = all
	if err := cfg.Validate(); err == nil {
		t.Error("Validate must reject enabled broker without base_url")
	}
}
