package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokerlink.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
gateway:
  kind: alpaca
  client_id: 7
  connect_timeout: 10s
  exchanges:
    SPY: ARCA
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: sip
  poll_interval: 5s
ledger:
  driver: postgres
  postgres_dsn: "host=localhost dbname=ledger"
  algo_id: momo
  paper_mode: true
risk:
  max_position_pct: 0.1
storage:
  data_dir: "/tmp/brokerlink"
events:
  grpc_addr: ":9090"
  nats_url: "nats://localhost:4222"
server:
  host: "0.0.0.0"
  port: 8081
logging:
  level: debug
  format: text
universe:
  symbols: [aapl, " msft", VIX]
`)

	// Clear any environment overrides that might interfere.
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	t.Setenv("APCA_API_BASE_URL", "")
	t.Setenv("DATA_DIR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("BROKERLINK_SYMBOLS", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Gateway.Kind != GatewayAlpaca {
		t.Errorf("Gateway.Kind = %q, want %q", cfg.Gateway.Kind, GatewayAlpaca)
	}
	if cfg.Gateway.ConnectTimeout != 10*time.Second {
		t.Errorf("Gateway.ConnectTimeout = %v, want 10s", cfg.Gateway.ConnectTimeout)
	}
	if cfg.Gateway.Port != 7497 {
		t.Errorf("Gateway.Port = %d, want default 7497", cfg.Gateway.Port)
	}
	if cfg.Gateway.Exchanges["SPY"] != "ARCA" {
		t.Errorf("Gateway.Exchanges[SPY] = %q, want ARCA", cfg.Gateway.Exchanges["SPY"])
	}
	if cfg.Alpaca.PollInterval != 5*time.Second {
		t.Errorf("Alpaca.PollInterval = %v, want 5s", cfg.Alpaca.PollInterval)
	}
	if cfg.Alpaca.BaseURL != "https://paper-api.alpaca.markets" {
		t.Errorf("Alpaca.BaseURL = %q, want paper default", cfg.Alpaca.BaseURL)
	}
	if !cfg.Ledger.PaperMode || cfg.Ledger.AlgoID != "momo" {
		t.Errorf("Ledger = %+v, want paper mode for momo", cfg.Ledger)
	}
	if !cfg.Risk.Enabled() || cfg.Risk.MaxPositionPct != 0.1 {
		t.Errorf("Risk = %+v, want max_position_pct 0.1", cfg.Risk)
	}
	if cfg.Ledger.SQLitePath != "/tmp/brokerlink/ledger.db" {
		t.Errorf("Ledger.SQLitePath = %q, want derived from data_dir", cfg.Ledger.SQLitePath)
	}
	if cfg.Events.NATSSubject != "brokerlink.orders" {
		t.Errorf("Events.NATSSubject = %q, want default", cfg.Events.NATSSubject)
	}
	if got := cfg.HTTPAddr(); got != "0.0.0.0:8081" {
		t.Errorf("HTTPAddr() = %q, want %q", got, "0.0.0.0:8081")
	}
	want := []string{"AAPL", "MSFT", "VIX"}
	if len(cfg.Universe.Symbols) != len(want) {
		t.Fatalf("Universe.Symbols = %v, want %v", cfg.Universe.Symbols, want)
	}
	for i := range want {
		if cfg.Universe.Symbols[i] != want[i] {
			t.Errorf("Universe.Symbols[%d] = %q, want %q", i, cfg.Universe.Symbols[i], want[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
universe:
  symbols: [AAPL]
`)
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")
	t.Setenv("BROKERLINK_GATEWAY", "alpaca")
	t.Setenv("BROKERLINK_CLIENT_ID", "12")
	t.Setenv("BROKERLINK_SYMBOLS", "spy,qqq")
	t.Setenv("DATA_DIR", "/srv/data")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" || cfg.Alpaca.APISecret != "env-secret" {
		t.Errorf("Alpaca credentials = %q/%q, want env values", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	}
	if cfg.Gateway.Kind != GatewayAlpaca || cfg.Gateway.ClientID != 12 {
		t.Errorf("Gateway = %+v, want alpaca client 12", cfg.Gateway)
	}
	if cfg.Storage.DataDir != "/srv/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/srv/data")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if len(cfg.Universe.Symbols) != 2 || cfg.Universe.Symbols[0] != "SPY" {
		t.Errorf("Universe.Symbols = %v, want [SPY QQQ]", cfg.Universe.Symbols)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	t.Setenv("BROKERLINK_SYMBOLS", "")
	t.Setenv("BROKERLINK_GATEWAY", "")
	t.Setenv("BROKERLINK_LEDGER_DRIVER", "")
	t.Setenv("BROKERLINK_POSTGRES_DSN", "")
	t.Setenv("BROKERLINK_PAPER_MODE", "")
	t.Setenv("BROKERLINK_ALGO_ID", "")

	tests := map[string]string{
		"unknown gateway":      "gateway: {kind: ib}\nuniverse: {symbols: [A]}",
		"alpaca without keys":  "gateway: {kind: alpaca}\nuniverse: {symbols: [A]}",
		"postgres without dsn": "ledger: {driver: postgres}\nuniverse: {symbols: [A]}",
		"paper without algo":   "ledger: {paper_mode: true}\nuniverse: {symbols: [A]}",
		"empty universe":       "gateway: {kind: sim}",
		"risk as percent":      "risk: {max_position_pct: 10}\nuniverse: {symbols: [A]}",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load error = %v, want %v", err, ErrInvalid)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("BROKERLINK_CONFIG", "")
	if got := Path("brokerlink.yaml"); got != "brokerlink.yaml" {
		t.Errorf("Path() = %q, want default", got)
	}
	t.Setenv("BROKERLINK_CONFIG", "/etc/brokerlink.yaml")
	if got := Path("brokerlink.yaml"); got != "/etc/brokerlink.yaml" {
		t.Errorf("Path() = %q, want env value", got)
	}
}
