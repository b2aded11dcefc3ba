package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the brokerlink daemon.
type Config struct {
	Gateway  Gateway  `yaml:"gateway"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Ledger   Ledger   `yaml:"ledger"`
	Risk     Risk     `yaml:"risk"`
	Storage  Storage  `yaml:"storage"`
	Events   Events   `yaml:"events"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Universe Universe `yaml:"universe"`
}

// Gateway selects and addresses the brokerage gateway.
type Gateway struct {
	Kind           string            `yaml:"kind"` // sim or alpaca
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	ClientID       int               `yaml:"client_id"`
	Account        string            `yaml:"account"`
	Currency       string            `yaml:"currency"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	Exchanges      map[string]string `yaml:"exchanges"` // symbol -> exchange overrides
	SecTypes       map[string]string `yaml:"sec_types"` // symbol -> security type overrides

	// Simulator only.
	SimCash       float64 `yaml:"sim_cash"`
	SimAutoFill   bool    `yaml:"sim_auto_fill"`
	SimCommission float64 `yaml:"sim_commission"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	BaseURL         string        `yaml:"base_url"`
	DataURL         string        `yaml:"data_url"`
	Feed            string        `yaml:"feed"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Ledger configures the daily portfolio ledger.
type Ledger struct {
	Driver          string        `yaml:"driver"` // sqlite or postgres
	SQLitePath      string        `yaml:"sqlite_path"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	AlgoID          string        `yaml:"algo_id"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	PaperMode       bool          `yaml:"paper_mode"`
	SnapshotEvery   time.Duration `yaml:"snapshot_every"`
}

// Risk configures pre-trade limits. Zero disables a limit.
type Risk struct {
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
}

// Enabled reports whether any limit is set.
func (r Risk) Enabled() bool { return r.MaxPositionPct > 0 || r.MaxDailyLossPct > 0 }

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string        `yaml:"data_dir"`
	ArchiveEvery time.Duration `yaml:"archive_every"`
}

// Events configures the order-event fan-out.
type Events struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// Server holds the HTTP status listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Universe lists the tradable symbols.
type Universe struct {
	Symbols []string `yaml:"symbols"`
}

// Gateway kinds.
const (
	GatewaySim    = "sim"
	GatewayAlpaca = "alpaca"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file named by BROKERLINK_CONFIG, or def.
func Path(def string) string {
	if v := os.Getenv("BROKERLINK_CONFIG"); v != "" {
		return v
	}
	return def
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
			}
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Gateway.Kind, "BROKERLINK_GATEWAY")
	setString(&cfg.Gateway.Host, "BROKERLINK_GATEWAY_HOST")
	setInt(&cfg.Gateway.Port, "BROKERLINK_GATEWAY_PORT")
	setInt(&cfg.Gateway.ClientID, "BROKERLINK_CLIENT_ID")
	setString(&cfg.Gateway.Account, "BROKERLINK_ACCOUNT")

	setString(&cfg.Ledger.Driver, "BROKERLINK_LEDGER_DRIVER")
	setString(&cfg.Ledger.SQLitePath, "BROKERLINK_SQLITE_PATH")
	setString(&cfg.Ledger.PostgresDSN, "BROKERLINK_POSTGRES_DSN")
	setString(&cfg.Ledger.AlgoID, "BROKERLINK_ALGO_ID")
	if v := os.Getenv("BROKERLINK_PAPER_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ledger.PaperMode = b
		}
	}

	setString(&cfg.Events.GRPCAddr, "BROKERLINK_GRPC_ADDR")
	setString(&cfg.Events.NATSURL, "BROKERLINK_NATS_URL")
	setInt(&cfg.Server.Port, "BROKERLINK_HTTP_PORT")

	setString(&cfg.Storage.DataDir, "DATA_DIR")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	if v := os.Getenv("BROKERLINK_SYMBOLS"); v != "" {
		cfg.Universe.Symbols = strings.Split(v, ",")
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	setString(&cfg.Alpaca.APIKey, "APCA_API_KEY_ID")
	setString(&cfg.Alpaca.APISecret, "APCA_API_SECRET_KEY")
	setString(&cfg.Alpaca.BaseURL, "APCA_API_BASE_URL")
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Kind == "" {
		cfg.Gateway.Kind = GatewaySim
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 7497
	}
	if cfg.Gateway.Currency == "" {
		cfg.Gateway.Currency = "USD"
	}
	if cfg.Gateway.ConnectTimeout == 0 {
		cfg.Gateway.ConnectTimeout = 30 * time.Second
	}
	if cfg.Gateway.SimCash == 0 {
		cfg.Gateway.SimCash = 100000
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = "sqlite"
	}
	if cfg.Ledger.RefreshInterval == 0 {
		cfg.Ledger.RefreshInterval = time.Minute
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Ledger.SQLitePath == "" {
		cfg.Ledger.SQLitePath = cfg.Storage.DataDir + "/ledger.db"
	}
	if cfg.Events.NATSSubject == "" {
		cfg.Events.NATSSubject = "brokerlink.orders"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	for i, s := range cfg.Universe.Symbols {
		cfg.Universe.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate reports the first inconsistency in cfg.
func (c *Config) Validate() error {
	switch c.Gateway.Kind {
	case GatewaySim:
	case GatewayAlpaca:
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("%w: alpaca gateway needs api_key and api_secret", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown gateway kind %q", ErrInvalid, c.Gateway.Kind)
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("%w: negative client_id", ErrInvalid)
	}
	switch c.Ledger.Driver {
	case "sqlite":
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres ledger needs postgres_dsn", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown ledger driver %q", ErrInvalid, c.Ledger.Driver)
	}
	if c.Ledger.PaperMode && c.Ledger.AlgoID == "" {
		return fmt.Errorf("%w: paper_mode needs ledger.algo_id", ErrInvalid)
	}
	if c.Risk.MaxPositionPct < 0 || c.Risk.MaxPositionPct > 1 ||
		c.Risk.MaxDailyLossPct < 0 || c.Risk.MaxDailyLossPct > 1 {
		return fmt.Errorf("%w: risk limits must be fractions between 0 and 1", ErrInvalid)
	}
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("%w: empty universe", ErrInvalid)
	}
	return nil
}

// HTTPAddr returns the status API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
