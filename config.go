package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ledger"
)

// Role values for the Role config field.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Mode values for the Mode config field. Only ModeProxy is implemented;
// ModeVPN is parsed so a config file shared with the TUN/TAP variant still
// loads, and is rejected at startup with a clear error.
const (
	ModeProxy = "proxy"
	ModeVPN   = "vpn"
)

const (
	configDirPathEnv     = "ALPACA_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
)

// Config covers every enumerated option in spec.md §6, plus the unix_path
// and mode fields recovered from the original Python implementation.
type Config struct {
	Role string `env:"ALPACA_ROLE" env-default:"client"`
	Mode string `env:"ALPACA_MODE" env-default:"proxy"`

	ServerURL  string `env:"ALPACA_SERVER_URL" env-default:"ws://127.0.0.1:8080"`
	ServerHost string `env:"ALPACA_SERVER_HOST" env-default:"0.0.0.0"`
	ServerPort int    `env:"ALPACA_SERVER_PORT" env-default:"8080"`
	UnixPath   string `env:"ALPACA_UNIX_PATH" env-default:""`

	Username string `env:"ALPACA_USERNAME" env-default:""`
	Password string `env:"ALPACA_PASSWORD" env-default:""`

	VerifySSL bool `env:"ALPACA_VERIFY_SSL" env-default:"true"`

	Socks5Address string `env:"ALPACA_SOCKS5_ADDRESS" env-default:"127.0.0.1"`
	Socks5Port    int    `env:"ALPACA_SOCKS5_PORT" env-default:"1080"`

	NanoSeed   string `env:"ALPACA_NANO_SEED" env-default:""`
	CryptoCoin string `env:"ALPACA_CRYPTOCOIN" env-default:""`

	PriceKiloRequests string `env:"ALPACA_PRICE_KILO_REQUESTS" env-default:"0.01"`
	PriceGigabytes    string `env:"ALPACA_PRICE_GIGABYTES" env-default:"0.01"`

	// MaintainerIntervalSeconds is the implementer-tunable sleep between
	// C9 iterations (spec.md §4.8: 60-600s, default 60s).
	MaintainerIntervalSeconds int `env:"ALPACA_MAINTAINER_INTERVAL_SECONDS" env-default:"60"`

	MetricsListenAddr string `env:"ALPACA_METRICS_LISTEN_ADDR" env-default:":4242"`

	DB ledger.DBConfig
}

// LoadConfig loads an optional .env then reads typed environment variables,
// following config.go's load order: dotenv first (absence is only a Warn),
// then cleanenv.ReadEnv, Fatal on a missing required field.
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	dotEnvPath := filepath.Join(configDirPath, ".env")
	if err := godotenv.Load(dotEnvPath); err != nil {
		logger.Warn(".env file not found", "path", dotEnvPath)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		logger.Error("failed to read env", "error", err)
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Role != RoleClient && cfg.Role != RoleServer {
		logger.Fatal("invalid ALPACA_ROLE value", "value", cfg.Role)
	}
	if cfg.Mode != ModeProxy && cfg.Mode != ModeVPN {
		logger.Fatal("invalid ALPACA_MODE value", "value", cfg.Mode)
	}
	if cfg.Mode == ModeVPN {
		logger.Fatal("vpn mode is not implemented by this build; only proxy mode is supported")
	}

	if cfg.Role == RoleClient && cfg.CryptoCoin != "" && cfg.NanoSeed == "" {
		logger.Fatal("ALPACA_NANO_SEED is required when ALPACA_CRYPTOCOIN is set on a client")
	}
	if cfg.Role == RoleServer && cfg.CryptoCoin != "" && cfg.NanoSeed == "" {
		logger.Fatal("ALPACA_NANO_SEED is required when ALPACA_CRYPTOCOIN is set on a server")
	}

	logger.Info("configuration loaded", "role", cfg.Role, "mode", cfg.Mode)
	return &cfg, nil
}
