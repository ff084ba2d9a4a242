package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Canonical defaults applied by ValidateConfig. Constructors downstream
// (store, queue, realtime) expect these to be non-zero and error out
// when a caller bypassed validation.
const (
	defaultRetryCeiling = 5
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffCap   = 60 * time.Second
	defaultSendTimeout  = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultHandshake    = 15 * time.Second
	defaultMaxMsgSize   = 64 * 1024
	defaultFlushRPS     = 5.0
	defaultFlushBurst   = 1
	defaultSweeperCron  = "0 * * * *"
	defaultSweeperAge   = 7 * 24 * time.Hour
)

// Load reads a YAML config file. A missing file is an error; callers
// that tolerate absence fall back to an empty Config themselves.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (dbPath string, cfgPath string, setFlags map[string]bool) {
	dbPtr := flag.String("db", "./.queue", "offline queue DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *dbPtr, *cfgPtr, setFlags
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `CHATWIDGET_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CHATWIDGET_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	setStr := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			envUsed = true
			*dst = v
		}
	}
	setStr("CHATWIDGET_REALTIME_ENDPOINT", &cfg.Realtime.Endpoint)
	setStr("CHATWIDGET_REALTIME_APP_KEY", &cfg.Realtime.AppKey)
	setStr("CHATWIDGET_API_BASE_URL", &cfg.API.BaseURL)
	setStr("CHATWIDGET_API_KEY", &cfg.API.Key)
	setStr("CHATWIDGET_DB_PATH", &cfg.Queue.DBPath)
	setStr("CHATWIDGET_SWEEPER_CRON", &cfg.Sweeper.Cron)
	setStr("CHATWIDGET_LOG_LEVEL", &cfg.Logging.Level)

	if v := os.Getenv("CHATWIDGET_RETRY_CEILING"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Queue.RetryCeiling = n
		}
	}
	if v := os.Getenv("CHATWIDGET_FLUSH_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Queue.FlushRPS = f
		}
	}
	if v := os.Getenv("CHATWIDGET_SEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.API.SendTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CHATWIDGET_DEBUG_ADDR"); v != "" {
		envUsed = true
		cfg.Debug.Enabled = true
		if host, port, ok := strings.Cut(v, ":"); ok {
			cfg.Debug.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Debug.Port = pi
			}
		}
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides and canonical defaults. It returns the effective
// config and whether env vars were used.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, envUsed, err
	}
	return cfg, envUsed, nil
}

// ValidateConfig applies canonical defaults and rejects invalid values.
// Downstream constructors rely on defaults having been applied here.
func ValidateConfig(cfg *Config) error {
	if cfg.Queue.RetryCeiling < 0 {
		return fmt.Errorf("queue.retry_ceiling must not be negative")
	}
	if cfg.Queue.RetryCeiling == 0 {
		cfg.Queue.RetryCeiling = defaultRetryCeiling
	}
	if cfg.Queue.BackoffBase.Duration() <= 0 {
		cfg.Queue.BackoffBase = Duration(defaultBackoffBase)
	}
	if cfg.Queue.BackoffCap.Duration() <= 0 {
		cfg.Queue.BackoffCap = Duration(defaultBackoffCap)
	}
	if cfg.Queue.BackoffCap.Duration() < cfg.Queue.BackoffBase.Duration() {
		return fmt.Errorf("queue.backoff_cap %v below queue.backoff_base %v",
			cfg.Queue.BackoffCap.Duration(), cfg.Queue.BackoffBase.Duration())
	}
	if cfg.Queue.FlushRPS <= 0 {
		cfg.Queue.FlushRPS = defaultFlushRPS
	}
	if cfg.Queue.FlushBurst <= 0 {
		cfg.Queue.FlushBurst = defaultFlushBurst
	}
	if cfg.API.SendTimeout.Duration() <= 0 {
		cfg.API.SendTimeout = Duration(defaultSendTimeout)
	}
	if cfg.Realtime.PingInterval.Duration() <= 0 {
		cfg.Realtime.PingInterval = Duration(defaultPingInterval)
	}
	if cfg.Realtime.PongWait.Duration() <= 0 {
		cfg.Realtime.PongWait = Duration(defaultPongWait)
	}
	if cfg.Realtime.PingInterval.Duration() >= cfg.Realtime.PongWait.Duration() {
		return fmt.Errorf("realtime.ping_interval %v must be below realtime.pong_wait %v",
			cfg.Realtime.PingInterval.Duration(), cfg.Realtime.PongWait.Duration())
	}
	if cfg.Realtime.WriteWait.Duration() <= 0 {
		cfg.Realtime.WriteWait = Duration(defaultWriteWait)
	}
	if cfg.Realtime.HandshakeWait.Duration() <= 0 {
		cfg.Realtime.HandshakeWait = Duration(defaultHandshake)
	}
	if cfg.Realtime.MaxMessageSize.Int64() <= 0 {
		cfg.Realtime.MaxMessageSize = SizeBytes(defaultMaxMsgSize)
	}
	if cfg.Sweeper.Cron == "" {
		cfg.Sweeper.Cron = defaultSweeperCron
	}
	if cfg.Sweeper.MaxAge.Duration() <= 0 {
		cfg.Sweeper.MaxAge = Duration(defaultSweeperAge)
	}
	return nil
}
