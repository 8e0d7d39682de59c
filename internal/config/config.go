// Package config layers the broker's configuration the way a small
// edge-service typically does: an optional on-disk .ini file supplies
// low-precedence defaults, an optional .env file is loaded into the
// process environment, and environment variables (highest precedence)
// are bound onto the final Config struct.
package config

import (
	"os"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config is the broker process's full runtime configuration.
type Config struct {
	// ListenNetwork is "unix" or "tcp". Bound manually (not via the env
	// struct tag) so an .ini-file default can sit between the hardcoded
	// fallback and an explicit environment override.
	ListenNetwork string `env:"-"`
	// ListenAddr is a filesystem path for unix, or host:port for tcp.
	ListenAddr string `env:"-"`
	// Port is used when ListenAddr is empty and ListenNetwork is "tcp";
	// VSOA_AUTO_PORT overrides the documented default of 3001.
	Port int `env:"-"`

	BindInterface string `env:"VSOA_BIND_IF"`

	WebSocketAddr string `env:"VSOA_WS_ADDR" envDefault:":8090"`
	MetricsAddr   string `env:"VSOA_METRICS_ADDR" envDefault:":9090"`

	RTDBShards int `env:"-"`

	ServerSendTimeoutMs int `env:"VSOA_SERVER_SEND_TIMEOUT_MS" envDefault:"100"`
	HandshakeDeadlineMs int `env:"VSOA_HANDSHAKE_DEADLINE_MS" envDefault:"5000"`
	ServerBacklog       int `env:"VSOA_SERVER_BACKLOG" envDefault:"32"`

	LogLevel string `env:"VSOA_LOG_LEVEL" envDefault:"info"`
}

// iniDefaults is the subset of Config that may be supplied by an on-disk
// .ini file; env vars always win over these.
type iniDefaults struct {
	ListenNetwork string
	ListenAddr    string
	Port          int
	RTDBShards    int
}

// Load builds a Config by applying, in increasing precedence order:
// iniPath (if non-empty and present), a .env file in the working
// directory (if present), then the process environment.
func Load(iniPath string) (Config, error) {
	var defaults iniDefaults
	if iniPath != "" {
		if _, err := os.Stat(iniPath); err == nil {
			f, err := ini.Load(iniPath)
			if err != nil {
				return Config{}, err
			}
			sec := f.Section("broker")
			defaults.ListenNetwork = sec.Key("listen_network").String()
			defaults.ListenAddr = sec.Key("listen_addr").String()
			defaults.Port, _ = sec.Key("port").Int()
			defaults.RTDBShards, _ = sec.Key("rtdb_shards").Int()
		}
	}

	// godotenv.Load is a no-op error (returned, ignored) when .env is
	// absent; presence is optional by design. It populates os.Environ
	// before the manual and struct-tag env reads below, so a .env entry
	// is indistinguishable from a real environment variable from here on.
	_ = godotenv.Load()

	cfg := Config{
		ListenNetwork: firstNonEmpty(os.Getenv("VSOA_LISTEN_NETWORK"), defaults.ListenNetwork, "tcp"),
		ListenAddr:    firstNonEmpty(os.Getenv("VSOA_LISTEN_ADDR"), defaults.ListenAddr, ""),
		Port:          firstNonZeroInt(envInt("VSOA_AUTO_PORT"), defaults.Port, 3001),
		RTDBShards:    firstNonZeroInt(envInt("VSOA_RTDB_SHARDS"), defaults.RTDBShards, 0),
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func envInt(name string) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
