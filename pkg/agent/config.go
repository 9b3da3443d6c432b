package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the agent's full configuration. Precedence: flags > env >
// YAML file > defaults; flags are applied by the command layer after
// Load returns.
type Config struct {
	Addr          string `yaml:"addr"`
	WorkspacePath string `yaml:"workspacePath"`
	MaxFileSize   int64  `yaml:"maxFileSize"`
	Token         string `yaml:"token"`
	LogLevel      string `yaml:"logLevel"`
	LogJSON       bool   `yaml:"logJson"`
	ExcludedPorts []int  `yaml:"excludedPorts"`
	RingCapacity  int    `yaml:"ringCapacity"`

	// WebSocket keepalive and housekeeping. Intervals are seconds.
	PingPeriod            int   `yaml:"pingPeriodSeconds"`
	ReadTimeout           int   `yaml:"readTimeoutSeconds"`
	MaxWSMessageSize      int64 `yaml:"maxWsMessageSize"`
	HealthCheckInterval   int   `yaml:"healthCheckIntervalSeconds"`
	BufferCleanupInterval int   `yaml:"bufferCleanupIntervalSeconds"`
}

// DefaultConfig returns the pinned defaults.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":9757",
		WorkspacePath:         "/home/devbox/project",
		MaxFileSize:           100 << 20,
		LogLevel:              "info",
		RingCapacity:          1000,
		PingPeriod:            30,
		ReadTimeout:           60,
		MaxWSMessageSize:      512 << 10,
		HealthCheckInterval:   30,
		BufferCleanupInterval: 300,
	}
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, in that order.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BURROW_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("BURROW_WORKSPACE"); v != "" {
		c.WorkspacePath = v
	}
	if v := os.Getenv("BURROW_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxFileSize = n
		}
	}
	if v := os.Getenv("BURROW_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("BURROW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	applyIntEnv("BURROW_PING_PERIOD", &c.PingPeriod)
	applyIntEnv("BURROW_READ_TIMEOUT", &c.ReadTimeout)
	applyIntEnv("BURROW_HEALTH_CHECK_INTERVAL", &c.HealthCheckInterval)
	applyIntEnv("BURROW_BUFFER_CLEANUP_INTERVAL", &c.BufferCleanupInterval)
	if v := os.Getenv("BURROW_WS_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxWSMessageSize = n
		}
	}
	if v := os.Getenv("BURROW_EXCLUDED_PORTS"); v != "" {
		var ports []int
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
				ports = append(ports, n)
			}
		}
		c.ExcludedPorts = ports
	}
}

func applyIntEnv(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// EnsureToken fills in a generated token when none was configured.
// Returns true when the token was minted here, so the caller knows to
// print it once.
func (c *Config) EnsureToken() (generated bool) {
	if c.Token != "" {
		return false
	}
	c.Token = mintToken()
	return true
}

// mintToken produces a 32-byte random hex token.
func mintToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// MaskToken renders a token safe for logs: first and last three
// characters with the middle starred.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "******"
	}
	return token[:3] + "******" + token[len(token)-3:]
}
