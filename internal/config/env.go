package config

import (
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv overlays ATRIUM_* environment variables onto cfg. Env
// values override file values; CLI flags override both. An optional
// .env file is loaded into the environment at startup, so its entries
// arrive here too.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("ATRIUM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ATRIUM_SOCKET_PATH"); v != "" {
		cfg.Listen.SocketPath = v
	}
	if v := os.Getenv("ATRIUM_WS_HOST"); v != "" {
		cfg.Listen.WSHost = v
	}
	if v := os.Getenv("ATRIUM_WS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ATRIUM_WS_PORT: %q", v)
		}
		cfg.Listen.WSPort = n
	}
	if v := os.Getenv("ATRIUM_LLM_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ATRIUM_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("ATRIUM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}
