package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/convoflow/convoflow/internal/nodes"
)

// Config holds all convoflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	DefaultFlow string `json:"default_flow"`
	// FlowFile loads a single static flow document at boot instead of the
	// flow tables. Useful for single-flow deployments and local development.
	FlowFile string `json:"flow_file"`
	// BridgeURL is the transport bridge callback endpoint for outbound
	// messages. Empty logs outbound actions instead of delivering them.
	BridgeURL         string `json:"bridge_url"`
	WebhookTTLSeconds int    `json:"webhook_ttl_seconds"`
	VaultPassphrase   string `json:"vault_passphrase"`
	VaultSalt         string `json:"vault_salt"`
	// SMTPServers are the named servers email nodes reference by server_id.
	SMTPServers map[string]*nodes.SMTPServer `json:"smtp_servers"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(convoflowDir(), "convoflow.db"),
		LogLevel:          "info",
		DefaultFlow:       "main",
		WebhookTTLSeconds: 900,
	}
}

func convoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convoflow"
	}
	return filepath.Join(home, ".convoflow")
}

func settingsPath() string {
	return filepath.Join(convoflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVOFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONVOFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVOFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVOFLOW_DEFAULT_FLOW"); v != "" {
		cfg.DefaultFlow = v
	}
	if v := os.Getenv("CONVOFLOW_FLOW_FILE"); v != "" {
		cfg.FlowFile = v
	}
	if v := os.Getenv("CONVOFLOW_BRIDGE_URL"); v != "" {
		cfg.BridgeURL = v
	}
	if v := os.Getenv("CONVOFLOW_WEBHOOK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebhookTTLSeconds = n
		}
	}
	if v := os.Getenv("CONVOFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("CONVOFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}
