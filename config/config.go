package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "wdcable"

	// DefaultChatPort carries chat messages between linked devices.
	DefaultChatPort = 8988
	// DefaultSpeedTestPort carries speed-test payloads.
	DefaultSpeedTestPort = 8989
	// DefaultFilePort carries file transfers.
	DefaultFilePort = 8990

	// DefaultDialAttempts is how many times the connecting side tries each
	// channel before giving up.
	DefaultDialAttempts = 3
	// DefaultDialRetrySeconds is the fixed pause between dial attempts.
	DefaultDialRetrySeconds = 2
	// DefaultHealthCheckSeconds is the settle delay before channels are
	// probed after establishment.
	DefaultHealthCheckSeconds = 6
	// DefaultLinkDecisionSeconds bounds how long an inbound link request
	// waits for a user decision before it is declined.
	DefaultLinkDecisionSeconds = 60
	// DefaultLinkPingSeconds is the keepalive interval on the negotiation
	// connection.
	DefaultLinkPingSeconds = 20
	// DefaultChunkSize is the read/write unit for bulk channel traffic.
	DefaultChunkSize = 8192

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	ChatPort      int `json:"chat_port"`
	SpeedTestPort int `json:"speed_test_port"`
	FilePort      int `json:"file_port"`

	DialAttempts        int `json:"dial_attempts"`
	DialRetrySeconds    int `json:"dial_retry_seconds"`
	HealthCheckSeconds  int `json:"health_check_seconds"`
	LinkDecisionSeconds int `json:"link_decision_seconds"`
	LinkPingSeconds     int `json:"link_ping_seconds"`
	ChunkSize           int `json:"chunk_size"`
}

// DialRetryDelay returns the pause between dial attempts.
func (c *DeviceConfig) DialRetryDelay() time.Duration {
	return time.Duration(c.DialRetrySeconds) * time.Second
}

// HealthCheckDelay returns the settle delay before post-establishment probes.
func (c *DeviceConfig) HealthCheckDelay() time.Duration {
	return time.Duration(c.HealthCheckSeconds) * time.Second
}

// LinkDecisionTimeout returns how long an inbound request may stay pending.
func (c *DeviceConfig) LinkDecisionTimeout() time.Duration {
	return time.Duration(c.LinkDecisionSeconds) * time.Second
}

// LinkPingInterval returns the negotiation keepalive interval.
func (c *DeviceConfig) LinkPingInterval() time.Duration {
	return time.Duration(c.LinkPingSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WDCABLE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("WDCABLE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DownloadsDir returns the default directory for received files.
func DownloadsDir(dataDir string) string {
	return filepath.Join(dataDir, "downloads")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		DownloadsDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config together with its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{DeviceID: uuid.NewString()}
	normalizeDefaults(cfg)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "WDCable Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	ports := []struct {
		value *int
		def   int
	}{
		{&cfg.ChatPort, DefaultChatPort},
		{&cfg.SpeedTestPort, DefaultSpeedTestPort},
		{&cfg.FilePort, DefaultFilePort},
	}
	for _, p := range ports {
		if *p.value <= 0 || *p.value > 65535 {
			*p.value = p.def
			updated = true
		}
	}

	tunables := []struct {
		value *int
		def   int
	}{
		{&cfg.DialAttempts, DefaultDialAttempts},
		{&cfg.DialRetrySeconds, DefaultDialRetrySeconds},
		{&cfg.HealthCheckSeconds, DefaultHealthCheckSeconds},
		{&cfg.LinkDecisionSeconds, DefaultLinkDecisionSeconds},
		{&cfg.LinkPingSeconds, DefaultLinkPingSeconds},
		{&cfg.ChunkSize, DefaultChunkSize},
	}
	for _, tn := range tunables {
		if *tn.value <= 0 {
			*tn.value = tn.def
			updated = true
		}
	}

	return updated
}
