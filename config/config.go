package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "swiftly"
	// DefaultListenAddress is where the relay listens when nothing overrides it.
	DefaultListenAddress = ":8080"
	// DefaultRelayURL is the relay a device dials when nothing overrides it.
	DefaultRelayURL = "ws://127.0.0.1:8080/ws"
	// DefaultLogLevel is used for an empty or unknown level.
	DefaultLogLevel = "info"
	// LogFormatText and LogFormatJSON select the log formatter.
	LogFormatText = "text"
	LogFormatJSON = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Environment overrides. They apply at load time and are never persisted.
const (
	EnvDataDir       = "SWIFTLY_DATA_DIR"
	EnvRelayURL      = "SWIFTLY_RELAY_URL"
	EnvListenAddress = "SWIFTLY_LISTEN_ADDRESS"
	EnvLogLevel      = "SWIFTLY_LOG_LEVEL"
)

// Config is the persisted configuration of both the relay and a device.
type Config struct {
	Relay  RelayConfig  `json:"relay"`
	Device DeviceConfig `json:"device"`
	Log    LogConfig    `json:"log"`
}

// RelayConfig configures `swiftly relay`.
type RelayConfig struct {
	ListenAddress             string   `json:"listen_address"`
	Path                      string   `json:"path"`
	PairingTimeout            Duration `json:"pairing_timeout"`
	DuplicatePairing          string   `json:"duplicate_pairing"`
	AllowUnpairedTransfers    bool     `json:"allow_unpaired_transfers"`
	MaxMessageSize            int64    `json:"max_message_size"`
	KeepAliveInterval         Duration `json:"keepalive_interval"`
	KeepAliveTimeout          Duration `json:"keepalive_timeout"`
	ConnectionRateLimitPerIP  int      `json:"connection_rate_limit_per_ip"`
	ConnectionRateLimitWindow Duration `json:"connection_rate_limit_window"`
	Advertise                 bool     `json:"advertise"`
}

// DeviceConfig configures the send and receive commands.
type DeviceConfig struct {
	DeviceID            string  `json:"device_id"`
	DeviceName          string  `json:"device_name"`
	RelayURL            string  `json:"relay_url"`
	DiscoverRelay       bool    `json:"discover_relay"`
	ChunkSize           int     `json:"chunk_size"`
	ChunksPerSecond     float64 `json:"chunks_per_second"`
	AutoAcceptPairing   bool    `json:"auto_accept_pairing"`
	AutoAcceptTransfers bool    `json:"auto_accept_transfers"`
	Encrypt             bool    `json:"encrypt"`
	FilesDir            string  `json:"files_dir"`
	SpoolToDisk         bool    `json:"spool_to_disk"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SWIFTLY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
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

// SpoolDir holds the SQLite chunk spool.
func SpoolDir(dataDir string) string {
	return filepath.Join(dataDir, "spool")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
		SpoolDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads a config file. Files ending in .yaml or .yml are parsed as YAML,
// everything else as JSON.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes the config in the format its extension names.
func Save(path string, cfg *Config) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both with
// environment overrides applied.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := LoadFile(cfgPath, dataDir)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// LoadFile loads path, creating it with defaults when missing, and fills
// anything left empty relative to dataDir.
func LoadFile(path, dataDir string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	cfg.Relay.Advertise = true
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	set := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	set(&cfg.Relay.ListenAddress, DefaultListenAddress)
	set(&cfg.Relay.Path, "/ws")
	if cfg.Relay.PairingTimeout <= 0 {
		cfg.Relay.PairingTimeout = Duration(DefaultPairingTimeout)
		updated = true
	}
	set(&cfg.Relay.DuplicatePairing, "supersede")

	set(&cfg.Device.DeviceID, uuid.NewString())
	if cfg.Device.DeviceName == "" {
		deviceName := "Swiftly Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.Device.DeviceName = deviceName
		updated = true
	}
	set(&cfg.Device.RelayURL, DefaultRelayURL)
	set(&cfg.Device.FilesDir, filepath.Join(dataDir, "files"))
	if cfg.Device.ChunkSize <= 0 {
		cfg.Device.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.Device.ChunksPerSecond <= 0 {
		cfg.Device.ChunksPerSecond = DefaultChunksPerSecond
		updated = true
	}

	if level := normalizeLogLevel(cfg.Log.Level); level != cfg.Log.Level {
		cfg.Log.Level = level
		updated = true
	}
	if cfg.Log.Format != LogFormatJSON && cfg.Log.Format != LogFormatText {
		cfg.Log.Format = LogFormatText
		updated = true
	}

	return updated
}

func applyEnv(cfg *Config) {
	if value := os.Getenv(EnvRelayURL); value != "" {
		cfg.Device.RelayURL = value
	}
	if value := os.Getenv(EnvListenAddress); value != "" {
		cfg.Relay.ListenAddress = value
	}
	if value := os.Getenv(EnvLogLevel); value != "" {
		cfg.Log.Level = normalizeLogLevel(value)
	}
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "trace"
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
