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
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "drds"
	// DataDirEnv overrides the resolved application data directory.
	DataDirEnv = "DRDS_DATA_DIR"
	// DefaultListeningPort is the TCP port used when fixed mode has no port.
	DefaultListeningPort = 9870
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// DefaultServiceName is the mDNS service type peers advertise.
	DefaultServiceName = "_drds._tcp"
	// DefaultChunkSize is the transfer chunk length in bytes.
	DefaultChunkSize = 64 * 1024
	// DefaultSettleDelayMS is how long a new file must stay quiet before it is announced.
	DefaultSettleDelayMS = 250
	// DefaultLogLevel is the zap level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// userRootsDirName holds one synchronized tree per username.
	userRootsDirName = "Data"
)

// Config contains persistent local settings.
type Config struct {
	Username           string `json:"username"`
	DeviceName         string `json:"device_name"`
	RootDir            string `json:"root_dir"`
	PortMode           string `json:"port_mode"`
	ListeningPort      int    `json:"listening_port"`
	ServiceName        string `json:"service_name"`
	ChunkSize          int    `json:"chunk_size"`
	SettleDelayMS      int    `json:"settle_delay_ms"`
	MaxReceivedEntries int    `json:"max_received_entries"`
	LogLevel           string `json:"log_level"`
}

// SettleDelay returns the watcher settle delay.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMS) * time.Millisecond
}

// UserRoot returns the synchronized directory for username.
func (c *Config) UserRoot(username string) string {
	return filepath.Join(c.RootDir, username)
}

// ValidateUsername rejects names that cannot be used as a single directory component.
func ValidateUsername(username string) error {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return errors.New("username is required")
	}
	if trimmed != username {
		return fmt.Errorf("username %q has leading or trailing spaces", username)
	}
	if username == "." || username == ".." || strings.ContainsAny(username, `/\`) || strings.ContainsRune(username, 0) {
		return fmt.Errorf("username %q is not a valid directory name", username)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DRDS_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, userRootsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate resolves the data directory and loads its config.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then returns both.
func LoadOrCreateAt(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "drds-device"
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		DeviceName:    defaultDeviceName(),
		RootDir:       filepath.Join(dataDir, userRootsDirName),
		PortMode:      PortModeAutomatic,
		ListeningPort: 0,
		ServiceName:   DefaultServiceName,
		ChunkSize:     DefaultChunkSize,
		SettleDelayMS: DefaultSettleDelayMS,
		LogLevel:      DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Join(dataDir, userRootsDirName)
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.SettleDelayMS <= 0 {
		cfg.SettleDelayMS = DefaultSettleDelayMS
		updated = true
	}
	if cfg.MaxReceivedEntries < 0 {
		cfg.MaxReceivedEntries = 0
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
