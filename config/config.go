package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"lanpair/crypto"
	"lanpair/network"
	"lanpair/node"
	"lanpair/pairing"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanpair"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANPAIR_DATA_DIR"
	// DefaultListeningPort is the UDP port used when none is configured.
	// Pairings name (address, port), so the default stays the same across restarts.
	DefaultListeningPort = 47800
	// PortModeFixed uses the configured listening port value. It is the default.
	PortModeFixed = "fixed"
	// PortModeAutomatic picks an available port at launch. Existing pairings
	// break whenever the port changes, so it is opt-in.
	PortModeAutomatic = "automatic"

	DefaultPassword            = node.DefaultPassword
	DefaultSalt                = node.DefaultSalt
	DefaultKDFIterations       = crypto.DefaultIterations
	DefaultPairingTTL          = pairing.DefaultTTL
	DefaultRequestTimeout      = network.DefaultCallTimeout
	DefaultMaintenanceInterval = node.DefaultMaintenanceInterval
	DefaultStoragePrefix       = pairing.DefaultPrefix
	// DefaultRateLimit is the accepted datagrams per sender per second.
	DefaultRateLimit = 50
	// DefaultAPIListen is the loopback address of the control agent.
	DefaultAPIListen = "127.0.0.1:47801"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// Duration is a time.Duration stored as text, e.g. "8h" or "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	Device    DeviceSection    `toml:"device"`
	Network   NetworkSection   `toml:"network"`
	Pairing   PairingSection   `toml:"pairing"`
	Discovery DiscoverySection `toml:"discovery"`
	API       APISection       `toml:"api"`
	Logging   LoggingSection   `toml:"logging"`
}

// DeviceSection identifies this device.
type DeviceSection struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// NetworkSection configures the UDP transport and request engine.
type NetworkSection struct {
	PortMode         string   `toml:"port-mode"`
	ListeningPort    int      `toml:"listening-port"`
	BindAddress      string   `toml:"bind-address"`
	AdvertiseAddress string   `toml:"advertise-address"`
	RequestTimeout   Duration `toml:"request-timeout"`
	RateLimit        uint64   `toml:"rate-limit"`
}

// PairingSection configures key derivation and pairing record lifetime.
type PairingSection struct {
	Password            string   `toml:"password"`
	Salt                string   `toml:"salt"`
	Iterations          int      `toml:"iterations"`
	TTL                 Duration `toml:"ttl"`
	MaintenanceInterval Duration `toml:"maintenance-interval"`
	StoragePrefix       string   `toml:"storage-prefix"`
}

// DiscoverySection toggles mDNS presence announcements.
type DiscoverySection struct {
	Disabled bool `toml:"disabled"`
}

// APISection configures the local control agent.
type APISection struct {
	Listen string `toml:"listen"`
}

// LoggingSection configures logrus.
type LoggingSection struct {
	Level        string `toml:"level"`
	Format       string `toml:"format"`
	ReportCaller bool   `toml:"report-caller"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANPAIR_DATA_DIR is set, its value is used as an explicit override.
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

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and decodes config.toml from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save encodes and writes config.toml to disk.
func Save(path string, cfg *DeviceConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config and its path.
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

// UsesDefaultSecret reports whether key derivation still uses the built-in password and salt.
func (c *DeviceConfig) UsesDefaultSecret() bool {
	return c.Pairing.Password == DefaultPassword && c.Pairing.Salt == DefaultSalt
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "lanpair device"
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}

	setString(&cfg.Device.ID, uuid.NewString())
	setString(&cfg.Device.Name, defaultDeviceName())

	mode := normalizePortMode(cfg.Network.PortMode)
	if mode == "" {
		mode = PortModeFixed
	}
	if cfg.Network.PortMode != mode {
		cfg.Network.PortMode = mode
		updated = true
	}
	if cfg.Network.PortMode == PortModeFixed && cfg.Network.ListeningPort <= 0 {
		cfg.Network.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.Network.PortMode == PortModeAutomatic && cfg.Network.ListeningPort != 0 {
		cfg.Network.ListeningPort = 0
		updated = true
	}
	setDuration(&cfg.Network.RequestTimeout, DefaultRequestTimeout)
	if cfg.Network.RateLimit == 0 {
		cfg.Network.RateLimit = DefaultRateLimit
		updated = true
	}

	setString(&cfg.Pairing.Password, DefaultPassword)
	setString(&cfg.Pairing.Salt, DefaultSalt)
	if cfg.Pairing.Iterations <= 0 {
		cfg.Pairing.Iterations = DefaultKDFIterations
		updated = true
	}
	setDuration(&cfg.Pairing.TTL, DefaultPairingTTL)
	setDuration(&cfg.Pairing.MaintenanceInterval, DefaultMaintenanceInterval)
	setString(&cfg.Pairing.StoragePrefix, DefaultStoragePrefix)

	setString(&cfg.API.Listen, DefaultAPIListen)
	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")

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
