package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"windrop/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "windrop"
	// DefaultTransferPort is the well-known TCP/UDP port for local
	// transfer and discovery.
	DefaultTransferPort = 23969
	// DefaultRelayServerURL is the relay hub endpoint used when no user
	// override exists.
	DefaultRelayServerURL = "ws://localhost:5000/filehub"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings. The device
// identity fields are generated once per install and never change.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	DeviceModel    string `json:"device_model"`
	Manufacturer   string `json:"manufacturer"`
	DeviceKind     int    `json:"device_kind"`
	TransferPort   int    `json:"transfer_port"`
	SaveFolder     string `json:"save_folder"`
	RelayServerURL string `json:"relay_server_url"`
}

// Identity builds the immutable device identity broadcast to peers.
func (c *DeviceConfig) Identity() models.DeviceIdentity {
	return models.DeviceIdentity{
		ID:           c.DeviceID,
		Name:         c.DeviceName,
		Kind:         models.DeviceKind(c.DeviceKind),
		Model:        c.DeviceModel,
		Manufacturer: c.Manufacturer,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WINDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("WINDROP_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, "received"),
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

// LoadOrCreate ensures directories and config exist, then returns both.
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

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "Windrop Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:       uuid.NewString(),
		DeviceName:     deviceName,
		DeviceKind:     int(defaultDeviceKind()),
		TransferPort:   DefaultTransferPort,
		SaveFolder:     filepath.Join(dataDir, "received"),
		RelayServerURL: DefaultRelayServerURL,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "Windrop Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.TransferPort <= 0 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}

	if cfg.SaveFolder == "" {
		cfg.SaveFolder = filepath.Join(dataDir, "received")
		updated = true
	}

	if cfg.RelayServerURL == "" {
		cfg.RelayServerURL = DefaultRelayServerURL
		updated = true
	}

	return updated
}

// defaultDeviceKind guesses the hardware class for a fresh install.
func defaultDeviceKind() models.DeviceKind {
	switch runtime.GOOS {
	case "android", "ios":
		return models.DeviceKindMobile
	default:
		return models.DeviceKindDesktop
	}
}
