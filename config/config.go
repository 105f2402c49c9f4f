package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "interact"
	// DefaultListeningPort is the file-transfer TCP port used when no user override exists.
	DefaultListeningPort = 9000
	// DefaultLivenessPort is the well-known reachability port shared by every device.
	DefaultLivenessPort = 12346
	// DefaultPacketSize is the chunk size for handshake reads and file streaming.
	DefaultPacketSize = 64 * 1024
	// DefaultMaxConcurrentTransfers bounds inbound transfer sessions.
	DefaultMaxConcurrentTransfers = 16
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// receivedFilesDirName is the receive root under the data directory.
	receivedFilesDirName = "received_files"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	IPAddress              string `json:"ip_address"`
	ListeningPort          int    `json:"listening_port"`
	LivenessPort           int    `json:"liveness_port"`
	ReceiveDir             string `json:"receive_dir"`
	PacketSize             int    `json:"packet_size"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	LogLevel               string `json:"log_level"`
	LogFormat              string `json:"log_format"`
	MetricsAddr            string `json:"metrics_addr"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If INTERACT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("INTERACT_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, receivedFilesDirName),
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
//
// The file is written next to its final location and renamed into place.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
//
// Environment overrides (INTERACT_LOG_LEVEL, INTERACT_LOG_FORMAT, INTERACT_METRICS_ADDR) are
// applied to the returned value only and never persisted.
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
		applyEnvOverrides(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

// Validate reports configuration values that cannot be used to start the device.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if strings.Contains(c.DeviceName, "|") || strings.Contains(c.DeviceName, ".") {
		return fmt.Errorf("device name %q must not contain '|' or '.'", c.DeviceName)
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return fmt.Errorf("listening port %d out of range", c.ListeningPort)
	}
	if c.LivenessPort <= 0 || c.LivenessPort > 65535 {
		return fmt.Errorf("liveness port %d out of range", c.LivenessPort)
	}
	if c.ListeningPort == c.LivenessPort {
		return fmt.Errorf("listening port must differ from liveness port %d", c.LivenessPort)
	}
	if c.IPAddress != "" && net.ParseIP(c.IPAddress) == nil {
		return fmt.Errorf("invalid ip address %q", c.IPAddress)
	}
	if c.PacketSize <= 0 {
		return errors.New("packet size must be > 0")
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:               uuid.NewString(),
		DeviceName:             defaultDeviceName(),
		ListeningPort:          DefaultListeningPort,
		LivenessPort:           DefaultLivenessPort,
		ReceiveDir:             filepath.Join(dataDir, receivedFilesDirName),
		PacketSize:             DefaultPacketSize,
		MaxConcurrentTransfers: DefaultMaxConcurrentTransfers,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

func defaultDeviceName() string {
	deviceName := "InterAct Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		// Instance names end at the first dot when peers parse them back.
		deviceName = strings.SplitN(host, ".", 2)[0]
	}
	return deviceName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.LivenessPort <= 0 || cfg.LivenessPort > 65535 {
		cfg.LivenessPort = DefaultLivenessPort
		updated = true
	}
	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = filepath.Join(dataDir, receivedFilesDirName)
		updated = true
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultPacketSize
		updated = true
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *DeviceConfig) {
	if v := strings.TrimSpace(os.Getenv("INTERACT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("INTERACT_LOG_FORMAT")); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("INTERACT_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
}

// DetectIPAddress returns the first non-loopback IPv4 address of an up interface.
func DetectIPAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", errors.New("no non-loopback IPv4 address found")
}
