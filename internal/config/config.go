package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	configFileName = "config.json"

	DefaultListenPort        = 11009
	DefaultDiscoveryPort     = 11008
	DefaultNotificationHold  = 3000
	DefaultDispatchTimeoutMs = 5000
)

// Config captures runtime and persistent settings for Parley.
type Config struct {
	Username          string `json:"username"`
	ListenPort        int    `json:"listen_port"`
	DiscoveryPort     int    `json:"discovery_port"`
	BaseDir           string `json:"base_dir"`
	DownloadDir       string `json:"download_dir"`
	LogDir            string `json:"log_dir"`
	ChatLogDir        string `json:"chatlog_dir"`
	Secret            string `json:"secret"`
	OpenChatHidden    bool   `json:"open_chat_hidden"`
	NotificationPopup bool   `json:"notification_popup"`
	NotificationHold  int    `json:"notification_hold_ms"`
	DispatchTimeout   int    `json:"dispatch_timeout_ms"`
	Status            string `json:"status"`
	ProfileName       string `json:"profile_name"`
	ProfileText       string `json:"profile_text"`
	AvatarFile        string `json:"avatar_file"`
	LastUpdated       int64  `json:"last_updated"`
	configPath        string
}

// Load reads config.json from the Parley home directory, writing defaults
// when the file does not exist yet. An empty home selects PARLEY_HOME or ~/.parley.
func Load(home string) (*Config, error) {
	if home == "" {
		var err error
		if home, err = defaultBaseDir(); err != nil {
			return nil, err
		}
	}
	cfgPath := filepath.Join(home, configFileName)
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		cfg := Default(home)
		cfg.configPath = cfgPath
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := &Config{NotificationPopup: true}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfgPath, err)
	}
	cfg.configPath = cfgPath
	if cfg.BaseDir == "" {
		cfg.BaseDir = home
	}
	cfg.applyEnv()
	cfg.populateDerived()
	return cfg, nil
}

// Default assembles a usable configuration rooted at base.
func Default(base string) *Config {
	cfg := &Config{
		ListenPort:        DefaultListenPort,
		DiscoveryPort:     DefaultDiscoveryPort,
		BaseDir:           base,
		NotificationPopup: true,
		NotificationHold:  DefaultNotificationHold,
		DispatchTimeout:   DefaultDispatchTimeoutMs,
		Status:            "available",
		Secret:            randomHex(32),
		LastUpdated:       time.Now().Unix(),
	}
	cfg.applyEnv()
	cfg.populateDerived()
	return cfg
}

// Save persists configuration to disk.
func (c *Config) Save() error {
	c.populateDerived()
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0o755); err != nil {
		return err
	}
	c.LastUpdated = time.Now().Unix()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configPath, data, 0o600)
}

// EnsureDirectories prepares the filesystem layout required by Parley.
func (c *Config) EnsureDirectories() error {
	c.populateDerived()
	dirs := []string{c.BaseDir, c.LogDir, c.ChatLogDir}
	if c.DownloadDir != "" {
		dirs = append(dirs, c.DownloadDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// PeerID is the stable identity announced to other peers.
func (c *Config) PeerID() string {
	sum := sha256.Sum256([]byte(c.Secret))
	return hex.EncodeToString(sum[:8])
}

// Path is the location of config.json.
func (c *Config) Path() string {
	return c.configPath
}

// HoldDuration is how long a notification stays fully visible.
func (c *Config) HoldDuration() time.Duration {
	return time.Duration(c.NotificationHold) * time.Millisecond
}

// DispatchTimeoutDuration bounds blocking event delivery.
func (c *Config) DispatchTimeoutDuration() time.Duration {
	return time.Duration(c.DispatchTimeout) * time.Millisecond
}

func (c *Config) applyEnv() {
	if name := strings.TrimSpace(os.Getenv("PARLEY_USERNAME")); name != "" {
		c.Username = name
	}
}

func (c *Config) populateDerived() {
	if c.BaseDir == "" {
		base, _ := defaultBaseDir()
		c.BaseDir = base
	}
	if c.Username == "" {
		c.Username = systemUser()
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.BaseDir, "logs")
	}
	if c.ChatLogDir == "" {
		c.ChatLogDir = filepath.Join(c.BaseDir, "chatlogs")
	}
	if c.NotificationHold <= 0 {
		c.NotificationHold = DefaultNotificationHold
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeoutMs
	}
	if c.Status == "" {
		c.Status = "available"
	}
	if c.Secret == "" {
		c.Secret = randomHex(32)
	}
	if c.configPath == "" {
		c.configPath = filepath.Join(c.BaseDir, configFileName)
	}
}

func systemUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "parley-user"
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func defaultBaseDir() (string, error) {
	if dir := os.Getenv("PARLEY_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".parley"), nil
}

// GetLocalIP tries to resolve a LAN-reachable IPv4 address.
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "198.51.100.1:80")
	if err != nil {
		return fallbackIP(), nil
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func fallbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
