// Package config handles configuration loading and validation for darklock.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ScanMode selects how aggressively the scanner re-hashes files.
type ScanMode string

const (
	ScanModeQuick    ScanMode = "quick"
	ScanModeFull     ScanMode = "full"
	ScanModeParanoid ScanMode = "paranoid"
)

// Config holds the daemon configuration.
type Config struct {
	// ProtectedPaths is the list of directories placed under integrity
	// protection and atomic restore.
	ProtectedPaths []string `toml:"protected_paths"`

	// ExcludeGlobs lists glob patterns skipped during directory scans.
	ExcludeGlobs []string `toml:"exclude_globs"`

	// MaxFileSizeBytes skips files larger than this during a scan (0 = no limit).
	MaxFileSizeBytes int64 `toml:"max_file_size_bytes"`

	// ScanMode is one of quick, full, paranoid.
	ScanMode ScanMode `toml:"scan_mode"`

	// Interval is a value in seconds that Validate requires to be at least
	// 1. The watcher pipeline does not read it; it debounces with its own
	// fixed window.
	Interval int `toml:"interval"`

	// DatabasePath is the path to the baseline SQLite database.
	DatabasePath string `toml:"database_path"`

	// LogPath is the path to the daemon log file.
	LogPath string `toml:"log_path"`

	// SigningKeyPath is the path to the Ed25519 identity private key.
	SigningKeyPath string `toml:"signing_key_path"`

	// BackupRoot is the root of the content-addressed blob store.
	BackupRoot string `toml:"backup_root"`

	// QuarantineDir is where the restore engine moves files it gives up on.
	QuarantineDir string `toml:"quarantine_dir"`

	// BaselineKeepVersions bounds how many baseline versions are retained.
	BaselineKeepVersions int `toml:"baseline_keep_versions"`

	// EventChainPath is the path to the signed event-chain log.
	EventChainPath string `toml:"event_chain_path"`

	// IdentityServerURL and RelayServerURL are opaque external collaborator
	// endpoints; the core never interprets them beyond passing them to an
	// HTTP client.
	IdentityServerURL string `toml:"identity_server_url"`
	RelayServerURL     string `toml:"relay_server_url"`

	// Argon2idTimeCost, Argon2idMemoryKiB, Argon2idThreads tune the
	// password KDF; 0 means "use security.DefaultArgon2idParams()".
	Argon2idTimeCost  uint32 `toml:"argon2id_time_cost"`
	Argon2idMemoryKiB uint32 `toml:"argon2id_memory_kib"`
	Argon2idThreads   uint8  `toml:"argon2id_threads"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	darklockDir := filepath.Join(homeDir, ".darklock")

	return &Config{
		ProtectedPaths:       []string{},
		ExcludeGlobs:         []string{},
		MaxFileSizeBytes:     0,
		ScanMode:             ScanModeFull,
		Interval:             5,
		DatabasePath:         filepath.Join(darklockDir, "baseline.db"),
		LogPath:              filepath.Join(darklockDir, "darklock.log"),
		SigningKeyPath:       filepath.Join(homeDir, ".ssh", "darklock_identity_key"),
		BackupRoot:           filepath.Join(darklockDir, "backups"),
		QuarantineDir:        filepath.Join(darklockDir, "quarantine"),
		BaselineKeepVersions: 5,
		EventChainPath:       filepath.Join(darklockDir, "events.chain"),
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".darklock", "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Interval < 1 {
		return errors.New("config: interval must be at least 1 second")
	}

	if c.DatabasePath == "" {
		return errors.New("config: database_path is required")
	}

	if c.SigningKeyPath == "" {
		return errors.New("config: signing_key_path is required")
	}

	if c.BackupRoot == "" {
		return errors.New("config: backup_root is required")
	}

	if c.QuarantineDir == "" {
		return errors.New("config: quarantine_dir is required")
	}

	if c.BaselineKeepVersions < 1 {
		return errors.New("config: baseline_keep_versions must be at least 1")
	}

	switch c.ScanMode {
	case ScanModeQuick, ScanModeFull, ScanModeParanoid:
	case "":
		c.ScanMode = ScanModeFull
	default:
		return errors.New("config: scan_mode must be quick, full, or paranoid")
	}

	return nil
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.DatabasePath),
		filepath.Dir(c.LogPath),
		c.BackupRoot,
		c.QuarantineDir,
		filepath.Dir(c.EventChainPath),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}

// DarklockDir returns the base darklock directory.
func DarklockDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".darklock")
}
