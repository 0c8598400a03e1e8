package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// IPCConfig defines socket settings.
type IPCConfig struct {
	SocketPath string `toml:"socketPath"`
}

// StorageConfig defines SQLite settings.
type StorageConfig struct {
	DBPath string `toml:"dbPath"`
}

// VaultConfig defines the encrypted secret file location.
type VaultConfig struct {
	FilePath string `toml:"filePath"`
}

// ConfirmationConfig tunes the human-approval gate.
type ConfirmationConfig struct {
	TimeoutSeconds int `toml:"timeoutSeconds"`
}

// VCSConfig defines snapshot history options.
type VCSConfig struct {
	Enabled bool   `toml:"enabled"`
	Branch  string `toml:"branch"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// ProfileConfig aggregates daemon configuration for a profile.
type ProfileConfig struct {
	ProfileName  string             `toml:"profileName"`
	Storage      StorageConfig      `toml:"storage"`
	IPC          IPCConfig          `toml:"ipc"`
	Vault        VaultConfig        `toml:"vault"`
	Confirmation ConfirmationConfig `toml:"confirmation"`
	VCS          VCSConfig          `toml:"vcs"`
	Logging      LoggingConfig      `toml:"logging"`
}

// DefaultProfile returns a config with the standard profile layout.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Storage:     StorageConfig{DBPath: "state.db"},
		IPC:         IPCConfig{SocketPath: "walletd.sock"},
		Vault:       VaultConfig{FilePath: "vault.json"},
		Confirmation: ConfirmationConfig{
			TimeoutSeconds: 300,
		},
		VCS: VCSConfig{Branch: "main"},
	}
}

// Load reads a config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads config.toml from a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	return Load(filepath.Join(dir, "config.toml"))
}

// Save writes cfg to path as TOML.
func Save(path string, cfg *ProfileConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

// ResolvePath resolves a config-relative path against the profile dir.
func ResolvePath(profileDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(profileDir, path)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.dbPath required")
	}
	if cfg.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socketPath required")
	}
	if cfg.Vault.FilePath == "" {
		return fmt.Errorf("vault.filePath required")
	}
	if cfg.Confirmation.TimeoutSeconds <= 0 {
		cfg.Confirmation.TimeoutSeconds = 300
	}
	if cfg.VCS.Branch == "" {
		cfg.VCS.Branch = "main"
	}
	return nil
}
