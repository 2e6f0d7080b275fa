// Package platform resolves the per-user filesystem locations mailbridge
// uses for configuration and sync state.
package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hkdb/mailbridge/internal/logging"
)

// Paths holds the resolved base directories
type Paths struct {
	Home   string
	Config string // directory holding config.json
	State  string // default directory for sync state files
}

// ConfigFile is the config file name inside the config directory
const ConfigFile = "config.json"

// legacyConfigName is the pre-XDG config location relative to $HOME
const legacyConfigName = ".mailbridgerc"

// GetPaths resolves the standard directories from the environment.
// HOME is required; XDG_CONFIG_HOME and XDG_STATE_HOME are honored with the
// usual fallbacks.
func GetPaths() (*Paths, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return nil, fmt.Errorf("HOME is not set")
	}

	confBase := os.Getenv("XDG_CONFIG_HOME")
	if confBase == "" {
		confBase = filepath.Join(home, ".config")
	}
	stateBase := os.Getenv("XDG_STATE_HOME")
	if stateBase == "" {
		stateBase = filepath.Join(home, ".local", "state")
	}

	return &Paths{
		Home:   home,
		Config: filepath.Join(confBase, "mailbridge"),
		State:  filepath.Join(stateBase, "mailbridge"),
	}, nil
}

// ConfigPath returns the config file to load. If both the new-style and the
// legacy location exist, the legacy one is used and a warning is emitted.
func (p *Paths) ConfigPath() string {
	log := logging.WithComponent("platform")

	newPath := filepath.Join(p.Config, ConfigFile)
	legacyPath := filepath.Join(p.Home, legacyConfigName)

	_, newErr := os.Stat(newPath)
	_, legacyErr := os.Stat(legacyPath)
	if legacyErr == nil {
		if newErr == nil {
			log.Warn().
				Str("legacy", legacyPath).
				Str("current", newPath).
				Msg("Both legacy and current config exist; using legacy")
		}
		return legacyPath
	}
	return newPath
}

// EnsureDirectories creates the config and state directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
