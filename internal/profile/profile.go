// ABOUTME: Local user profile loaded from a TOML file in the XDG config dir.
// ABOUTME: Supplies the session metadata (username, platform tag) sent at session start.

package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Profile identifies the local user to the agent service. It is sent as
// session-creation metadata, not used for authentication.
type Profile struct {
	UserID    string `toml:"user_id"`
	Username  string `toml:"username"`
	Platform  string `toml:"platform"`
	Interface string `toml:"interface"`
}

// DefaultPath returns the profile path under XDG_CONFIG_HOME (or ~/.config).
func DefaultPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home dir: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "purl", "profile.toml"), nil
}

// Load reads a profile from path. A missing file is not an error: a fresh
// profile with a generated user id is returned and persisted so the same
// identity is reused on the next run.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		p := newDefault()
		if err := p.Save(path); err != nil {
			return nil, fmt.Errorf("saving fresh profile: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	var p Profile
	if _, err := toml.Decode(string(data), &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	p.fillDefaults()
	return &p, nil
}

// Save writes the profile to path, creating parent directories as needed.
func (p *Profile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating profile file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	return nil
}

// Metadata returns the profile as the metadata map sent on session creation.
func (p *Profile) Metadata() map[string]string {
	return map[string]string{
		"platform":  p.Platform,
		"username":  p.Username,
		"interface": p.Interface,
	}
}

func newDefault() *Profile {
	p := &Profile{}
	p.fillDefaults()
	return p
}

func (p *Profile) fillDefaults() {
	if p.UserID == "" {
		p.UserID = generateUserID()
	}
	if p.Username == "" {
		p.Username = "purl-user"
	}
	if p.Platform == "" {
		p.Platform = "cli"
	}
	if p.Interface == "" {
		p.Interface = "purl-chat"
	}
}
