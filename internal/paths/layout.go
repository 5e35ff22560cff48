// Package paths defines the on-disk layout of the Atrium data
// directory. Every component resolves file locations through a single
// [Layout] built from configuration at startup, so the directory
// structure is declared in exactly one place.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout derives every file and directory the core touches from a
// single data root.
//
//	<root>/atrium.db        shared SQLite database
//	<root>/settings.json    runtime settings overrides
//	<root>/atrium.sock      Unix socket (default location)
//	<root>/persona.md       admin agent persona
//	<root>/persona.d/       optional persona fragments
//	<root>/profile.md       optional operator profile
//	<root>/agents/<id>/     per-agent note trees
type Layout struct {
	root string
}

// NewLayout builds a Layout rooted at dataDir. A leading ~ is expanded
// to the user's home directory.
func NewLayout(dataDir string) *Layout {
	return &Layout{root: ExpandHome(dataDir)}
}

// Root returns the data directory root.
func (l *Layout) Root() string {
	return l.root
}

// Database returns the SQLite database path.
func (l *Layout) Database() string {
	return filepath.Join(l.root, "atrium.db")
}

// Settings returns the runtime settings file path.
func (l *Layout) Settings() string {
	return filepath.Join(l.root, "settings.json")
}

// Socket returns the default Unix socket path. Configuration may
// override it with an explicit socket_path.
func (l *Layout) Socket() string {
	return filepath.Join(l.root, "atrium.sock")
}

// Persona returns the admin persona file path.
func (l *Layout) Persona() string {
	return filepath.Join(l.root, "persona.md")
}

// PersonaDir returns the directory holding optional persona fragments,
// applied in sorted order after persona.md.
func (l *Layout) PersonaDir() string {
	return filepath.Join(l.root, "persona.d")
}

// Profile returns the optional operator profile file path, injected
// into the admin system prompt when present.
func (l *Layout) Profile() string {
	return filepath.Join(l.root, "profile.md")
}

// AgentsDir returns the directory holding per-agent note trees.
func (l *Layout) AgentsDir() string {
	return filepath.Join(l.root, "agents")
}

// AgentDir returns the note tree root for a single agent. The id is
// validated here because agent ids embed caller-supplied manifest
// names; ids that would escape the agents directory are rejected.
func (l *Layout) AgentDir(agentID string) (string, error) {
	if agentID == "" || agentID == "." || agentID == ".." ||
		strings.ContainsAny(agentID, `/\`) {
		return "", fmt.Errorf("invalid agent id: %q", agentID)
	}
	return filepath.Join(l.AgentsDir(), agentID), nil
}

// EnsureRoot creates the data root and the agents directory if they do
// not exist.
func (l *Layout) EnsureRoot() error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(l.AgentsDir(), 0o755); err != nil {
		return fmt.Errorf("create agents dir: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
