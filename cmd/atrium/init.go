package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fenwick/atrium/internal/defaults"
	"github.com/fenwick/atrium/internal/paths"
)

// runInit initializes an Atrium data directory: the directory
// structure plus the example config and persona. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	layout := paths.NewLayout(dir)
	fmt.Fprintf(w, "Initializing Atrium data directory in %s\n", layout.Root())

	if err := layout.EnsureRoot(); err != nil {
		return err
	}
	if err := os.MkdirAll(layout.PersonaDir(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", layout.PersonaDir(), err)
	}

	// The config can carry expanded secrets (tokens in base_url),
	// so it is written owner-only.
	configPath := filepath.Join(layout.Root(), "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	if err := writeIfMissing(layout.Persona(), defaults.PersonaMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", layout.Persona())

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md, then run: atrium serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, mode)
}
