// Package persona loads the admin agent's persona text from the data
// directory, falling back to an embedded default.
package persona

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
)

//go:embed default.md
var defaultPersona string

// Load returns the persona text: the contents of file when it is
// readable, else the embedded default, followed by any fragments found
// in fragmentsDir. The result is stable for a fixed set of files.
func Load(file, fragmentsDir string) string {
	base := defaultPersona
	if data, err := os.ReadFile(file); err == nil {
		base = string(data)
	}

	parts := []string{strings.TrimSpace(base)}
	parts = append(parts, fragments(fragmentsDir)...)
	return strings.Join(parts, "\n\n")
}

// fragments reads the *.md files in dir. os.ReadDir returns entries
// sorted by name, which fixes the layering order.
func fragments(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			out = append(out, text)
		}
	}
	return out
}
