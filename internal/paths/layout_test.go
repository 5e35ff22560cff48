package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/data/atrium")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"root", l.Root(), "/data/atrium"},
		{"database", l.Database(), filepath.Join("/data/atrium", "atrium.db")},
		{"settings", l.Settings(), filepath.Join("/data/atrium", "settings.json")},
		{"socket", l.Socket(), filepath.Join("/data/atrium", "atrium.sock")},
		{"persona", l.Persona(), filepath.Join("/data/atrium", "persona.md")},
		{"persona dir", l.PersonaDir(), filepath.Join("/data/atrium", "persona.d")},
		{"profile", l.Profile(), filepath.Join("/data/atrium", "profile.md")},
		{"agents dir", l.AgentsDir(), filepath.Join("/data/atrium", "agents")},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestLayoutExpandsHome(t *testing.T) {
	l := NewLayout("~/atrium-data")
	if !filepath.IsAbs(l.Root()) {
		t.Errorf("expected absolute root after tilde expansion, got %q", l.Root())
	}
	if filepath.Base(l.Root()) != "atrium-data" {
		t.Errorf("expected root ending in atrium-data, got %q", l.Root())
	}
}

func TestAgentDir(t *testing.T) {
	l := NewLayout("/data/atrium")

	valid := []string{"mist-0", "admin-0", "web_ui-3", "Agent.Name-12"}
	for _, id := range valid {
		got, err := l.AgentDir(id)
		if err != nil {
			t.Errorf("AgentDir(%q) error: %v", id, err)
			continue
		}
		want := filepath.Join("/data/atrium", "agents", id)
		if got != want {
			t.Errorf("AgentDir(%q) = %q, want %q", id, got, want)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "../escape", "agents/../.."}
	for _, id := range invalid {
		if _, err := l.AgentDir(id); err == nil {
			t.Errorf("AgentDir(%q) should error", id)
		}
	}
}

func TestEnsureRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "atrium")
	l := NewLayout(root)

	if err := l.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot error: %v", err)
	}
	for _, dir := range []string{l.Root(), l.AgentsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Second call is a no-op.
	if err := l.EnsureRoot(); err != nil {
		t.Errorf("EnsureRoot second call error: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/notes", filepath.Join(home, "notes")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~otheruser/notes", "~otheruser/notes"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
