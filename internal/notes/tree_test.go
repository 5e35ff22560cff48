package notes

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tree, err := NewTree(filepath.Join(t.TempDir(), "agent-0"), logger)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	return tree
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"My Topic", "my-topic"},
		{"Hello, World!", "hello-world"},
		{"  spaced  out  ", "spaced-out"},
		{"already-a-slug", "already-a-slug"},
		{"Numbers 123", "numbers-123"},
		{"---x---", "x"},
		{"CAPS", "caps"},
	}
	for _, tt := range tests {
		got, err := Slugify(tt.name)
		if err != nil {
			t.Errorf("Slugify(%q) error: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}

	for _, bad := range []string{"", "!!!", "---", "   "} {
		if got, err := Slugify(bad); err == nil {
			t.Errorf("Slugify(%q) = %q, want error", bad, got)
		}
	}
}

func TestAppendRawAndReadBuffer(t *testing.T) {
	tree := newTestTree(t)

	first, err := tree.AppendRaw("remember the milk", "cli")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := tree.AppendRaw("second thought", "cli"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := tree.ReadBuffer()
	if err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("buffer has %d entries, want 2", len(entries))
	}
	if entries[0].Text != "remember the milk" || entries[0].Source != "cli" {
		t.Errorf("entries[0] = %+v, want the first append", entries[0])
	}
	if entries[0].Time != first.Time {
		t.Errorf("entries[0].Time = %q, want %q", entries[0].Time, first.Time)
	}
}

func TestBufferIsolationBetweenTrees(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := t.TempDir()
	a, err := NewTree(filepath.Join(base, "a-0"), logger)
	if err != nil {
		t.Fatalf("new tree a: %v", err)
	}
	b, err := NewTree(filepath.Join(base, "b-0"), logger)
	if err != nil {
		t.Fatalf("new tree b: %v", err)
	}

	if _, err := a.AppendRaw("from a", "test"); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := b.AppendRaw("from b", "test"); err != nil {
		t.Fatalf("append b: %v", err)
	}

	aEntries, err := a.ReadBuffer()
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	bEntries, err := b.ReadBuffer()
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if len(aEntries) != 1 || aEntries[0].Text != "from a" {
		t.Errorf("tree a sees %v, want only its own entry", aEntries)
	}
	if len(bEntries) != 1 || bEntries[0].Text != "from b" {
		t.Errorf("tree b sees %v, want only its own entry", bEntries)
	}
}

func TestClearAndWriteBuffer(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.AppendRaw("x", "test"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tree.ClearBuffer(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, err := tree.ReadBuffer()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("buffer has %d entries after clear, want 0", len(entries))
	}

	want := []Entry{
		{Time: "2026-01-01T10:00:00", Source: "test", Text: "one"},
		{Time: "2026-01-01T11:00:00", Source: "test", Text: "two"},
	}
	if err := tree.WriteBuffer(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err = tree.ReadBuffer()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 || entries[1].Text != "two" {
		t.Errorf("buffer = %v, want the written entries", entries)
	}
}

func TestReadBufferSkipsTornLine(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.AppendRaw("intact", "test"); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Simulate a torn tail from a crash mid-append.
	f, err := os.OpenFile(filepath.Join(tree.Root(), bufferFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"time":"2026-`); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	entries, err := tree.ReadBuffer()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "intact" {
		t.Errorf("entries = %v, want just the intact one", entries)
	}
}

func TestAddAndFindTopic(t *testing.T) {
	tree := newTestTree(t)

	first, err := tree.AddTopic("Machine Learning")
	if err != nil {
		t.Fatalf("add topic: %v", err)
	}
	if first.ID != 1 || first.Slug != "machine-learning" {
		t.Errorf("first topic = %+v, want id 1 slug machine-learning", first)
	}
	second, err := tree.AddTopic("Gardening")
	if err != nil {
		t.Fatalf("add topic: %v", err)
	}
	if second.ID != 2 {
		t.Errorf("second topic id = %d, want 2", second.ID)
	}

	found, err := tree.FindTopic("machine-learning")
	if err != nil {
		t.Fatalf("find topic: %v", err)
	}
	if found == nil || found.Name != "Machine Learning" {
		t.Errorf("find = %+v, want the ML topic", found)
	}

	missing, err := tree.FindTopic("absent")
	if err != nil {
		t.Fatalf("find topic: %v", err)
	}
	if missing != nil {
		t.Errorf("find(absent) = %+v, want nil", missing)
	}
}

func TestTopicFilesRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.AddTopic("Research"); err != nil {
		t.Fatalf("add topic: %v", err)
	}

	entries := []Entry{{Time: "2026-01-01T10:00:00", Source: "agg", Text: "note"}}
	if err := tree.SaveTopicBuffer("research", entries); err != nil {
		t.Fatalf("save buffer: %v", err)
	}
	got, err := tree.TopicBuffer("research")
	if err != nil {
		t.Fatalf("load buffer: %v", err)
	}
	if len(got) != 1 || got[0].Text != "note" {
		t.Errorf("topic buffer = %v, want the saved entry", got)
	}

	if err := tree.SaveNoteFeed("research", "## Feed\nitem"); err != nil {
		t.Fatalf("save feed: %v", err)
	}
	feed, err := tree.NoteFeed("research")
	if err != nil {
		t.Fatalf("load feed: %v", err)
	}
	if feed != "## Feed\nitem" {
		t.Errorf("feed = %q", feed)
	}

	if err := tree.SaveSynthesis("research", "summary"); err != nil {
		t.Fatalf("save synthesis: %v", err)
	}
	synth, err := tree.Synthesis("research")
	if err != nil {
		t.Fatalf("load synthesis: %v", err)
	}
	if synth != "summary" {
		t.Errorf("synthesis = %q", synth)
	}

	// Untouched files read as empty, not as errors.
	if s, err := tree.Synthesis("machine"); err != nil || s != "" {
		t.Errorf("missing synthesis = (%q, %v), want empty", s, err)
	}
}

func TestPathElementsValidated(t *testing.T) {
	tree := newTestTree(t)

	for _, bad := range []string{"../evil", "a/b", `a\b`, "..", "."} {
		if _, err := tree.TopicBuffer(bad); err == nil {
			t.Errorf("TopicBuffer(%q) succeeded, want error", bad)
		}
		if err := tree.SaveNoteFeed(bad, "x"); err == nil {
			t.Errorf("SaveNoteFeed(%q) succeeded, want error", bad)
		}
	}
}

func TestHighWaterMarks(t *testing.T) {
	tree := newTestTree(t)

	if ts, err := tree.LastAggregate(); err != nil || ts != "" {
		t.Errorf("initial last_aggregate = (%q, %v), want empty", ts, err)
	}
	if err := tree.SetLastAggregate("2026-01-02T10:00:00"); err != nil {
		t.Fatalf("set aggregate: %v", err)
	}
	if err := tree.SetLastSync("2026-01-03T11:00:00"); err != nil {
		t.Fatalf("set sync: %v", err)
	}

	agg, err := tree.LastAggregate()
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg != "2026-01-02T10:00:00" {
		t.Errorf("last_aggregate = %q", agg)
	}
	syn, err := tree.LastSync()
	if err != nil {
		t.Fatalf("get sync: %v", err)
	}
	if syn != "2026-01-03T11:00:00" {
		t.Errorf("last_sync = %q", syn)
	}
}

func TestMergeTopics(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.AddTopic("Source"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := tree.AddTopic("Target"); err != nil {
		t.Fatalf("add: %v", err)
	}

	srcEntries := []Entry{
		{Time: "2026-01-01T10:00:00", Source: "agg", Text: "s1"},
		{Time: "2026-01-01T11:00:00", Source: "agg", Text: "s2"},
	}
	dstEntries := []Entry{{Time: "2026-01-01T09:00:00", Source: "agg", Text: "t1"}}
	if err := tree.SaveTopicBuffer("source", srcEntries); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tree.SaveTopicBuffer("target", dstEntries); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tree.SaveSynthesis("source", "source summary"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tree.SaveSynthesis("target", "target summary"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := tree.SaveTopicNote("source", "idea", "# Idea\nfrom source"); err != nil {
		t.Fatalf("save note: %v", err)
	}
	if err := tree.SaveTopicNote("target", "idea", "# Idea\nfrom target"); err != nil {
		t.Fatalf("save note: %v", err)
	}

	if err := tree.MergeTopics("source", "target"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	merged, err := tree.TopicBuffer("target")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(merged) != len(srcEntries)+len(dstEntries) {
		t.Errorf("merged buffer has %d entries, want %d", len(merged), len(srcEntries)+len(dstEntries))
	}

	synth, err := tree.Synthesis("target")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if synth != "target summary\n\nsource summary" {
		t.Errorf("merged synthesis = %q", synth)
	}

	names, err := tree.ListTopicNotes("target")
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("target has %d notes after merge, want 2 (collision renamed)", len(names))
	}
	moved, err := tree.TopicNote("target", "idea-2")
	if err != nil {
		t.Fatalf("load note: %v", err)
	}
	if moved != "# Idea\nfrom source" {
		t.Errorf("renamed note content = %q", moved)
	}

	gone, err := tree.FindTopic("source")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if gone != nil {
		t.Error("source topic still in index after merge")
	}
	if _, err := os.Stat(filepath.Join(tree.Root(), topicsDir, "source")); !os.IsNotExist(err) {
		t.Error("source topic directory still exists after merge")
	}

	if err := tree.MergeTopics("absent", "target"); err == nil {
		t.Error("merge from unknown topic succeeded, want error")
	}
	if err := tree.MergeTopics("target", "target"); err == nil {
		t.Error("merge into itself succeeded, want error")
	}
}
