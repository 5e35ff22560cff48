// Package notes manages one agent's on-disk note tree: an append-only
// JSONL buffer of raw input, a topic index with per-topic buffers,
// feeds, syntheses and long-form notes, and a drafts area for unfiled
// markdown. Agents never share a tree; isolation is by distinct path
// roots.
package notes

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const timeLayout = "2006-01-02T15:04:05"

// On-disk layout inside a tree root.
const (
	bufferFile    = "noteBuffer.jsonl"
	indexFile     = "topics.json"
	topicsDir     = "topics"
	feedFile      = "noteFeed.md"
	synthesisFile = "synthesis.md"
	notesDir      = "notes"
	draftsDir     = "drafts"
	stateFile     = "state.json"
)

// Entry is one line of a note buffer.
type Entry struct {
	Time   string `json:"time"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// TopicInfo describes one topic in the index. Ids auto-increment per
// tree starting at 1.
type TopicInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Slug    string `json:"slug"`
	Created string `json:"created"`
}

// treeState holds the aggregate/sync high-water marks.
type treeState struct {
	LastAggregate string `json:"last_aggregate,omitempty"`
	LastSync      string `json:"last_sync,omitempty"`
}

// Tree is a single agent's note tree rooted at one directory.
type Tree struct {
	root   string
	logger *slog.Logger
}

// NewTree opens (creating if needed) the note tree rooted at root.
func NewTree(root string, logger *slog.Logger) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create note tree: %w", err)
	}
	return &Tree{root: root, logger: logger}, nil
}

// Root returns the tree's root directory.
func (tr *Tree) Root() string {
	return tr.root
}

// pathIn joins parts under the tree root, rejecting elements that
// could escape it.
func (tr *Tree) pathIn(parts ...string) (string, error) {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return "", fmt.Errorf("invalid path element: %q", p)
		}
	}
	return filepath.Join(append([]string{tr.root}, parts...)...), nil
}

// Slugify derives a topic slug: lowercased, runs of non-alphanumerics
// collapsed to a single hyphen, hyphens stripped from the ends.
func Slugify(name string) (string, error) {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	slug := b.String()
	if slug == "" {
		return "", fmt.Errorf("name %q yields an empty slug", name)
	}
	return slug, nil
}

// --- Raw input buffer ---

// AppendRaw appends a timestamped entry to the root buffer and syncs
// the file before returning.
func (tr *Tree) AppendRaw(text, source string) (Entry, error) {
	e := Entry{
		Time:   time.Now().Format(timeLayout),
		Source: source,
		Text:   text,
	}
	path := filepath.Join(tr.root, bufferFile)
	if err := appendLine(path, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ReadBuffer returns the root buffer's entries, oldest first. A
// missing buffer reads as empty.
func (tr *Tree) ReadBuffer() ([]Entry, error) {
	return tr.readEntries(filepath.Join(tr.root, bufferFile))
}

// ClearBuffer empties the root buffer.
func (tr *Tree) ClearBuffer() error {
	return writeEntries(filepath.Join(tr.root, bufferFile), nil)
}

// WriteBuffer replaces the root buffer's contents.
func (tr *Tree) WriteBuffer(entries []Entry) error {
	return writeEntries(filepath.Join(tr.root, bufferFile), entries)
}

// --- Topic index ---

// Topics returns the topic index, empty when none exists yet.
func (tr *Tree) Topics() ([]TopicInfo, error) {
	data, err := os.ReadFile(filepath.Join(tr.root, indexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read topic index: %w", err)
	}
	var topics []TopicInfo
	if err := json.Unmarshal(data, &topics); err != nil {
		return nil, fmt.Errorf("parse topic index: %w", err)
	}
	return topics, nil
}

// SaveTopics replaces the topic index.
func (tr *Tree) SaveTopics(topics []TopicInfo) error {
	if topics == nil {
		topics = []TopicInfo{}
	}
	data, err := json.MarshalIndent(topics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal topic index: %w", err)
	}
	return os.WriteFile(filepath.Join(tr.root, indexFile), data, 0644)
}

// AddTopic creates a topic from a display name, assigns the next id,
// and records it in the index. The topic directory is created eagerly.
func (tr *Tree) AddTopic(name string) (TopicInfo, error) {
	slug, err := Slugify(name)
	if err != nil {
		return TopicInfo{}, err
	}
	topics, err := tr.Topics()
	if err != nil {
		return TopicInfo{}, err
	}

	nextID := 1
	for _, t := range topics {
		if t.ID >= nextID {
			nextID = t.ID + 1
		}
	}
	info := TopicInfo{
		ID:      nextID,
		Name:    name,
		Slug:    slug,
		Created: time.Now().Format(timeLayout),
	}

	dir, err := tr.pathIn(topicsDir, slug)
	if err != nil {
		return TopicInfo{}, err
	}
	if err := os.MkdirAll(filepath.Join(dir, notesDir), 0o755); err != nil {
		return TopicInfo{}, fmt.Errorf("create topic dir: %w", err)
	}

	topics = append(topics, info)
	if err := tr.SaveTopics(topics); err != nil {
		return TopicInfo{}, err
	}
	return info, nil
}

// FindTopic returns the topic with the given slug, or nil.
func (tr *Tree) FindTopic(slug string) (*TopicInfo, error) {
	topics, err := tr.Topics()
	if err != nil {
		return nil, err
	}
	for i := range topics {
		if topics[i].Slug == slug {
			return &topics[i], nil
		}
	}
	return nil, nil
}

// --- Per-topic files ---

// TopicBuffer returns a topic's buffer entries.
func (tr *Tree) TopicBuffer(slug string) ([]Entry, error) {
	path, err := tr.pathIn(topicsDir, slug, bufferFile)
	if err != nil {
		return nil, err
	}
	return tr.readEntries(path)
}

// SaveTopicBuffer replaces a topic's buffer.
func (tr *Tree) SaveTopicBuffer(slug string, entries []Entry) error {
	path, err := tr.pathIn(topicsDir, slug, bufferFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeEntries(path, entries)
}

// NoteFeed returns a topic's long-form feed, empty when absent.
func (tr *Tree) NoteFeed(slug string) (string, error) {
	return tr.readTopicFile(slug, feedFile)
}

// SaveNoteFeed replaces a topic's feed.
func (tr *Tree) SaveNoteFeed(slug, content string) error {
	return tr.writeTopicFile(slug, feedFile, content)
}

// Synthesis returns a topic's synthesis markdown, empty when absent.
func (tr *Tree) Synthesis(slug string) (string, error) {
	return tr.readTopicFile(slug, synthesisFile)
}

// SaveSynthesis replaces a topic's synthesis.
func (tr *Tree) SaveSynthesis(slug, content string) error {
	return tr.writeTopicFile(slug, synthesisFile, content)
}

func (tr *Tree) readTopicFile(slug, name string) (string, error) {
	path, err := tr.pathIn(topicsDir, slug, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (tr *Tree) writeTopicFile(slug, name, content string) error {
	path, err := tr.pathIn(topicsDir, slug, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// --- High-water marks ---

// LastAggregate returns the aggregate high-water mark, empty when
// never set.
func (tr *Tree) LastAggregate() (string, error) {
	st, err := tr.readState()
	if err != nil {
		return "", err
	}
	return st.LastAggregate, nil
}

// SetLastAggregate records the aggregate high-water mark.
func (tr *Tree) SetLastAggregate(ts string) error {
	st, err := tr.readState()
	if err != nil {
		return err
	}
	st.LastAggregate = ts
	return tr.writeState(st)
}

// LastSync returns the sync high-water mark, empty when never set.
func (tr *Tree) LastSync() (string, error) {
	st, err := tr.readState()
	if err != nil {
		return "", err
	}
	return st.LastSync, nil
}

// SetLastSync records the sync high-water mark.
func (tr *Tree) SetLastSync(ts string) error {
	st, err := tr.readState()
	if err != nil {
		return err
	}
	st.LastSync = ts
	return tr.writeState(st)
}

func (tr *Tree) readState() (treeState, error) {
	var st treeState
	data, err := os.ReadFile(filepath.Join(tr.root, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read tree state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse tree state: %w", err)
	}
	return st, nil
}

func (tr *Tree) writeState(st treeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(tr.root, stateFile), data, 0644)
}

// --- Merging ---

// MergeTopics moves everything under the topic from into the topic to:
// buffer entries are appended, notes are moved (renamed on collision),
// feed and synthesis are concatenated. from is removed from the index
// and its directory deleted. The total entry count across topics is
// preserved.
func (tr *Tree) MergeTopics(from, to string) error {
	if from == to {
		return fmt.Errorf("cannot merge topic %q into itself", from)
	}
	src, err := tr.FindTopic(from)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("unknown topic: %q", from)
	}
	dst, err := tr.FindTopic(to)
	if err != nil {
		return err
	}
	if dst == nil {
		return fmt.Errorf("unknown topic: %q", to)
	}

	srcEntries, err := tr.TopicBuffer(from)
	if err != nil {
		return err
	}
	if len(srcEntries) > 0 {
		dstEntries, err := tr.TopicBuffer(to)
		if err != nil {
			return err
		}
		if err := tr.SaveTopicBuffer(to, append(dstEntries, srcEntries...)); err != nil {
			return err
		}
	}

	for _, part := range []string{feedFile, synthesisFile} {
		chunk, err := tr.readTopicFile(from, part)
		if err != nil {
			return err
		}
		if chunk == "" {
			continue
		}
		existing, err := tr.readTopicFile(to, part)
		if err != nil {
			return err
		}
		merged := chunk
		if existing != "" {
			merged = strings.TrimRight(existing, "\n") + "\n\n" + chunk
		}
		if err := tr.writeTopicFile(to, part, merged); err != nil {
			return err
		}
	}

	names, err := tr.ListTopicNotes(from)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := tr.TopicNote(from, name)
		if err != nil {
			return err
		}
		target := name
		for i := 2; ; i++ {
			existing, err := tr.TopicNote(to, target)
			if err != nil {
				return err
			}
			if existing == "" {
				break
			}
			target = fmt.Sprintf("%s-%d", name, i)
		}
		if err := tr.SaveTopicNote(to, target, content); err != nil {
			return err
		}
	}

	topics, err := tr.Topics()
	if err != nil {
		return err
	}
	kept := topics[:0]
	for _, t := range topics {
		if t.Slug != from {
			kept = append(kept, t)
		}
	}
	if err := tr.SaveTopics(kept); err != nil {
		return err
	}

	srcDir, err := tr.pathIn(topicsDir, from)
	if err != nil {
		return err
	}
	return os.RemoveAll(srcDir)
}

// --- Entry file helpers ---

func appendLine(path string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return f.Sync()
}

// readEntries parses a JSONL buffer. Unparseable lines (a torn tail
// after a crash, most likely) are skipped with a warning rather than
// failing the whole read.
func (tr *Tree) readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open buffer: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			tr.logger.Warn("skipping unparseable buffer line",
				"file", filepath.Base(path), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func writeEntries(path string, entries []Entry) error {
	var b strings.Builder
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write buffer: %w", err)
	}
	return nil
}

// sortedMarkdownNames lists the .md files in dir, extension stripped,
// sorted. A missing dir lists as empty.
func sortedMarkdownNames(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(d.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}
