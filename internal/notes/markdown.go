package notes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Note and draft names are exposed without the .md extension; on disk
// every file carries it.

// ListTopicNotes returns the note names under a topic, sorted.
func (tr *Tree) ListTopicNotes(slug string) ([]string, error) {
	dir, err := tr.pathIn(topicsDir, slug, notesDir)
	if err != nil {
		return nil, err
	}
	return sortedMarkdownNames(dir)
}

// TopicNote loads one note's markdown, empty when absent.
func (tr *Tree) TopicNote(slug, name string) (string, error) {
	path, err := tr.pathIn(topicsDir, slug, notesDir, mdFileName(name))
	if err != nil {
		return "", err
	}
	return readOptional(path)
}

// SaveTopicNote writes one note under a topic.
func (tr *Tree) SaveTopicNote(slug, name, content string) error {
	path, err := tr.pathIn(topicsDir, slug, notesDir, mdFileName(name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// CreateTopicNote names a new note after the content's first heading
// and saves it under the topic, returning the chosen name.
func (tr *Tree) CreateTopicNote(slug, content string) (string, error) {
	dir, err := tr.pathIn(topicsDir, slug, notesDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := uniqueName(dir, nameFromContent(content))
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0644); err != nil {
		return "", err
	}
	return name, nil
}

// ListDrafts returns the draft names, sorted.
func (tr *Tree) ListDrafts() ([]string, error) {
	return sortedMarkdownNames(filepath.Join(tr.root, draftsDir))
}

// Draft loads one draft's markdown, empty when absent.
func (tr *Tree) Draft(name string) (string, error) {
	path, err := tr.pathIn(draftsDir, mdFileName(name))
	if err != nil {
		return "", err
	}
	return readOptional(path)
}

// SaveDraft writes one draft.
func (tr *Tree) SaveDraft(name, content string) error {
	path, err := tr.pathIn(draftsDir, mdFileName(name))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// CreateDraft names a new draft after the content's first heading and
// saves it, returning the chosen name.
func (tr *Tree) CreateDraft(content string) (string, error) {
	dir := filepath.Join(tr.root, draftsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := uniqueName(dir, nameFromContent(content))
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0644); err != nil {
		return "", err
	}
	return name, nil
}

// TitleFromMarkdown returns the text of the document's first heading,
// or failing that its first non-empty line, truncated to 80 runes.
func TitleFromMarkdown(content string) string {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var title string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			if t := strings.TrimSpace(string(h.Text(src))); t != "" {
				title = t
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})

	if title == "" {
		for _, line := range strings.Split(content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				title = line
				break
			}
		}
	}
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

// nameFromContent derives a file name from the content's title,
// falling back to a timestamp when nothing slugifies.
func nameFromContent(content string) string {
	slug, err := Slugify(TitleFromMarkdown(content))
	if err != nil {
		return "note-" + time.Now().Format("20060102-150405")
	}
	return slug
}

// uniqueName suffixes base with -2, -3, … until no file in dir claims
// it.
func uniqueName(dir, base string) string {
	name := base
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name+".md")); errors.Is(err, fs.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

func mdFileName(name string) string {
	return strings.TrimSuffix(name, ".md") + ".md"
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
