// Package articles persists the scientific-article library in SQLite:
// bibliographic records plus a tag side table.
package articles

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05"

// ErrNotFound is returned when no article matches the requested id.
var ErrNotFound = errors.New("article not found")

// Article is one bibliographic record. Authors are stored as a JSON
// array in a single column; tags live in their own table.
type Article struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Abstract  string   `json:"abstract,omitempty"`
	Year      int      `json:"year,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
	ArxivID   string   `json:"arxiv_id,omitempty"`
	S2ID      string   `json:"s2_id,omitempty"`
	PDFPath   string   `json:"pdf_path,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// Store persists articles in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an article store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate articles: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS articles (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			title        TEXT NOT NULL,
			authors_json TEXT NOT NULL DEFAULT '[]',
			abstract     TEXT NOT NULL DEFAULT '',
			year         INTEGER NOT NULL DEFAULT 0,
			source_url   TEXT NOT NULL DEFAULT '',
			arxiv_id     TEXT NOT NULL DEFAULT '',
			s2_id        TEXT NOT NULL DEFAULT '',
			pdf_path     TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS article_tags (
			article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
			tag        TEXT NOT NULL,
			UNIQUE (article_id, tag)
		);
		CREATE INDEX IF NOT EXISTS idx_article_tags_tag ON article_tags(tag);
	`)
	return err
}

// Create inserts a new article and assigns its id. Tags present on the
// struct are saved too.
func (s *Store) Create(a *Article) error {
	if a.Title == "" {
		return fmt.Errorf("article title is required")
	}
	if a.Authors == nil {
		a.Authors = []string{}
	}

	authorsJSON, err := json.Marshal(a.Authors)
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}

	now := time.Now().Format(timeLayout)
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.Exec(`
		INSERT INTO articles (title, authors_json, abstract, year, source_url, arxiv_id, s2_id, pdf_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Title, string(authorsJSON), a.Abstract, a.Year, a.SourceURL, a.ArxivID, a.S2ID, a.PDFPath,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return err
	}

	for _, tag := range a.Tags {
		if err := s.AddTag(a.ID, tag); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves an article by id, tags included.
func (s *Store) Get(id int64) (*Article, error) {
	row := s.db.QueryRow(`
		SELECT id, title, authors_json, abstract, year, source_url, arxiv_id, s2_id, pdf_path, created_at, updated_at
		FROM articles WHERE id = ?
	`, id)
	a, err := scanArticle(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.Tags, err = s.TagsFor(id)
	return a, err
}

// List returns articles newest first, optionally restricted to one
// tag.
func (s *Store) List(tag string) ([]*Article, error) {
	query := `
		SELECT id, title, authors_json, abstract, year, source_url, arxiv_id, s2_id, pdf_path, created_at, updated_at
		FROM articles
	`
	var args []any
	if tag != "" {
		query += ` WHERE id IN (SELECT article_id FROM article_tags WHERE tag = ?)`
		args = append(args, tag)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, a := range out {
		if a.Tags, err = s.TagsFor(a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update rewrites an existing article. Tags are managed through
// AddTag/RemoveTag and left untouched here.
func (s *Store) Update(a *Article) error {
	if a.Title == "" {
		return fmt.Errorf("article title is required")
	}
	if a.Authors == nil {
		a.Authors = []string{}
	}

	authorsJSON, err := json.Marshal(a.Authors)
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	a.UpdatedAt = time.Now().Format(timeLayout)

	res, err := s.db.Exec(`
		UPDATE articles SET title = ?, authors_json = ?, abstract = ?, year = ?, source_url = ?,
			arxiv_id = ?, s2_id = ?, pdf_path = ?, updated_at = ?
		WHERE id = ?
	`, a.Title, string(authorsJSON), a.Abstract, a.Year, a.SourceURL, a.ArxivID, a.S2ID, a.PDFPath,
		a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("article %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

// Delete removes an article and its tags.
func (s *Store) Delete(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM article_tags WHERE article_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM articles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// AddTag attaches a tag to an article. Duplicates are silently
// ignored.
func (s *Store) AddTag(id int64, tag string) error {
	if tag == "" {
		return fmt.Errorf("tag is required")
	}
	if _, err := s.Get(id); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO article_tags (article_id, tag) VALUES (?, ?)`,
		id, tag,
	)
	return err
}

// RemoveTag detaches a tag from an article. Unknown tags are a no-op.
func (s *Store) RemoveTag(id int64, tag string) error {
	_, err := s.db.Exec(
		`DELETE FROM article_tags WHERE article_id = ? AND tag = ?`,
		id, tag,
	)
	return err
}

// TagsFor returns an article's tags sorted alphabetically.
func (s *Store) TagsFor(id int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT tag FROM article_tags WHERE article_id = ? ORDER BY tag ASC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ListTags returns every distinct tag in use, sorted alphabetically.
func (s *Store) ListTags() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tag FROM article_tags ORDER BY tag ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func scanArticle(scan func(dest ...any) error) (*Article, error) {
	var a Article
	var authorsJSON string

	err := scan(&a.ID, &a.Title, &authorsJSON, &a.Abstract, &a.Year, &a.SourceURL,
		&a.ArxivID, &a.S2ID, &a.PDFPath, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authorsJSON), &a.Authors); err != nil {
		return nil, fmt.Errorf("unmarshal authors: %w", err)
	}
	return &a, nil
}
