// Package tasks persists the shared task list in SQLite. Task ids are
// small user-facing integers: each new task takes the lowest positive
// integer not held by an open task, so completed ids become available
// again.
package tasks

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task statuses.
const (
	StatusTodo      = "todo"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

// timeLayout is ISO-8601 at second precision, matching the formats
// agents and the UI exchange.
const timeLayout = "2006-01-02T15:04:05"

// ErrNotFound is returned when no task matches the requested id.
var ErrNotFound = errors.New("task not found")

// Task is one entry in the shared task list. Timestamps are stored as
// ISO-8601 seconds; DueDate keeps whatever granularity the caller gave
// (date or date-time).
type Task struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	DueDate   string `json:"due_date,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Store persists tasks in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a task store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

// Ids are reused once a task leaves todo, so id alone cannot be the
// primary key; seq disambiguates rows that share an id.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         INTEGER NOT NULL,
			title      TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'todo',
			due_date   TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_id ON tasks(id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`)
	return err
}

func validStatus(status string) bool {
	switch status {
	case StatusTodo, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Create inserts a new todo task and returns it with its assigned id:
// the lowest positive integer no open task currently holds.
func (s *Store) Create(title, dueDate string) (*Task, error) {
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM tasks WHERE status = ?`, StatusTodo)
	if err != nil {
		return nil, err
	}
	used := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		used[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	id := int64(1)
	for used[id] {
		id++
	}

	now := time.Now().Format(timeLayout)
	t := &Task{
		ID:        id,
		Title:     title,
		Status:    StatusTodo,
		DueDate:   dueDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO tasks (id, title, status, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Status, t.DueDate, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

// seqFor resolves a user-facing id to the row it addresses. When an id
// has been reused, the open task wins; among closed tasks the most
// recent row wins.
func (s *Store) seqFor(id int64) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`
		SELECT seq FROM tasks WHERE id = ?
		ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, seq DESC
		LIMIT 1
	`, id, StatusTodo).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return seq, err
}

// Get retrieves a task by its user-facing id.
func (s *Store) Get(id int64) (*Task, error) {
	seq, err := s.seqFor(id)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT id, title, status, due_date, created_at, updated_at
		FROM tasks WHERE seq = ?
	`, seq)
	return scanTask(row)
}

// List returns open tasks ordered by id; with includeDone it returns
// every task, open first.
func (s *Store) List(includeDone bool) ([]*Task, error) {
	query := `
		SELECT id, title, status, due_date, created_at, updated_at
		FROM tasks
	`
	if !includeDone {
		query += ` WHERE status = '` + StatusTodo + `'`
	}
	query += ` ORDER BY CASE WHEN status = '` + StatusTodo + `' THEN 0 ELSE 1 END, id ASC, seq ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update applies the non-nil fields to the task and returns the
// updated row.
func (s *Store) Update(id int64, title, status, dueDate *string) (*Task, error) {
	if status != nil && !validStatus(*status) {
		return nil, fmt.Errorf("invalid status: %q", *status)
	}

	seq, err := s.seqFor(id)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT id, title, status, due_date, created_at, updated_at
		FROM tasks WHERE seq = ?
	`, seq)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if title != nil {
		t.Title = *title
	}
	if status != nil {
		t.Status = *status
	}
	if dueDate != nil {
		t.DueDate = *dueDate
	}
	t.UpdatedAt = time.Now().Format(timeLayout)

	_, err = s.db.Exec(`
		UPDATE tasks SET title = ?, status = ?, due_date = ?, updated_at = ?
		WHERE seq = ?
	`, t.Title, t.Status, t.DueDate, t.UpdatedAt, seq)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a task by its user-facing id.
func (s *Store) Delete(id int64) error {
	seq, err := s.seqFor(id)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM tasks WHERE seq = ?`, seq)
	return err
}

// Upcoming returns open tasks due within the next days (overdue tasks
// included), soonest first, capped at limit when limit > 0.
func (s *Store) Upcoming(days, limit int) ([]*Task, error) {
	cutoff := time.Now().AddDate(0, 0, days).Format(timeLayout)
	query := `
		SELECT id, title, status, due_date, created_at, updated_at
		FROM tasks
		WHERE status = ? AND due_date <> '' AND due_date <= ?
		ORDER BY due_date ASC
	`
	args := []any{StatusTodo, cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountOpen returns the number of todo tasks.
func (s *Store) CountOpen() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, StatusTodo).Scan(&n)
	return n, err
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.DueDate, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTaskRow(rows *sql.Rows) (*Task, error) {
	var t Task
	if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.DueDate, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
