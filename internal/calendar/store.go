// Package calendar persists events and their recurrence rules in
// SQLite and expands recurring events into concrete occurrences for a
// query window.
package calendar

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Recurrence frequencies.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

// timeLayout is ISO-8601 at second precision.
const timeLayout = "2006-01-02T15:04:05"

// maxOccurrences caps expansion per event so a rule with a distant or
// absent end date cannot run away.
const maxOccurrences = 1000

// ErrNotFound is returned when no event matches the requested id.
var ErrNotFound = errors.New("event not found")

// Recurrence is an event's optional repetition rule.
type Recurrence struct {
	Frequency string `json:"frequency"`
	Interval  int    `json:"interval"`
	EndDate   string `json:"end_date,omitempty"`
}

// Event is one calendar entry. Ids are small user-facing integers:
// each new event takes the lowest positive integer not in use.
type Event struct {
	ID         int64       `json:"id"`
	Title      string      `json:"title"`
	StartTime  string      `json:"start_time"`
	EndTime    string      `json:"end_time,omitempty"`
	Location   string      `json:"location,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
}

// Occurrence is one concrete instance of an event inside a query
// window.
type Occurrence struct {
	EventID   int64  `json:"event_id"`
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
	Location  string `json:"location,omitempty"`
	Frequency string `json:"frequency,omitempty"`
}

// Store persists events in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an event store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate calendar: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY,
			title      TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time   TEXT NOT NULL DEFAULT '',
			location   TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS recurrence_rules (
			event_id  INTEGER PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
			frequency TEXT NOT NULL,
			interval  INTEGER NOT NULL DEFAULT 1,
			end_date  TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// parseTime accepts the granularities agents send: full seconds,
// minutes, or a bare date.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time: %q", s)
}

func validate(e *Event) error {
	if e.Title == "" {
		return fmt.Errorf("event title is required")
	}
	if e.StartTime == "" {
		return fmt.Errorf("event start_time is required")
	}
	if _, err := parseTime(e.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if e.EndTime != "" {
		if _, err := parseTime(e.EndTime); err != nil {
			return fmt.Errorf("end_time: %w", err)
		}
	}
	if r := e.Recurrence; r != nil {
		switch r.Frequency {
		case FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
		default:
			return fmt.Errorf("invalid frequency: %q", r.Frequency)
		}
		if r.Interval < 1 {
			r.Interval = 1
		}
		if r.EndDate != "" {
			if _, err := parseTime(r.EndDate); err != nil {
				return fmt.Errorf("end_date: %w", err)
			}
		}
	}
	return nil
}

// Create assigns the lowest free id to the event, fills its
// timestamps, and inserts it together with its recurrence rule.
func (s *Store) Create(e *Event) error {
	if err := validate(e); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM events`)
	if err != nil {
		return err
	}
	used := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		used[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	id := int64(1)
	for used[id] {
		id++
	}
	e.ID = id

	now := time.Now().Format(timeLayout)
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO events (id, title, start_time, end_time, location, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Title, e.StartTime, e.EndTime, e.Location, e.Notes, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	if r := e.Recurrence; r != nil {
		_, err = tx.Exec(`
			INSERT INTO recurrence_rules (event_id, frequency, interval, end_date)
			VALUES (?, ?, ?, ?)
		`, e.ID, r.Frequency, r.Interval, r.EndDate)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get retrieves an event by id, recurrence rule included.
func (s *Store) Get(id int64) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT e.id, e.title, e.start_time, e.end_time, e.location, e.notes,
		       e.created_at, e.updated_at,
		       r.frequency, r.interval, r.end_date
		FROM events e
		LEFT JOIN recurrence_rules r ON r.event_id = e.id
		WHERE e.id = ?
	`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return e, err
}

// List returns all events ordered by start time.
func (s *Store) List() ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.title, e.start_time, e.end_time, e.location, e.notes,
		       e.created_at, e.updated_at,
		       r.frequency, r.interval, r.end_date
		FROM events e
		LEFT JOIN recurrence_rules r ON r.event_id = e.id
		ORDER BY e.start_time ASC, e.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Update rewrites an existing event and replaces its recurrence rule.
func (s *Store) Update(e *Event) error {
	if err := validate(e); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE events SET title = ?, start_time = ?, end_time = ?, location = ?, notes = ?, updated_at = ?
		WHERE id = ?
	`, e.Title, e.StartTime, e.EndTime, e.Location, e.Notes, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %d: %w", e.ID, ErrNotFound)
	}

	if _, err := tx.Exec(`DELETE FROM recurrence_rules WHERE event_id = ?`, e.ID); err != nil {
		return err
	}
	if r := e.Recurrence; r != nil {
		_, err = tx.Exec(`
			INSERT INTO recurrence_rules (event_id, frequency, interval, end_date)
			VALUES (?, ?, ?, ?)
		`, e.ID, r.Frequency, r.Interval, r.EndDate)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Delete removes an event and its recurrence rule.
func (s *Store) Delete(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM recurrence_rules WHERE event_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// Upcoming expands all events into the window [now, now+days] and
// returns the occurrences sorted by start time, capped at limit when
// limit > 0.
func (s *Store) Upcoming(days, limit int) ([]Occurrence, error) {
	events, err := s.List()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w1 := now.AddDate(0, 0, days)

	var out []Occurrence
	for _, e := range events {
		occs, err := Expand(e, now, w1)
		if err != nil {
			return nil, err
		}
		out = append(out, occs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Expand returns the occurrences of e that start inside [w0, w1]. For
// a recurring event the k-th occurrence is computed from the original
// start (so a monthly event on the 31st stays on month ends rather
// than drifting after a short month), stopping past w1, past the
// rule's end date, or at the iteration cap.
func Expand(e *Event, w0, w1 time.Time) ([]Occurrence, error) {
	start, err := parseTime(e.StartTime)
	if err != nil {
		return nil, fmt.Errorf("event %d start_time: %w", e.ID, err)
	}

	var duration time.Duration
	hasEnd := e.EndTime != ""
	if hasEnd {
		end, err := parseTime(e.EndTime)
		if err != nil {
			return nil, fmt.Errorf("event %d end_time: %w", e.ID, err)
		}
		duration = end.Sub(start)
	}

	if e.Recurrence == nil {
		if start.Before(w0) || start.After(w1) {
			return nil, nil
		}
		return []Occurrence{occurrenceAt(e, start, duration, hasEnd)}, nil
	}

	rule := e.Recurrence
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	var recEnd time.Time
	hasRecEnd := rule.EndDate != ""
	if hasRecEnd {
		recEnd, err = parseTime(rule.EndDate)
		if err != nil {
			return nil, fmt.Errorf("event %d recurrence end_date: %w", e.ID, err)
		}
		// A bare date means "through that day".
		if len(rule.EndDate) == len("2006-01-02") {
			recEnd = recEnd.Add(24*time.Hour - time.Second)
		}
	}

	var out []Occurrence
	for k := 0; k < maxOccurrences; k++ {
		t, err := stepFrom(start, rule.Frequency, interval, k)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		if t.After(w1) || (hasRecEnd && t.After(recEnd)) {
			break
		}
		if !t.Before(w0) {
			out = append(out, occurrenceAt(e, t, duration, hasEnd))
		}
	}
	return out, nil
}

// stepFrom computes the k-th occurrence start for a rule anchored at
// start.
func stepFrom(start time.Time, freq string, interval, k int) (time.Time, error) {
	switch freq {
	case FreqDaily:
		return start.AddDate(0, 0, k*interval), nil
	case FreqWeekly:
		return start.AddDate(0, 0, k*interval*7), nil
	case FreqMonthly:
		return addMonthsClamped(start, k*interval), nil
	case FreqYearly:
		return addMonthsClamped(start, k*interval*12), nil
	}
	return time.Time{}, fmt.Errorf("unknown frequency: %q", freq)
}

// addMonthsClamped advances by whole months, clamping the day of month
// to the last valid day (Jan 31 + 1 month = Feb 28/29). time.AddDate
// would normalize into March instead.
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + months
	y += total / 12
	total %= 12
	if total < 0 {
		total += 12
		y--
	}
	month := time.Month(total + 1)
	if last := daysIn(month, y); d > last {
		d = last
	}
	return time.Date(y, month, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func occurrenceAt(e *Event, start time.Time, duration time.Duration, hasEnd bool) Occurrence {
	occ := Occurrence{
		EventID:   e.ID,
		Title:     e.Title,
		StartTime: start.Format(timeLayout),
		Location:  e.Location,
	}
	if hasEnd {
		occ.EndTime = start.Add(duration).Format(timeLayout)
	}
	if e.Recurrence != nil {
		occ.Frequency = e.Recurrence.Frequency
	}
	return occ
}

func scanEvent(scan func(dest ...any) error) (*Event, error) {
	var e Event
	var freq sql.NullString
	var interval sql.NullInt64
	var endDate sql.NullString

	err := scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.Location, &e.Notes,
		&e.CreatedAt, &e.UpdatedAt, &freq, &interval, &endDate)
	if err != nil {
		return nil, err
	}
	if freq.Valid {
		e.Recurrence = &Recurrence{
			Frequency: freq.String,
			Interval:  int(interval.Int64),
			EndDate:   endDate.String,
		}
	}
	return &e, nil
}
