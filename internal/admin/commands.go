package admin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fenwick/atrium/internal/calendar"
)

// statusEventWindow is the upcoming-events window of the status line.
const statusEventWindow = 7

// defaultEventListDays is the window of a bare events command.
const defaultEventListDays = 7

func (a *Agent) cmdHelp() map[string]any {
	var b strings.Builder
	b.WriteString("Admin commands:\n")
	for _, c := range adminCommands {
		fmt.Fprintf(&b, "  %s - %s\n", c.name, c.desc)
	}

	for _, e := range a.registry.AllAgents() {
		if e.AgentID == a.id {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%s):\n", e.Name, e.AgentID)
		if len(e.Manifest.Commands) == 0 {
			b.WriteString("  (no commands declared)\n")
			continue
		}
		for _, c := range e.Manifest.Commands {
			if c.Description != "" {
				fmt.Fprintf(&b, "  %s - %s\n", c.Name, c.Description)
			} else {
				fmt.Fprintf(&b, "  %s\n", c.Name)
			}
		}
	}

	b.WriteString("\nPrefix input with @name or @agent-id to address an agent directly.")
	return Text(b.String())
}

func (a *Agent) cmdStatus() map[string]any {
	open, err := a.tasks.CountOpen()
	if err != nil {
		return Error(err.Error(), "")
	}
	occs, err := a.calendar.Upcoming(statusEventWindow, 0)
	if err != nil {
		return Error(err.Error(), "")
	}
	return Text(fmt.Sprintf("Agents: %d connected / Tasks: %d open / Events: %d upcoming (%dd)",
		a.registry.Count(), open, len(occs), statusEventWindow))
}

func (a *Agent) cmdAgents() map[string]any {
	entries := a.registry.AllAgents()
	items := make([]string, 0, len(entries))
	for _, e := range entries {
		s := fmt.Sprintf("%s: %s", e.AgentID, e.Name)
		if e.Privileged {
			s += " (privileged)"
		}
		items = append(items, fmt.Sprintf("%s [%s]", s, e.ConnState()))
	}
	return List("Agents", items)
}

func (a *Agent) cmdTasks(argv []string) map[string]any {
	includeDone := len(argv) > 0 && argv[0] == "all"
	list, err := a.tasks.List(includeDone)
	if err != nil {
		return Error(err.Error(), "")
	}

	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{
			strconv.FormatInt(t.ID, 10), t.Title, t.Status, t.DueDate,
		})
	}
	return Table("Tasks", []string{"ID", "Title", "Status", "Due"}, rows)
}

func (a *Agent) cmdEvents(argv []string) map[string]any {
	days := defaultEventListDays
	if len(argv) > 0 {
		n, err := strconv.Atoi(argv[0])
		if err != nil || n < 1 {
			return Error("usage: events [days]", "")
		}
		days = n
	}

	occs, err := a.calendar.Upcoming(days, 0)
	if err != nil {
		return Error(err.Error(), "")
	}
	rows := make([][]string, 0, len(occs))
	for _, o := range occs {
		rows = append(rows, []string{
			strconv.FormatInt(o.EventID, 10), o.Title, o.StartTime, o.Frequency,
		})
	}
	return Table("Events", []string{"ID", "Title", "Start", "Frequency"}, rows)
}

func (a *Agent) cmdSettings() map[string]any {
	all := a.settings.LoadAll()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s = %v", k, all[k]))
	}
	return Text(strings.Join(lines, "\n"))
}

func (a *Agent) cmdSet(argv []string) map[string]any {
	if len(argv) < 2 {
		return Error("usage: set <key> <value>", "")
	}
	key := argv[0]
	raw := strings.Join(argv[1:], " ")

	var value any = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	}

	known, err := a.settings.Set(key, value)
	if err != nil {
		return Error(err.Error(), "")
	}
	ack := fmt.Sprintf("%s = %v", key, value)
	if !known {
		ack += " (unrecognised key)"
	}
	return Text(ack)
}

// cmdTaskAdd quick-adds a task. Tokens: a due: flag sets the due date,
// everything else is title.
func (a *Agent) cmdTaskAdd(argv []string) map[string]any {
	var title []string
	due := ""
	for _, tok := range argv {
		if v, ok := strings.CutPrefix(tok, "due:"); ok {
			if !isDate(v) && !isDateTime(v) {
				return Error(fmt.Sprintf("invalid due date: %q (want YYYY-MM-DD)", v), "")
			}
			due = v
			continue
		}
		title = append(title, tok)
	}
	if len(title) == 0 {
		return Error("usage: task <title> [due:YYYY-MM-DD]", "")
	}

	t, err := a.tasks.Create(strings.Join(title, " "), due)
	if err != nil {
		return Error(err.Error(), "")
	}
	ack := fmt.Sprintf("Task %d created: %s", t.ID, t.Title)
	if t.DueDate != "" {
		ack += fmt.Sprintf(" (due %s)", t.DueDate)
	}
	return Text(ack)
}

// cmdEventAdd quick-adds an event. Tokens: the first date is the start
// day, the first clock time the start time, a frequency keyword makes
// it recur, until: bounds the recurrence, everything else is title.
func (a *Agent) cmdEventAdd(argv []string) map[string]any {
	var title []string
	var date, clock, freq, until string
	for _, tok := range argv {
		if v, ok := strings.CutPrefix(tok, "until:"); ok {
			if !isDate(v) {
				return Error(fmt.Sprintf("invalid until date: %q (want YYYY-MM-DD)", v), "")
			}
			until = v
			continue
		}
		switch {
		case date == "" && isDate(tok):
			date = tok
		case clock == "" && isClock(tok):
			clock = tok
		case freq == "" && isFrequency(tok):
			freq = normalizeFrequency(tok)
		default:
			title = append(title, tok)
		}
	}
	if len(title) == 0 || date == "" {
		return Error("usage: event <title> <YYYY-MM-DD> [HH:MM] [daily|weekly|monthly|yearly] [until:YYYY-MM-DD]", "")
	}
	if until != "" && freq == "" {
		return Error("until: requires a frequency keyword", "")
	}

	start := date
	if clock != "" {
		start = date + "T" + clock
	}
	ev := &calendar.Event{Title: strings.Join(title, " "), StartTime: start}
	if freq != "" {
		ev.Recurrence = &calendar.Recurrence{Frequency: freq, Interval: 1, EndDate: until}
	}
	if err := a.calendar.Create(ev); err != nil {
		return Error(err.Error(), "")
	}

	ack := fmt.Sprintf("Event %d created: %s (%s", ev.ID, ev.Title, start)
	if freq != "" {
		ack += ", " + freq
	}
	ack += ")"
	return Text(ack)
}
