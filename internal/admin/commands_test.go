package admin

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/settings"
	"github.com/fenwick/atrium/internal/tasks"
)

func TestHelpListsCommands(t *testing.T) {
	h := newHarness(t)
	_, mistID := registerRemote(t, h.router, "mist", "ping", "round trip check")
	_, fogID := registerRemote(t, h.router, "fog", "sweep", "")

	text := textOf(t, h.send(t, map[string]any{"text": "help"}))

	if !strings.HasPrefix(text, "Admin commands:\n") {
		t.Errorf("help should open with the admin command list, got %q", text)
	}
	for _, c := range adminCommands {
		if !strings.Contains(text, fmt.Sprintf("  %s - %s\n", c.name, c.desc)) {
			t.Errorf("help missing admin command %q", c.name)
		}
	}
	if !strings.Contains(text, fmt.Sprintf("\nmist (%s):\n  ping - round trip check\n", mistID)) {
		t.Errorf("help missing the mist section:\n%s", text)
	}
	// A command with no description prints bare.
	if !strings.Contains(text, fmt.Sprintf("\nfog (%s):\n  sweep\n", fogID)) {
		t.Errorf("help missing the fog section:\n%s", text)
	}
	if !strings.Contains(text, "@name") {
		t.Errorf("help missing the mention hint:\n%s", text)
	}
}

func TestStatusCounts(t *testing.T) {
	h := newHarness(t)
	registerRemote(t, h.router, "mist", "ping", "")

	if _, err := h.tasks.Create("write minutes", ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
	done, err := h.tasks.Create("book room", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	st := tasks.StatusDone
	if _, err := h.tasks.Update(done.ID, nil, &st, nil); err != nil {
		t.Fatalf("update task: %v", err)
	}
	ev := &calendar.Event{
		Title:     "sync",
		StartTime: time.Now().Add(48 * time.Hour).Format("2006-01-02T15:04"),
	}
	if err := h.cal.Create(ev); err != nil {
		t.Fatalf("create event: %v", err)
	}

	got := textOf(t, h.send(t, map[string]any{"text": "status"}))
	want := "Agents: 2 connected / Tasks: 1 open / Events: 1 upcoming (7d)"
	if got != want {
		t.Errorf("status = %q, want %q", got, want)
	}
}

func TestAgentsList(t *testing.T) {
	h := newHarness(t)
	_, mistID := registerRemote(t, h.router, "mist", "ping", "")

	content := contentOf(t, h.send(t, map[string]any{"text": "agents"}), ContentList)
	if title, _ := content["title"].(string); title != "Agents" {
		t.Errorf("title = %q, want %q", title, "Agents")
	}
	items, _ := content["items"].([]string)
	want := []string{
		h.agent.ID() + ": admin (privileged) [in-process]",
		mistID + ": mist [test]",
	}
	if !reflect.DeepEqual(items, want) {
		t.Errorf("items = %q, want %q", items, want)
	}
}

func TestTasksTableHidesDone(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tasks.Create("write report", "2027-01-10"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	chore, err := h.tasks.Create("old chore", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	st := tasks.StatusDone
	if _, err := h.tasks.Update(chore.ID, nil, &st, nil); err != nil {
		t.Fatalf("update task: %v", err)
	}

	content := contentOf(t, h.send(t, map[string]any{"text": "tasks"}), ContentTable)
	cols, _ := content["columns"].([]string)
	if want := []string{"ID", "Title", "Status", "Due"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("columns = %q, want %q", cols, want)
	}
	rows, _ := content["rows"].([][]string)
	if want := [][]string{{"1", "write report", "todo", "2027-01-10"}}; !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %q, want %q", rows, want)
	}

	all, _ := contentOf(t, h.send(t, map[string]any{"text": "tasks all"}), ContentTable)["rows"].([][]string)
	if len(all) != 2 {
		t.Errorf("tasks all returned %d rows, want 2", len(all))
	}
}

func TestEventsWindow(t *testing.T) {
	h := newHarness(t)
	near := &calendar.Event{Title: "near", StartTime: time.Now().AddDate(0, 0, 1).Format("2006-01-02")}
	far := &calendar.Event{Title: "far", StartTime: time.Now().AddDate(0, 0, 30).Format("2006-01-02")}
	for _, ev := range []*calendar.Event{near, far} {
		if err := h.cal.Create(ev); err != nil {
			t.Fatalf("create event: %v", err)
		}
	}

	rows, _ := contentOf(t, h.send(t, map[string]any{"text": "events"}), ContentTable)["rows"].([][]string)
	if len(rows) != 1 || rows[0][1] != "near" {
		t.Errorf("default window rows = %q, want only the near event", rows)
	}

	rows, _ = contentOf(t, h.send(t, map[string]any{"text": "events 60"}), ContentTable)["rows"].([][]string)
	if len(rows) != 2 {
		t.Errorf("60 day window returned %d rows, want 2", len(rows))
	}

	reply := h.send(t, map[string]any{"text": "events soon"})
	if msg := errMsgOf(t, reply); msg != "usage: events [days]" {
		t.Errorf("error = %q, want the events usage line", msg)
	}
}

func TestSettingsDump(t *testing.T) {
	h := newHarness(t)

	got := textOf(t, h.send(t, map[string]any{"text": "settings"}))
	want := "agency_mode = suggest\ncontext_events_days = 3\ncontext_tasks_days = 7\nmodel = "
	if got != want {
		t.Errorf("settings = %q, want %q", got, want)
	}
}

func TestSet(t *testing.T) {
	h := newHarness(t)

	got := textOf(t, h.send(t, map[string]any{"text": "set context_tasks_days 14"}))
	if want := "context_tasks_days = 14"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}
	if days := h.set.GetInt(settings.KeyContextTasksDays, 0); days != 14 {
		t.Errorf("stored value = %d, want 14", days)
	}

	// Values keep their spaces.
	got = textOf(t, h.send(t, map[string]any{"text": "set model llama3.2 latest"}))
	if want := "model = llama3.2 latest"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}

	got = textOf(t, h.send(t, map[string]any{"text": "set favourite_colour teal"}))
	if want := "favourite_colour = teal (unrecognised key)"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}

	reply := h.send(t, map[string]any{"text": "set model"})
	if msg := errMsgOf(t, reply); msg != "usage: set <key> <value>" {
		t.Errorf("error = %q, want the set usage line", msg)
	}
}

func TestTaskQuickAdd(t *testing.T) {
	h := newHarness(t)

	got := textOf(t, h.send(t, map[string]any{"text": "task write the report due:2027-03-01"}))
	if want := "Task 1 created: write the report (due 2027-03-01)"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}
	task, err := h.tasks.Get(1)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Title != "write the report" || task.DueDate != "2027-03-01" {
		t.Errorf("stored task = %q due %q", task.Title, task.DueDate)
	}

	reply := h.send(t, map[string]any{"text": "task pay rent due:tomorrow"})
	if msg := errMsgOf(t, reply); msg != `invalid due date: "tomorrow" (want YYYY-MM-DD)` {
		t.Errorf("error = %q, want the invalid date message", msg)
	}

	reply = h.send(t, map[string]any{"text": "task due:2027-03-01"})
	if msg := errMsgOf(t, reply); msg != "usage: task <title> [due:YYYY-MM-DD]" {
		t.Errorf("error = %q, want the task usage line", msg)
	}
}

func TestEventQuickAdd(t *testing.T) {
	h := newHarness(t)

	got := textOf(t, h.send(t, map[string]any{
		"text": "event standup 2027-03-02 09:30 weekly until:2027-06-01",
	}))
	if want := "Event 1 created: standup (2027-03-02T09:30, weekly)"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}
	ev, err := h.cal.Get(1)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Title != "standup" || ev.StartTime != "2027-03-02T09:30" {
		t.Errorf("stored event = %q at %q", ev.Title, ev.StartTime)
	}
	if ev.Recurrence == nil || ev.Recurrence.Frequency != calendar.FreqWeekly ||
		ev.Recurrence.EndDate != "2027-06-01" {
		t.Errorf("stored recurrence = %+v", ev.Recurrence)
	}

	// Unrecognised words stay in the title.
	got = textOf(t, h.send(t, map[string]any{"text": "event team sync friday 2027-04-09"}))
	if want := "Event 2 created: team sync friday (2027-04-09)"; got != want {
		t.Errorf("ack = %q, want %q", got, want)
	}

	reply := h.send(t, map[string]any{"text": "event launch party"})
	if msg := errMsgOf(t, reply); !strings.HasPrefix(msg, "usage: event ") {
		t.Errorf("error = %q, want the event usage line", msg)
	}

	reply = h.send(t, map[string]any{"text": "event drinks 2027-04-09 until:2027-05-01"})
	if msg := errMsgOf(t, reply); msg != "until: requires a frequency keyword" {
		t.Errorf("error = %q, want the until message", msg)
	}
}
