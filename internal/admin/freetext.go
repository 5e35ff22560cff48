package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/llm"
	"github.com/fenwick/atrium/internal/persona"
	"github.com/fenwick/atrium/internal/prompts"
	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/registry"
	"github.com/fenwick/atrium/internal/settings"
)

// contextItemLimit caps how many tasks or events the system prompt
// carries.
const contextItemLimit = 20

// noProfile fills the user_profile placeholder when profile.md is
// absent.
const noProfile = "(none provided)"

// freeText answers unstructured input: a reflection reply first, then,
// agency mode permitting, a second reply listing the tasks and events
// extracted from the input.
func (a *Agent) freeText(ctx context.Context, env *protocol.Envelope, emit registry.EmitFunc, text string) {
	if a.chat == nil {
		a.reply(env, emit, Error("LLM request failed", ""))
		return
	}

	system := prompts.AdminSystemPrompt(a.loadPersona(), a.loadProfile(), a.buildContext())
	answer, err := a.chat.Chat(ctx, llm.PriorityAdmin, llm.Request{
		Prompt:  text,
		System:  system,
		Command: "reflect",
	})
	if err != nil {
		a.logger.Error("reflection failed", "error", err)
		a.reply(env, emit, Error("LLM request failed", ""))
		return
	}
	a.reply(env, emit, Markdown(answer))

	mode := a.settings.GetString(settings.KeyAgencyMode, settings.AgencySuggest)
	if mode == settings.AgencyOff {
		return
	}
	a.extractItems(ctx, env, emit, text)
}

// extractItems runs the extraction prompt over the input and creates
// whatever it yields. The reflection reply is already out, so failures
// here are logged, not surfaced.
func (a *Agent) extractItems(ctx context.Context, env *protocol.Envelope, emit registry.EmitFunc, text string) {
	raw, err := a.chat.Chat(ctx, llm.PriorityAdmin, llm.Request{
		Prompt:  prompts.ExtractionPrompt(text),
		Command: "extract",
	})
	if err != nil {
		a.logger.Warn("extraction failed", "error", err)
		return
	}

	ext := parseExtraction(raw, a.logger)
	var made []string
	nTasks, nEvents := 0, 0

	for _, et := range ext.Tasks {
		if et.Title == "" {
			continue
		}
		due := et.DueDate
		if due != "" && !isDate(due) && !isDateTime(due) {
			a.logger.Warn("extracted due date not ISO, dropping it", "due", due)
			due = ""
		}
		task, err := a.tasks.Create(et.Title, due)
		if err != nil {
			a.logger.Warn("extracted task rejected", "title", et.Title, "error", err)
			continue
		}
		nTasks++
		item := fmt.Sprintf("Task %d: %s", task.ID, task.Title)
		if task.DueDate != "" {
			item += fmt.Sprintf(" (due %s)", task.DueDate)
		}
		made = append(made, item)
	}

	for _, ee := range ext.Events {
		if ee.Title == "" || ee.StartTime == "" {
			continue
		}
		ev := &calendar.Event{Title: ee.Title, StartTime: ee.StartTime, EndTime: ee.EndTime}
		if f := normalizeFrequency(ee.Frequency); f != "" {
			ev.Recurrence = &calendar.Recurrence{Frequency: f, Interval: 1}
		}
		if err := a.calendar.Create(ev); err != nil {
			a.logger.Warn("extracted event rejected", "title", ee.Title, "error", err)
			continue
		}
		nEvents++
		item := fmt.Sprintf("Event %d: %s (%s", ev.ID, ev.Title, ev.StartTime)
		if ev.Recurrence != nil {
			item += ", " + ev.Recurrence.Frequency
		}
		made = append(made, item+")")
	}

	if len(made) == 0 {
		return
	}

	var parts []string
	if nTasks > 0 {
		parts = append(parts, countNoun(nTasks, "task"))
	}
	if nEvents > 0 {
		parts = append(parts, countNoun(nEvents, "event"))
	}
	summary := "Created " + strings.Join(parts, " and ") + ":\n- " + strings.Join(made, "\n- ")
	a.reply(env, emit, Markdown(summary))
}

func countNoun(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func (a *Agent) loadPersona() string {
	return persona.Load(a.layout.Persona(), a.layout.PersonaDir())
}

func (a *Agent) loadProfile() string {
	data, err := os.ReadFile(a.layout.Profile())
	if err != nil {
		return noProfile
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return noProfile
}

// buildContext renders the open tasks and upcoming events the model
// should know about, windowed by the context_*_days settings.
func (a *Agent) buildContext() string {
	taskDays := a.settings.GetInt(settings.KeyContextTasksDays, 7)
	eventDays := a.settings.GetInt(settings.KeyContextEventsDays, 3)

	var b strings.Builder
	fmt.Fprintf(&b, "Open tasks (next %d days):\n", taskDays)
	list, err := a.tasks.Upcoming(taskDays, contextItemLimit)
	if err != nil {
		a.logger.Warn("context tasks unavailable", "error", err)
	}
	if len(list) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range list {
		if t.DueDate != "" {
			fmt.Fprintf(&b, "- [%d] %s (due %s)\n", t.ID, t.Title, t.DueDate)
		} else {
			fmt.Fprintf(&b, "- [%d] %s\n", t.ID, t.Title)
		}
	}

	fmt.Fprintf(&b, "\nUpcoming events (next %d days):\n", eventDays)
	occs, err := a.calendar.Upcoming(eventDays, contextItemLimit)
	if err != nil {
		a.logger.Warn("context events unavailable", "error", err)
	}
	if len(occs) == 0 {
		b.WriteString("(none)\n")
	}
	for _, o := range occs {
		if o.Frequency != "" {
			fmt.Fprintf(&b, "- [%d] %s at %s (%s)\n", o.EventID, o.Title, o.StartTime, o.Frequency)
		} else {
			fmt.Fprintf(&b, "- [%d] %s at %s\n", o.EventID, o.Title, o.StartTime)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// extraction is the JSON shape the extract prompt asks for.
type extraction struct {
	Tasks  []extractedTask  `json:"tasks"`
	Events []extractedEvent `json:"events"`
}

type extractedTask struct {
	Title   string `json:"title"`
	DueDate string `json:"due_date"`
}

type extractedEvent struct {
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Frequency string `json:"frequency"`
}

// parseExtraction decodes the model's JSON, stripping code fences and
// falling back to repair for near-JSON. Any failure yields empty
// lists; extraction never errors the conversation.
func parseExtraction(raw string, logger *slog.Logger) extraction {
	s := stripFences(raw)

	var out extraction
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out
	}

	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		logger.Warn("extraction output unparseable", "error", err)
		return extraction{}
	}
	out = extraction{}
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		logger.Warn("extraction output unparseable after repair", "error", err)
		return extraction{}
	}
	return out
}

// stripFences removes one surrounding markdown code fence, language
// tag included.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
