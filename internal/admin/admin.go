// Package admin implements the built-in privileged agent. It
// normalizes operator input, forwards commands to the agents that own
// them, serves its own command set from the registry and stores, and
// runs everything else through the language model with the workspace
// as context.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/llm"
	"github.com/fenwick/atrium/internal/paths"
	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/registry"
	"github.com/fenwick/atrium/internal/router"
	"github.com/fenwick/atrium/internal/settings"
	"github.com/fenwick/atrium/internal/tasks"
)

// Chatter is the slice of the LLM queue the admin needs. *llm.Queue
// implements it.
type Chatter interface {
	Chat(ctx context.Context, priority int, req llm.Request) (string, error)
}

// Config wires the agent's collaborators.
type Config struct {
	Registry *registry.Registry
	Settings *settings.Store
	Tasks    *tasks.Store
	Calendar *calendar.Store
	// Chat serves the free-text path. When nil, free input answers
	// with an LLM failure instead of panicking on a dead queue.
	Chat   Chatter
	Layout *paths.Layout
	Logger *slog.Logger
}

// Agent is the in-process admin agent. It is bound to the router with
// Attach before any traffic can reach it.
type Agent struct {
	logger   *slog.Logger
	registry *registry.Registry
	settings *settings.Store
	tasks    *tasks.Store
	calendar *calendar.Store
	chat     Chatter
	layout   *paths.Layout

	router *router.Router
	id     string
}

// New creates the agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		logger:   logger,
		registry: cfg.Registry,
		settings: cfg.Settings,
		tasks:    cfg.Tasks,
		calendar: cfg.Calendar,
		chat:     cfg.Chat,
		layout:   cfg.Layout,
	}
}

// adminCommands is the agent's own command set, in help order.
var adminCommands = []struct{ name, desc string }{
	{"help", "list admin and agent commands"},
	{"status", "agent, task, and event counts"},
	{"agents", "list registered agents"},
	{"tasks", "list open tasks; 'tasks all' includes closed ones"},
	{"events", "list upcoming events; 'events <days>' widens the window"},
	{"settings", "show all settings"},
	{"set", "set <key> <value>"},
	{"task", "task <title> [due:YYYY-MM-DD]"},
	{"event", "event <title> <date> [time] [frequency] [until:date]"},
}

func isAdminCommand(name string) bool {
	for _, c := range adminCommands {
		if c.name == name {
			return true
		}
	}
	return false
}

// Manifest returns the registration payload for the admin agent.
func Manifest() map[string]any {
	cmds := make([]any, 0, len(adminCommands))
	for _, c := range adminCommands {
		cmds = append(cmds, map[string]any{"name": c.name, "description": c.desc})
	}
	return map[string]any{
		"name":        "admin",
		"description": "built-in workspace administrator",
		"commands":    cmds,
	}
}

// Attach registers the agent with the router as the privileged
// in-process agent and remembers the assigned id. Call once, before
// the listeners start.
func (a *Agent) Attach(r *router.Router) (string, error) {
	id, err := r.BindLocal(a, Manifest())
	if err != nil {
		return "", err
	}
	a.router = r
	a.id = id
	return id, nil
}

// ID returns the agent id assigned at Attach.
func (a *Agent) ID() string {
	return a.id
}

// input is one normalized command payload.
type input struct {
	command string   // explicit command or the first token of text
	text    string   // remainder after the command token
	args    []string // explicit args from the payload
	free    string   // the untouched text, for the free-input path
}

// parseInput normalizes a command payload {command?, text?, args?}:
// when command is absent, the first whitespace-delimited token of text
// becomes the command and the remainder stays text.
func parseInput(payload map[string]any) input {
	var in input
	if c, ok := payload["command"].(string); ok {
		in.command = strings.TrimSpace(c)
	}
	if t, ok := payload["text"].(string); ok {
		in.text = strings.TrimSpace(t)
	}
	if raw, ok := payload["args"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				in.args = append(in.args, s)
			} else {
				in.args = append(in.args, fmt.Sprint(v))
			}
		}
	}

	in.free = in.text
	if in.command == "" && in.text != "" {
		if i := strings.IndexAny(in.text, " \t"); i >= 0 {
			in.command, in.text = in.text[:i], strings.TrimSpace(in.text[i+1:])
		} else {
			in.command, in.text = in.text, ""
		}
	}
	return in
}

// argv returns the handler arguments: explicit payload args when
// present, else the whitespace-split remainder text.
func (in input) argv() []string {
	if len(in.args) > 0 {
		return in.args
	}
	return strings.Fields(in.text)
}

// HandleEnvelope dispatches one command. Routing order: @mention, then
// the agent owning the command, then the admin's own set, then free
// text.
func (a *Agent) HandleEnvelope(ctx context.Context, env *protocol.Envelope, emit registry.EmitFunc) {
	if env.Type != protocol.TypeCommand {
		a.logger.Debug("admin ignoring envelope", "type", env.Type)
		return
	}

	in := parseInput(env.Payload)
	switch {
	case in.command == "":
		a.reply(env, emit, Error("empty command", ""))
	case strings.HasPrefix(in.command, "@"):
		a.forwardMention(env, emit, in)
	default:
		if owner := a.registry.FindCommandOwner(in.command); owner != nil && owner.AgentID != a.id {
			a.forwardOwned(env, emit, in, owner.AgentID)
			return
		}
		if isAdminCommand(in.command) {
			a.runCommand(env, emit, in)
			return
		}
		free := in.free
		if free == "" {
			free = in.command
		}
		a.freeText(ctx, env, emit, free)
	}
}

// forwardMention resolves "@<x>" against agent names then ids and
// hands the envelope to the router's forward path with the mention
// stripped, so the origin's reply correlation survives.
func (a *Agent) forwardMention(env *protocol.Envelope, emit registry.EmitFunc, in input) {
	name := strings.TrimPrefix(in.command, "@")
	target := a.registry.GetByName(name)
	if target == nil {
		target = a.registry.GetByID(name)
	}
	if target == nil {
		a.reply(env, emit, Error(fmt.Sprintf("unknown agent: %s", name), ""))
		return
	}

	payload := clonePayload(env.Payload)
	delete(payload, "command")
	payload["text"] = in.text
	a.forward(env, emit, target.AgentID, payload)
}

// forwardOwned sends the command to the agent whose manifest declares
// it, normalized so the target does not re-derive the command.
func (a *Agent) forwardOwned(env *protocol.Envelope, emit registry.EmitFunc, in input, targetID string) {
	payload := clonePayload(env.Payload)
	payload["command"] = in.command
	payload["text"] = in.text
	a.forward(env, emit, targetID, payload)
}

func (a *Agent) forward(env *protocol.Envelope, emit registry.EmitFunc, targetID string, payload map[string]any) {
	fwd := *env
	fwd.Payload = payload
	if err := a.router.Forward(&fwd, targetID); err != nil {
		a.logger.Warn("forward failed", "target", targetID, "error", err)
		a.reply(env, emit, Error(err.Error(), ""))
	}
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// runCommand serves the admin's own command set.
func (a *Agent) runCommand(env *protocol.Envelope, emit registry.EmitFunc, in input) {
	var payload map[string]any
	switch in.command {
	case "help":
		payload = a.cmdHelp()
	case "status":
		payload = a.cmdStatus()
	case "agents":
		payload = a.cmdAgents()
	case "tasks":
		payload = a.cmdTasks(in.argv())
	case "events":
		payload = a.cmdEvents(in.argv())
	case "settings":
		payload = a.cmdSettings()
	case "set":
		payload = a.cmdSet(in.argv())
	case "task":
		payload = a.cmdTaskAdd(in.argv())
	case "event":
		payload = a.cmdEventAdd(in.argv())
	}
	a.reply(env, emit, payload)
}

// reply answers env with a response envelope carrying one structured
// payload.
func (a *Agent) reply(env *protocol.Envelope, emit registry.EmitFunc, payload map[string]any) {
	if err := emit(protocol.NewReply(env, protocol.TypeResponse, a.id, payload)); err != nil {
		a.logger.Warn("admin reply dropped", "reply_to", env.ID, "error", err)
	}
}
