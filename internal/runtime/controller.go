package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/weftworks/loom/internal/archive"
	"github.com/weftworks/loom/internal/config"
	"github.com/weftworks/loom/internal/engine"
	"github.com/weftworks/loom/internal/journal"
	"github.com/weftworks/loom/internal/mcp"
	"github.com/weftworks/loom/internal/provider"
	"github.com/weftworks/loom/internal/session"
	"github.com/weftworks/loom/internal/tools"
	"github.com/weftworks/loom/pkg/models"
)

// ErrNotInitialised is returned for any operation before the first
// successful graph load.
var ErrNotInitialised = errors.New("system not initialised")

// state is one immutable runtime assembly. Reload builds a fresh one
// and swaps the pointer; in-flight turns finish against the old state.
type state struct {
	graph    *config.GraphSpec
	workers  map[string]*Worker
	order    []string
	bus      *Bus
	external *mcp.Manager
	registry *tools.Registry
}

// Controller owns the active runtime state. It implements tools.Mesh
// so builtin tools reach the bus without a package cycle.
type Controller struct {
	settings config.Settings
	archive  *archive.Archive
	journal  *journal.Journal
	publish  func(models.AgentEvent)
	log      *slog.Logger

	state atomic.Pointer[state]
}

func NewController(settings config.Settings, arch *archive.Archive, jrnl *journal.Journal, publish func(models.AgentEvent), log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if publish == nil {
		publish = func(models.AgentEvent) {}
	}
	return &Controller{
		settings: settings,
		archive:  arch,
		journal:  jrnl,
		publish:  publish,
		log:      log.With("component", "controller"),
	}
}

// Reload builds a complete runtime from the graph and swaps it in
// atomically. Invalid entries are skipped with a log line; the rest of
// the graph still loads. The previous state's tool servers are torn
// down after the swap.
func (c *Controller) Reload(ctx context.Context, graph *config.GraphSpec) error {
	for _, err := range graph.Validate() {
		c.log.Warn("graph entry skipped", "error", err)
	}

	external := mcp.NewManager(c.log)
	external.ConnectAll(ctx, serverSpecs(graph))
	registry := tools.NewRegistry(external, c.log)

	st := &state{
		graph:    graph,
		workers:  make(map[string]*Worker),
		bus:      newBus(c.log),
		external: external,
		registry: registry,
	}

	soul := c.loadSoul()
	for _, agent := range graph.Agents {
		if agent.ID == "" {
			continue
		}
		if _, dup := st.workers[agent.ID]; dup {
			continue
		}
		w, err := c.buildWorker(agent, soul, rosterDigest(graph, agent.ID), registry)
		if err != nil {
			c.log.Warn("agent skipped", "agent", agent.ID, "error", err)
			continue
		}
		st.workers[agent.ID] = w
		st.order = append(st.order, agent.ID)
		st.bus.addAgent(agent.ID, agent.Name, agent.Data.SystemPrompt)
	}
	for _, conn := range graph.Connections {
		if _, ok := st.workers[conn.Source]; !ok {
			continue
		}
		if _, ok := st.workers[conn.Target]; !ok {
			continue
		}
		st.bus.addEdge(conn.Source, conn.Target)
	}
	st.bus.deliver = func(target, payload string) bool {
		w, ok := st.workers[target]
		if !ok {
			return false
		}
		return w.TryTalk(context.Background(), payload)
	}

	// Retire before the swap so an in-flight turn cannot slip one more
	// event to clients between the swap and the interrupt.
	old := c.state.Load()
	if old != nil {
		for _, w := range old.workers {
			w.retire()
			w.Interrupt()
		}
	}
	c.state.Store(st)
	if old != nil {
		old.external.DisconnectAll()
	}

	c.log.Info("graph loaded", "agents", len(st.order), "connections", len(graph.Connections),
		"tool_servers", len(graph.ExternalToolServers))
	return nil
}

func (c *Controller) buildWorker(agent config.Agent, soul, roster string, registry *tools.Registry) (*Worker, error) {
	cfg := provider.Config{
		Kind:    agent.Data.Provider,
		Model:   agent.Data.Model,
		BaseURL: agent.Data.BaseURL,
		APIKey:  agent.Data.APIKey,
	}
	if cfg.Kind == "" {
		cfg.Kind = c.settings.Provider.Kind
	}
	if cfg.Model == "" {
		cfg.Model = c.settings.Provider.Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = c.settings.Provider.BaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.settings.Provider.APIKey
	}

	p, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	systemPrompt := agent.Data.SystemPrompt
	if soul != "" {
		systemPrompt = soul + "\n\n" + systemPrompt
	}
	if roster != "" {
		systemPrompt += "\n\nYou can message these agents with send_message:\n" + roster
	}

	w := &Worker{
		agent:    agent,
		publish:  c.publish,
		archive:  c.archive,
		journal:  c.journal,
		provider: p,
		model:    cfg.Model,
		log:      c.log.With("component", "worker", "agent", agent.ID),
	}
	w.engine = engine.New(engine.Options{
		AgentID:       agent.ID,
		Provider:      p,
		Model:         cfg.Model,
		MaxTokens:     agent.Data.MaxTokens,
		MaxIterations: agent.Data.MaxIterations,
		SystemPrompt:  systemPrompt,
		Registry:      registry,
		Session:       session.New(c.settings.SessionMaxLen),
		ToolContext: tools.Context{
			AgentID:   agent.ID,
			Mesh:      c,
			Journal:   c.journal,
			Workspace: c.settings.Workspace,
		},
		Sink:   w.sink,
		Logger: c.log,
	})
	return w, nil
}

// loadSoul reads the optional shared persona file prepended to every
// agent's system prompt.
func (c *Controller) loadSoul() string {
	if c.settings.SoulPath == "" {
		return ""
	}
	data, err := os.ReadFile(c.settings.SoulPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("soul file unreadable", "path", c.settings.SoulPath, "error", err)
		}
		return ""
	}
	return string(data)
}

// HandleUserMessage starts a turn on the named agent, or the first
// declared agent when target is empty.
func (c *Controller) HandleUserMessage(ctx context.Context, target, text string) error {
	st := c.state.Load()
	if st == nil {
		return ErrNotInitialised
	}
	id := target
	if id == "" {
		if len(st.order) == 0 {
			return errors.New("no agents configured")
		}
		id = st.order[0]
	}
	w, ok := st.workers[id]
	if !ok {
		return fmt.Errorf("agent not found: %s", id)
	}
	if !w.TryTalk(ctx, text) {
		return fmt.Errorf("agent %s is busy", id)
	}
	return nil
}

// DeliverInternal injects a system-originated prompt (cron tick,
// reflection) into an agent. A busy agent skips the tick.
func (c *Controller) DeliverInternal(ctx context.Context, agentID, prompt string) bool {
	st := c.state.Load()
	if st == nil {
		return false
	}
	w, ok := st.workers[agentID]
	if !ok {
		return false
	}
	return w.TryTalk(ctx, prompt)
}

// InterruptAll stops every in-flight turn between iterations.
func (c *Controller) InterruptAll() {
	st := c.state.Load()
	if st == nil {
		return
	}
	for _, w := range st.workers {
		w.Interrupt()
	}
}

// Worker returns the live worker for an agent id.
func (c *Controller) Worker(id string) (*Worker, bool) {
	st := c.state.Load()
	if st == nil {
		return nil, false
	}
	w, ok := st.workers[id]
	return w, ok
}

// Graph returns the currently loaded graph, or nil before first load.
func (c *Controller) Graph() *config.GraphSpec {
	st := c.state.Load()
	if st == nil {
		return nil
	}
	return st.graph
}

// AgentIDs lists loaded agents in declaration order.
func (c *Controller) AgentIDs() []string {
	st := c.state.Load()
	if st == nil {
		return nil
	}
	return st.order
}

// Send implements tools.Mesh against the current state's bus.
func (c *Controller) Send(from, to, message string, msgContext map[string]any) error {
	st := c.state.Load()
	if st == nil {
		return ErrNotInitialised
	}
	return st.bus.Send(from, to, message, msgContext)
}

// Roster implements tools.Mesh.
func (c *Controller) Roster(requester string) string {
	st := c.state.Load()
	if st == nil {
		return ""
	}
	return st.bus.Roster(requester)
}

// ReflectAll runs one reflection cycle over every idle agent,
// announcing each recorded reflection as a system message.
func (c *Controller) ReflectAll(ctx context.Context) {
	st := c.state.Load()
	if st == nil {
		return
	}
	for _, id := range st.order {
		w := st.workers[id]
		recorded, err := w.Reflect(ctx)
		if err != nil {
			c.log.Warn("reflection failed", "agent", id, "error", err)
			continue
		}
		if recorded {
			c.Broadcast(fmt.Sprintf("agent %s recorded a reflection", w.agent.Name))
		}
	}
}

// CronJobs flattens the loaded graph's cron triggers for the scheduler.
func (c *Controller) CronJobs() []AgentCronJob {
	st := c.state.Load()
	if st == nil {
		return nil
	}
	var jobs []AgentCronJob
	for _, id := range st.order {
		agent, ok := st.graph.AgentByID(id)
		if !ok {
			continue
		}
		for _, job := range agent.Data.CronJobs {
			jobs = append(jobs, AgentCronJob{AgentID: id, Expression: job.Expression, Prompt: job.Prompt})
		}
	}
	return jobs
}

// AgentCronJob is one agent's cron trigger, flattened for scheduling.
type AgentCronJob struct {
	AgentID    string
	Expression string
	Prompt     string
}

// Broadcast publishes a system_message event to all clients.
func (c *Controller) Broadcast(message string) {
	c.publish(models.AgentEvent{Type: models.EventSystemMessage, Message: message})
}

// Shutdown tears down the active state's tool servers.
func (c *Controller) Shutdown() {
	st := c.state.Load()
	if st == nil {
		return
	}
	for _, w := range st.workers {
		w.retire()
		w.Interrupt()
	}
	st.external.DisconnectAll()
}

// rosterDigest lists an agent's declared out-edge targets for its
// system prompt.
func rosterDigest(graph *config.GraphSpec, agentID string) string {
	var sb []string
	for _, conn := range graph.Connections {
		if conn.Source != agentID {
			continue
		}
		target, ok := graph.AgentByID(conn.Target)
		if !ok {
			continue
		}
		sb = append(sb, fmt.Sprintf("- %s (%s)", target.ID, target.Name))
	}
	return strings.Join(sb, "\n")
}

func serverSpecs(graph *config.GraphSpec) map[string]mcp.Spec {
	specs := make(map[string]mcp.Spec, len(graph.ExternalToolServers))
	for name, s := range graph.ExternalToolServers {
		if s.Command == "" {
			continue
		}
		specs[name] = mcp.Spec{Command: s.Command, Args: s.Args, Env: s.Env, Cwd: s.Cwd}
	}
	return specs
}
