package agentproc

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/logger"
	"github.com/jmalloc/drover/internal/store"
)

// RunnerConfig describes one session's agent.
type RunnerConfig struct {
	SessionID  string
	WorkingDir string
	Binary     string
	Model      string
	// AgentSessionID resumes an existing conversation when non-empty.
	AgentSessionID string
	// SocketPath is the session's approval gateway socket, baked into
	// the MCP config handed to the agent.
	SocketPath   string
	AllowedTools []string
	// PermissionMode is "approve" (tool calls brokered through the
	// gateway) or "ignore" (agent runs tools unprompted).
	PermissionMode string
}

// PermissionModeIgnore disables the approval gateway for a session.
const PermissionModeIgnore = "ignore"

// RunnerHooks let the orchestrator react to turn lifecycle events.
// Hooks are called from the runner's reader goroutine.
type RunnerHooks struct {
	// OnTurnComplete fires when the agent finishes responding to a prompt.
	OnTurnComplete func(result string, isError bool)
	// OnFatal fires when the process cannot be kept alive.
	OnFatal func(err error)
}

// Runner drives one session's agent process: prompt in, parsed stream
// out. Messages are persisted to the store and published on the bus as
// they arrive.
type Runner struct {
	cfg   RunnerConfig
	bus   *events.Bus
	store *store.Store
	hooks RunnerHooks
	log   *slog.Logger

	pm            *ProcessManager
	mcpConfigPath string

	mu             sync.Mutex
	busy           bool
	agentSessionID string
}

// NewRunner builds a runner. Call Start before SendPrompt.
func NewRunner(cfg RunnerConfig, bus *events.Bus, st *store.Store, hooks RunnerHooks) *Runner {
	return &Runner{
		cfg:            cfg,
		bus:            bus,
		store:          st,
		hooks:          hooks,
		log:            logger.WithSession(cfg.SessionID).With("component", "agent"),
		agentSessionID: cfg.AgentSessionID,
	}
}

// Start writes the MCP config and launches the agent process. Sessions
// in "ignore" permission mode skip the gateway wiring entirely.
func (r *Runner) Start() error {
	const op = errors.Op("agentproc.Start")

	skipPermissions := r.cfg.PermissionMode == PermissionModeIgnore

	mcpPath := ""
	if !skipPermissions {
		var err error
		mcpPath, err = WriteMCPConfig(r.cfg.SessionID, r.cfg.SocketPath)
		if err != nil {
			return errors.E(op, errors.KindIO, err)
		}
	}
	r.mcpConfigPath = mcpPath

	pc := ProcessConfig{
		Binary:          r.cfg.Binary,
		SessionID:       r.cfg.SessionID,
		AgentSessionID:  r.agentSessionID,
		Resume:          r.agentSessionID != "",
		WorkingDir:      r.cfg.WorkingDir,
		Model:           r.cfg.Model,
		MCPConfigPath:   mcpPath,
		AllowedTools:    r.cfg.AllowedTools,
		SkipPermissions: skipPermissions,
	}

	r.pm = NewProcessManager(pc, ProcessCallbacks{
		OnLine:        r.handleLine,
		OnProcessExit: r.handleProcessExit,
		OnRestartAttempt: func(n int) {
			r.log.Warn("restarting agent", "attempt", n)
		},
		OnRestartFailed: func(err error) {
			r.log.Error("agent restart failed", "error", err)
		},
		OnFatalError: r.handleFatal,
	}, r.log)

	if err := r.pm.Start(); err != nil {
		RemoveMCPConfig(mcpPath)
		return errors.AgentStartFailed(r.cfg.SessionID, err)
	}
	return nil
}

// SendPrompt records the prompt, writes it to the agent, and marks the
// turn as in progress. Returns an error when a turn is already running.
func (r *Runner) SendPrompt(ctx context.Context, prompt string) error {
	const op = errors.Op("agentproc.SendPrompt")

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return errors.E(op, errors.KindConflict, fmt.Errorf("agent is already processing a prompt"))
	}
	r.busy = true
	r.mu.Unlock()

	seq, err := r.store.AppendMessage(ctx, r.cfg.SessionID, "user", prompt)
	if err != nil {
		r.setBusy(false)
		return errors.E(op, errors.KindIO, err)
	}
	if _, err := r.store.AddPromptMarker(ctx, r.cfg.SessionID, seq, prompt); err != nil {
		r.log.Warn("failed to record prompt marker", "error", err)
	}

	r.publishOutput("user", prompt)

	data, err := buildUserMessage(prompt)
	if err != nil {
		r.setBusy(false)
		return errors.E(op, errors.KindIO, err)
	}
	if err := r.pm.WriteMessage(data); err != nil {
		r.setBusy(false)
		return errors.E(op, errors.KindAgent, err)
	}

	return nil
}

// SendInput forwards follow-up text to an agent mid-turn, without
// opening a new prompt marker. Errors when no process is running.
func (r *Runner) SendInput(ctx context.Context, text string) error {
	const op = errors.Op("agentproc.SendInput")

	if r.pm == nil || !r.pm.IsRunning() {
		return errors.E(op, errors.KindAgent, fmt.Errorf("agent process is not running"))
	}

	if _, err := r.store.AppendMessage(ctx, r.cfg.SessionID, "user", text); err != nil {
		r.log.Warn("failed to persist input message", "error", err)
	}
	r.publishOutput("user", text)

	data, err := buildUserMessage(text)
	if err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	if err := r.pm.WriteMessage(data); err != nil {
		return errors.E(op, errors.KindAgent, err)
	}
	return nil
}

// Interrupt stops the current turn without killing the conversation.
func (r *Runner) Interrupt() error {
	r.pm.SetInterrupted(true)
	return r.pm.Interrupt()
}

// Busy reports whether a prompt is currently being processed.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Running reports whether the agent process is alive. A runner whose
// process exited after its last turn is not running and must be
// replaced before the next prompt.
func (r *Runner) Running() bool {
	return r.pm != nil && r.pm.IsRunning()
}

// AgentSessionID returns the agent's conversation id once known, empty
// before the init message has arrived.
func (r *Runner) AgentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentSessionID
}

// Pid returns the agent process id, or 0 when not running.
func (r *Runner) Pid() int {
	if r.pm == nil {
		return 0
	}
	return r.pm.Pid()
}

// Stop terminates the agent process and removes the MCP config file.
func (r *Runner) Stop() {
	if r.pm != nil {
		r.pm.Stop()
	}
	RemoveMCPConfig(r.mcpConfigPath)
	r.setBusy(false)
}

func (r *Runner) setBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

func (r *Runner) publishOutput(role, content string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishAgentOutput(events.AgentOutput{
		SessionID: r.cfg.SessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}); err != nil {
		r.log.Warn("failed to publish agent output", "error", err)
	}
}

func (r *Runner) handleLine(line string) {
	msg, err := parseStreamMessage(line)
	if err != nil {
		r.log.Debug("unparseable stream line", "error", err)
		return
	}

	switch msg.Type {
	case msgTypeSystem:
		if msg.Subtype == subtypeInit && msg.SessionID != "" {
			r.mu.Lock()
			r.agentSessionID = msg.SessionID
			r.mu.Unlock()
			r.pm.MarkResumable(msg.SessionID)
			r.log.Debug("agent conversation established", "agentSessionID", msg.SessionID)
		}

	case msgTypeAssistant:
		text := extractText(msg.Message.Content)
		if text == "" {
			return
		}
		if _, err := r.store.AppendMessage(context.Background(), r.cfg.SessionID, "assistant", text); err != nil {
			r.log.Warn("failed to persist assistant message", "error", err)
		}
		r.publishOutput("assistant", text)

	case msgTypeUser:
		// Tool results flow back as user messages; nothing to surface.

	case msgTypeResult:
		r.pm.ResetRestartAttempts()
		r.setBusy(false)

		if err := r.store.MarkPromptCompleted(context.Background(), r.cfg.SessionID); err != nil {
			r.log.Warn("failed to mark prompt completed", "error", err)
		}
		if msg.Result != "" {
			r.publishOutput("result", msg.Result)
		}
		if r.hooks.OnTurnComplete != nil {
			r.hooks.OnTurnComplete(msg.Result, msg.IsError)
		}
	}
}

// handleProcessExit decides whether a crash warrants a restart. An exit
// while idle is normal (--print mode ends the process after a turn).
func (r *Runner) handleProcessExit(err error, stderrContent string) bool {
	r.mu.Lock()
	busy := r.busy
	r.mu.Unlock()

	restarting := busy
	if busy {
		r.log.Warn("agent exited mid-turn", "error", err, "stderr", stderrContent)
	} else {
		r.log.Debug("agent exited while idle")
	}

	code, signal := exitStatus(err)
	r.publishExit(code, signal, restarting)
	return restarting
}

func (r *Runner) publishExit(code int, signal string, restarting bool) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishAgentExit(events.AgentExited{
		SessionID:  r.cfg.SessionID,
		ExitCode:   code,
		Signal:     signal,
		Restarting: restarting,
		Timestamp:  time.Now(),
	}); err != nil {
		r.log.Warn("failed to publish agent exit", "error", err)
	}
}

// exitStatus extracts the exit code, or the signal name for signal
// deaths, from a Wait error. A nil error is a clean zero exit.
func exitStatus(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if goerrors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func (r *Runner) handleFatal(err error) {
	r.setBusy(false)
	r.log.Error("agent process is gone for good", "error", err)
	if r.hooks.OnFatal != nil {
		r.hooks.OnFatal(err)
	}
}
