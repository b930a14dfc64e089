// Package session coordinates everything a session is made of: its
// worktree, agent process, approval gateway, shell, and commit mode.
// All status changes flow through one mutation path so the store and
// the event bus never disagree.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmalloc/drover/internal/agentproc"
	"github.com/jmalloc/drover/internal/approval"
	"github.com/jmalloc/drover/internal/commitmode"
	"github.com/jmalloc/drover/internal/config"
	"github.com/jmalloc/drover/internal/errors"
	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/jobs"
	"github.com/jmalloc/drover/internal/logger"
	"github.com/jmalloc/drover/internal/shellpool"
	"github.com/jmalloc/drover/internal/store"
	"github.com/jmalloc/drover/internal/worktree"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	ProjectPath string
	Title       string
	Prompt      string
	// Branch overrides the generated branch name when set.
	Branch string
	// UseMainRepo runs the session directly in the repository instead
	// of a worktree. Archiving such a session must not touch the repo.
	UseMainRepo bool
	// CommitMode and PermissionMode fall back to project defaults.
	CommitMode     string
	PermissionMode string
}

// Orchestrator owns all live sessions.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	bus       *events.Bus
	worktrees *worktree.Manager
	commits   *commitmode.Controller
	agents    *agentproc.Supervisor
	shells    *shellpool.Pool
	queue     *jobs.Queue
	exec      execx.CommandExecutor
	log       *slog.Logger

	mu       sync.Mutex
	gateways map[string]*approval.Gateway
	// lastPrompt feeds checkpoint commit messages after each turn.
	lastPrompt map[string]string

	// activeScript tracks the one script allowed to run at a time
	// across all sessions. Starting a new script stops and awaits the
	// previous one first.
	activeScript *scriptRun
}

// scriptRun is a handle to an in-flight project script.
type scriptRun struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewOrchestrator wires the orchestrator from its parts.
func NewOrchestrator(cfg *config.Config, st *store.Store, bus *events.Bus, exec execx.CommandExecutor) *Orchestrator {
	wtm := worktree.NewManager(exec)
	for _, p := range cfg.Projects {
		if p.MainBranch != "" {
			wtm.SetMainBranchOverride(p.Path, p.MainBranch)
		}
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		worktrees:  wtm,
		commits:    commitmode.NewController(exec, cfg.CommitPrefix),
		agents:     agentproc.NewSupervisor(bus, st),
		shells:     shellpool.New(bus, cfg.KillGrace()),
		queue:      jobs.New(bus, cfg.CreateConcurrency),
		exec:       exec,
		log:        logger.ComponentLogger("session"),
		gateways:   make(map[string]*approval.Gateway),
		lastPrompt: make(map[string]string),
	}
}

// Startup normalizes sessions left over from a previous run. Agent
// processes do not survive a restart, so anything recorded as active
// becomes stopped.
func (o *Orchestrator) Startup(ctx context.Context) error {
	recs, err := o.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch rec.Status {
		case StatusInitializing, StatusRunning, StatusWaiting:
			o.log.Info("marking orphaned session stopped", "sessionID", rec.ID, "was", rec.Status)
			if err := o.update(ctx, rec.ID, func(r *store.SessionRecord) {
				r.Status = StatusStopped
			}); err != nil {
				o.log.Warn("failed to normalize session", "sessionID", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// Create queues a session creation job and returns the job ID. Watch
// the job's bus subject for the resulting session ID.
func (o *Orchestrator) Create(req CreateRequest) (string, error) {
	if req.ProjectPath == "" {
		return "", errors.E(errors.Op("session.Create"), errors.KindInvalid,
			fmt.Errorf("project path is required"))
	}

	mode := o.commitModeFor(req)
	if err := commitmode.ValidateMode(commitmode.Mode(mode)); err != nil {
		return "", err
	}

	switch pmode := o.permissionModeFor(req); pmode {
	case "approve", agentproc.PermissionModeIgnore:
	default:
		return "", errors.E(errors.Op("session.Create"), errors.KindInvalid,
			fmt.Errorf("unknown permission mode %q", pmode))
	}

	jobID := o.queue.Submit(func(ctx context.Context) (string, error) {
		return o.create(ctx, req)
	})
	return jobID, nil
}

// create runs inside a job slot.
func (o *Orchestrator) create(ctx context.Context, req CreateRequest) (string, error) {
	const op = errors.Op("session.create")

	if err := o.worktrees.ValidateRepo(ctx, req.ProjectPath); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()
	rec := store.SessionRecord{
		ID:             id,
		Title:          req.Title,
		ProjectPath:    req.ProjectPath,
		Status:         StatusInitializing,
		CommitMode:     o.commitModeFor(req),
		PermissionMode: o.permissionModeFor(req),
		IsMainRepo:     req.UseMainRepo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.UseMainRepo {
		rec.WorktreePath = req.ProjectPath
		rec.Branch = o.worktrees.DetectMainBranch(ctx, req.ProjectPath)
	} else {
		wt, err := o.worktrees.Create(ctx, req.ProjectPath, req.Title, req.Branch)
		if err != nil {
			return "", err
		}
		rec.WorktreePath = wt.Path
		rec.Branch = wt.Branch
	}

	if err := o.store.SaveSession(ctx, rec); err != nil {
		if !req.UseMainRepo {
			o.worktrees.Remove(ctx, o.buildWorktree(ctx, rec))
		}
		return "", errors.E(op, errors.KindIO, err)
	}

	o.publishStatus(id, "", StatusInitializing)

	if err := o.startAgent(ctx, rec); err != nil {
		o.update(ctx, id, func(r *store.SessionRecord) {
			r.Status = StatusError
			r.ErrorMessage = err.Error()
		})
		return id, err
	}

	if req.Prompt != "" {
		if err := o.SendPrompt(ctx, id, req.Prompt); err != nil {
			return id, err
		}
	}
	return id, nil
}

// startAgent brings up the gateway and agent process for a session.
// Sessions in permission mode "ignore" run without a gateway; their
// agent bypasses approval entirely.
func (o *Orchestrator) startAgent(ctx context.Context, rec store.SessionRecord) error {
	var socketPath string
	var created *approval.Gateway

	if rec.PermissionMode != agentproc.PermissionModeIgnore {
		o.mu.Lock()
		gw := o.gateways[rec.ID]
		o.mu.Unlock()

		if gw == nil {
			var err error
			gw, err = approval.NewGateway(rec.ID, o.handlePermissionRequest)
			if err != nil {
				return errors.E(errors.Op("session.startAgent"), errors.KindIO, err)
			}
			gw.Start()
			created = gw

			o.mu.Lock()
			o.gateways[rec.ID] = gw
			o.mu.Unlock()
		}
		socketPath = gw.SocketPath()
	}

	_, err := o.agents.StartAgent(agentproc.RunnerConfig{
		SessionID:      rec.ID,
		WorkingDir:     rec.WorktreePath,
		Binary:         o.cfg.AgentBinary,
		Model:          o.cfg.AgentModel,
		AgentSessionID: rec.AgentSessionID,
		SocketPath:     socketPath,
		PermissionMode: rec.PermissionMode,
	}, agentproc.RunnerHooks{
		OnTurnComplete: func(result string, isError bool) {
			o.handleTurnComplete(rec.ID, result, isError)
		},
		OnFatal: func(err error) {
			o.handleAgentFatal(rec.ID, err)
		},
	})
	if err != nil {
		if created != nil {
			created.Close()
			o.mu.Lock()
			delete(o.gateways, rec.ID)
			o.mu.Unlock()
		}
		return err
	}
	return nil
}

// SendPrompt forwards a prompt to the session's agent, applying the
// session's commit mode, and marks the session running.
func (o *Orchestrator) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	const op = errors.Op("session.SendPrompt")

	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	runner := o.agents.Get(sessionID)
	if runner == nil || !runner.Running() {
		// A stopped or exited agent restarts on the next prompt,
		// resuming its conversation where it left off.
		if err := o.startAgent(ctx, rec); err != nil {
			return err
		}
		runner = o.agents.Get(sessionID)
	}

	prepared, err := commitmode.PreparePrompt(commitmode.Mode(rec.CommitMode), prompt)
	if err != nil {
		return err
	}

	if err := runner.SendPrompt(ctx, prepared); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastPrompt[sessionID] = prompt
	o.mu.Unlock()

	if err := o.update(ctx, sessionID, func(r *store.SessionRecord) {
		r.Status = StatusRunning
		r.AgentSessionID = runner.AgentSessionID()
	}); err != nil {
		return errors.E(op, errors.KindIO, err)
	}
	return nil
}

// SendInput forwards text to a session's agent mid-turn, without the
// prompt bookkeeping SendPrompt does. The agent must be running.
func (o *Orchestrator) SendInput(ctx context.Context, sessionID, text string) error {
	const op = errors.Op("session.SendInput")

	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return err
	}

	runner := o.agents.Get(sessionID)
	if runner == nil || !runner.Running() {
		return errors.E(op, errors.KindAgent,
			fmt.Errorf("session %s has no running agent", sessionID))
	}
	return runner.SendInput(ctx, text)
}

// handleTurnComplete runs the session's commit mode and settles status.
func (o *Orchestrator) handleTurnComplete(sessionID, result string, isError bool) {
	ctx := context.Background()

	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		o.log.Warn("turn completed for unknown session", "sessionID", sessionID, "error", err)
		return
	}

	o.mu.Lock()
	prompt := o.lastPrompt[sessionID]
	o.mu.Unlock()

	if !isError {
		if _, err := o.commits.AfterTurn(ctx, commitmode.Mode(rec.CommitMode), rec.WorktreePath, prompt); err != nil {
			o.log.Warn("post-turn commit failed", "sessionID", sessionID, "error", err)
		}
	}

	agentSessionID := ""
	if runner := o.agents.Get(sessionID); runner != nil {
		agentSessionID = runner.AgentSessionID()
	}

	status := StatusCompleted
	errMsg := ""
	if isError {
		status = StatusError
		errMsg = result
	}

	if err := o.update(ctx, sessionID, func(r *store.SessionRecord) {
		r.Status = status
		r.ErrorMessage = errMsg
		if agentSessionID != "" {
			r.AgentSessionID = agentSessionID
		}
	}); err != nil {
		o.log.Warn("failed to record turn completion", "sessionID", sessionID, "error", err)
	}
}

func (o *Orchestrator) handleAgentFatal(sessionID string, err error) {
	if uerr := o.update(context.Background(), sessionID, func(r *store.SessionRecord) {
		r.Status = StatusError
		r.ErrorMessage = err.Error()
	}); uerr != nil {
		o.log.Warn("failed to record agent failure", "sessionID", sessionID, "error", uerr)
	}
}

// handlePermissionRequest surfaces an agent tool request to the user.
func (o *Orchestrator) handlePermissionRequest(sessionID, requestID, toolName string, input json.RawMessage) {
	if o.bus != nil {
		if err := o.bus.PublishPermissionRequested(events.PermissionRequested{
			SessionID: sessionID,
			RequestID: requestID,
			ToolName:  toolName,
			Input:     input,
			Timestamp: time.Now(),
		}); err != nil {
			o.log.Warn("failed to publish permission request", "sessionID", sessionID, "error", err)
		}
	}

	if err := o.update(context.Background(), sessionID, func(r *store.SessionRecord) {
		r.Status = StatusWaiting
	}); err != nil {
		o.log.Warn("failed to mark session waiting", "sessionID", sessionID, "error", err)
	}
}

// RespondToPermission answers a pending tool request. A session with no
// such request returns an error rather than silently dropping the answer.
func (o *Orchestrator) RespondToPermission(ctx context.Context, sessionID, requestID string, allow bool, message string) error {
	const op = errors.Op("session.RespondToPermission")

	o.mu.Lock()
	gw := o.gateways[sessionID]
	o.mu.Unlock()
	if gw == nil {
		return errors.SessionNotFound(sessionID)
	}

	decision := approval.Deny(message)
	if allow {
		decision = approval.Allow(nil)
	}
	if !gw.Resolve(requestID, decision) {
		return errors.E(op, errors.KindNotFound,
			fmt.Errorf("no pending permission request %s", requestID))
	}

	return o.update(ctx, sessionID, func(r *store.SessionRecord) {
		r.Status = StatusRunning
	})
}

// Stop interrupts the session's agent and marks it stopped.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	if runner := o.agents.Get(sessionID); runner != nil {
		if err := runner.Interrupt(); err != nil {
			o.log.Warn("interrupt failed", "sessionID", sessionID, "error", err)
		}
	}
	o.agents.StopAgent(sessionID)
	o.closeGateway(sessionID)

	return o.update(ctx, sessionID, func(r *store.SessionRecord) {
		r.Status = StatusStopped
	})
}

// MarkViewed records that the user has looked at the session, clearing
// the completed_unviewed derivation.
func (o *Orchestrator) MarkViewed(ctx context.Context, sessionID string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.LastViewedAt = time.Now()
	return o.store.SaveSession(ctx, rec)
}

// Get returns the session with its derived status applied.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (store.SessionRecord, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.SessionRecord{}, err
	}
	rec.Status = EffectiveStatus(rec)
	return rec, nil
}

// List returns all sessions with derived statuses applied.
func (o *Orchestrator) List(ctx context.Context) ([]store.SessionRecord, error) {
	recs, err := o.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Status = EffectiveStatus(recs[i])
	}
	return recs, nil
}

// Archive tears the session down and deletes it. The worktree and
// branch are removed unless the session ran directly in the main
// repository, which must never be touched.
func (o *Orchestrator) Archive(ctx context.Context, sessionID string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	o.agents.StopAgent(sessionID)
	o.closeGateway(sessionID)
	o.shells.Close(ctx, sessionID)

	if !rec.IsMainRepo && rec.WorktreePath != "" {
		if err := o.worktrees.Remove(ctx, o.buildWorktree(ctx, rec)); err != nil {
			return err
		}
	}

	o.mu.Lock()
	delete(o.lastPrompt, sessionID)
	o.mu.Unlock()

	return o.store.DeleteSession(ctx, sessionID)
}

// Finalize squashes the session's work into one commit per its commit
// mode, runs the project's finalize commands if any, and returns the
// resulting commit hash.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID, message string) (string, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	main := o.worktrees.DetectMainBranch(ctx, rec.ProjectPath)

	var postCommands []string
	if _, project, ok := o.cfg.ProjectByPath(rec.ProjectPath); ok {
		postCommands = project.FinalizeCommands
	}
	return o.commits.Finalize(ctx, rec.WorktreePath, main, message, postCommands)
}

// Commits lists the session's commits, newest first. A limit of zero
// returns them all.
func (o *Orchestrator) Commits(ctx context.Context, sessionID string, limit int) ([]worktree.Commit, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.worktrees.Commits(ctx, o.buildWorktree(ctx, rec), limit)
}

// Diff returns the combined diff for the selected commit sequences.
func (o *Orchestrator) Diff(ctx context.Context, sessionID string, selected []int) (string, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return o.worktrees.CombinedDiff(ctx, o.buildWorktree(ctx, rec), selected)
}

// EnsureShell starts the session's shell in its working copy if it is
// not already running, and returns the pool for I/O.
func (o *Orchestrator) EnsureShell(ctx context.Context, sessionID string) (*shellpool.Pool, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.shells.Ensure(sessionID, rec.WorktreePath); err != nil {
		return nil, err
	}
	return o.shells, nil
}

// RunScript runs a named project script in the session's working copy.
// One script runs at a time across the whole process; a second call
// stops the active script and waits for it before starting.
func (o *Orchestrator) RunScript(ctx context.Context, sessionID, name string) (string, error) {
	const op = errors.Op("session.RunScript")

	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	_, project, ok := o.cfg.ProjectByPath(rec.ProjectPath)
	if !ok {
		return "", errors.E(op, errors.KindNotFound,
			fmt.Errorf("no project configured for %s", rec.ProjectPath))
	}
	command, ok := project.Scripts[name]
	if !ok {
		return "", errors.E(op, errors.KindNotFound,
			fmt.Errorf("no script %q for project", name))
	}

	// One script process-wide: stop the previous occupant and wait for
	// it to fully terminate before starting the next.
	scriptCtx, cancel := context.WithCancel(ctx)
	run := &scriptRun{sessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	for {
		o.mu.Lock()
		prev := o.activeScript
		if prev == nil {
			o.activeScript = run
			o.mu.Unlock()
			break
		}
		o.mu.Unlock()

		o.log.Info("stopping previous script", "sessionID", prev.sessionID)
		prev.cancel()
		<-prev.done
	}
	defer func() {
		o.mu.Lock()
		if o.activeScript == run {
			o.activeScript = nil
		}
		o.mu.Unlock()
		close(run.done)
		cancel()
	}()

	o.log.Info("running script", "sessionID", sessionID, "script", name)
	out, err := o.exec.CombinedOutput(scriptCtx, rec.WorktreePath, "sh", "-c", command)
	if err != nil {
		return string(out), errors.E(op, errors.KindIO,
			fmt.Errorf("script %q failed: %w", name, err))
	}
	return string(out), nil
}

// StopScript stops the currently running script, if any, and waits for
// it to terminate.
func (o *Orchestrator) StopScript() {
	o.mu.Lock()
	run := o.activeScript
	o.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

// Messages returns the session's conversation history in order.
func (o *Orchestrator) Messages(ctx context.Context, sessionID string) ([]store.Message, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.Messages(ctx, sessionID)
}

// PromptMarkers returns the session's prompt markers in order.
func (o *Orchestrator) PromptMarkers(ctx context.Context, sessionID string) ([]store.PromptMarker, error) {
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.PromptMarkers(ctx, sessionID)
}

// RebaseMainInto rebases the session's branch onto the latest main.
// A conflict leaves the worktree mid-rebase for inspection; recover
// with AbortRebase or by prompting the agent to resolve it.
func (o *Orchestrator) RebaseMainInto(ctx context.Context, sessionID string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.worktrees.RebaseMainInto(ctx, o.buildWorktree(ctx, rec))
}

// AbortRebase abandons an in-progress rebase in the session's worktree.
func (o *Orchestrator) AbortRebase(ctx context.Context, sessionID string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.worktrees.AbortRebase(ctx, o.buildWorktree(ctx, rec))
}

// SquashToMain collapses the session's commits into one and fast-forwards
// the main branch onto it.
func (o *Orchestrator) SquashToMain(ctx context.Context, sessionID, message string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.worktrees.SquashToMain(ctx, o.buildWorktree(ctx, rec), message)
}

// RebaseToMain integrates the session's commits into main preserving
// their history.
func (o *Orchestrator) RebaseToMain(ctx context.Context, sessionID string) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.worktrees.RebaseToMain(ctx, o.buildWorktree(ctx, rec))
}

// Pull rebases the session's branch onto its upstream.
func (o *Orchestrator) Pull(ctx context.Context, sessionID string) (string, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return o.worktrees.Pull(ctx, o.buildWorktree(ctx, rec))
}

// Push pushes the session's branch, setting upstream on first push.
func (o *Orchestrator) Push(ctx context.Context, sessionID string) (string, error) {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return o.worktrees.Push(ctx, o.buildWorktree(ctx, rec))
}

// Jobs exposes the creation queue for status lookups.
func (o *Orchestrator) Jobs() *jobs.Queue {
	return o.queue
}

// Worktrees exposes the worktree manager for maintenance commands.
func (o *Orchestrator) Worktrees() *worktree.Manager {
	return o.worktrees
}

// Shutdown stops everything: agents, shells, gateways, and the queue.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.log.Info("orchestrator shutting down")

	o.queue.Shutdown()
	o.agents.StopAll()
	o.shells.CloseAll(ctx)

	o.mu.Lock()
	gws := make([]*approval.Gateway, 0, len(o.gateways))
	for _, gw := range o.gateways {
		gws = append(gws, gw)
	}
	o.gateways = make(map[string]*approval.Gateway)
	o.mu.Unlock()

	for _, gw := range gws {
		gw.Close()
	}
}

// update is the single mutation path for session records. It enforces
// the status machine, persists, and publishes the transition.
func (o *Orchestrator) update(ctx context.Context, sessionID string, mutate func(*store.SessionRecord)) error {
	rec, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	oldStatus := rec.Status
	mutate(&rec)

	if rec.Status != oldStatus && !transitionAllowed(oldStatus, rec.Status) {
		return errors.E(errors.Op("session.update"), errors.KindInvalid,
			fmt.Errorf("invalid status transition %s -> %s", oldStatus, rec.Status))
	}

	rec.UpdatedAt = time.Now()
	if err := o.store.SaveSession(ctx, rec); err != nil {
		return err
	}

	if rec.Status != oldStatus {
		o.publishStatus(sessionID, oldStatus, rec.Status)
	}
	return nil
}

func (o *Orchestrator) publishStatus(sessionID, oldStatus, newStatus string) {
	if o.bus == nil {
		return
	}
	if err := o.bus.PublishStatus(events.StatusChanged{
		SessionID: sessionID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Timestamp: time.Now(),
	}); err != nil {
		o.log.Warn("failed to publish status change", "sessionID", sessionID, "error", err)
	}
}

func (o *Orchestrator) closeGateway(sessionID string) {
	o.mu.Lock()
	gw := o.gateways[sessionID]
	delete(o.gateways, sessionID)
	o.mu.Unlock()
	if gw != nil {
		gw.Close()
	}
}

// buildWorktree reconstructs the worktree handle from a session record.
func (o *Orchestrator) buildWorktree(ctx context.Context, rec store.SessionRecord) *worktree.Worktree {
	return &worktree.Worktree{
		SessionID:  rec.ID,
		RepoPath:   rec.ProjectPath,
		Path:       rec.WorktreePath,
		Branch:     rec.Branch,
		BaseBranch: o.worktrees.DetectMainBranch(ctx, rec.ProjectPath),
	}
}

func (o *Orchestrator) commitModeFor(req CreateRequest) string {
	if req.CommitMode != "" {
		return req.CommitMode
	}
	if _, p, ok := o.cfg.ProjectByPath(req.ProjectPath); ok && p.CommitMode != "" {
		return p.CommitMode
	}
	return string(commitmode.ModeCheckpoint)
}

func (o *Orchestrator) permissionModeFor(req CreateRequest) string {
	if req.PermissionMode != "" {
		return req.PermissionMode
	}
	if _, p, ok := o.cfg.ProjectByPath(req.ProjectPath); ok && p.DefaultPermissionMode != "" {
		return p.DefaultPermissionMode
	}
	return "approve"
}
