// Package agentproc supervises the agent CLI process for each session.
// The agent speaks newline-delimited stream-json on stdin/stdout; this
// package owns process lifecycle, restart policy, and stream parsing.
package agentproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmalloc/drover/internal/reaper"
)

// Timing and restart policy.
const (
	// MaxProcessRestartAttempts bounds automatic restarts after a crash.
	MaxProcessRestartAttempts = 3
	// ProcessRestartDelay is the pause before each restart attempt.
	ProcessRestartDelay = 500 * time.Millisecond
)

// readResult holds the result of a read operation for timeout handling.
type readResult struct {
	line string
	err  error
}

// ProcessConfig holds the configuration for starting an agent CLI process.
type ProcessConfig struct {
	// Binary is the agent CLI executable, e.g. "claude".
	Binary string
	// SessionID is drover's session UUID, passed as --session-id for
	// new conversations.
	SessionID string
	// AgentSessionID is the agent's own conversation ID, captured from
	// the init message. Set when resuming.
	AgentSessionID string
	// Resume selects --resume over --session-id. A session that has
	// already exchanged messages must resume; a fresh one must not.
	Resume     bool
	WorkingDir string
	Model      string
	// MCPConfigPath points at the config file that launches the
	// approval-server subprocess.
	MCPConfigPath string
	AllowedTools  []string
	// SkipPermissions bypasses the approval gateway entirely: the agent
	// runs every tool without asking. Set for sessions whose permission
	// mode is "ignore".
	SkipPermissions bool
}

// ProcessCallbacks are invoked from the manager's internal goroutines.
// Implementations must be thread-safe and non-blocking.
type ProcessCallbacks struct {
	// OnLine is called for each line read from stdout.
	OnLine func(line string)

	// OnProcessExit is called when the process exits unexpectedly.
	// Returns true if the process should be restarted.
	OnProcessExit func(err error, stderrContent string) bool

	// OnRestartAttempt is called before each restart attempt (1-indexed).
	OnRestartAttempt func(attemptNum int)

	// OnRestartFailed is called when a restart attempt fails.
	OnRestartFailed func(err error)

	// OnFatalError is called when max restarts are exceeded. No further
	// restarts happen after this.
	OnFatalError func(err error)
}

// ProcessManager manages the lifecycle of one agent CLI process:
// start, stop, monitoring, and crash recovery.
type ProcessManager struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	mu              sync.Mutex
	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stdout          *bufio.Reader
	stderr          io.ReadCloser
	stderrContent   string
	stderrDone      chan struct{}
	running         bool
	interrupted     bool
	restartAttempts int

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait()
	// again, preventing undefined behavior from double Wait().
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	// killTree force-terminates the whole process tree, not just the
	// direct child: the agent spawns the approval-server subprocess and
	// arbitrary tool commands, and killing the root alone leaks them.
	killTree func(ctx context.Context, pid int) reaper.Report
}

// NewProcessManager creates a manager with the given config and callbacks.
func NewProcessManager(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *ProcessManager {
	return &ProcessManager{
		config:    config,
		callbacks: callbacks,
		log:       log,
		killTree:  reaper.New(2 * time.Second).KillTree,
	}
}

// BuildCommandArgs builds the agent CLI argument list from the config.
// Exported so tests can verify argument construction.
func BuildCommandArgs(config ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}

	if config.Resume && config.AgentSessionID != "" {
		// The agent owns the conversation; resuming must use ITS id,
		// not ours. The two only coincide for sessions the agent
		// accepted our --session-id for.
		args = append(args, "--resume", config.AgentSessionID)
	} else {
		args = append(args, "--session-id", config.SessionID)
	}

	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}

	if config.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if config.MCPConfigPath != "" {
		args = append(args,
			"--mcp-config", config.MCPConfigPath,
			"--permission-prompt-tool", "mcp__drover__permission",
		)
	}

	for _, tool := range config.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}

	return args
}

// Start starts the agent CLI process. A no-op when already running.
func (pm *ProcessManager) Start() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return nil
	}

	pm.log.Info("starting agent process")
	startTime := time.Now()

	args := BuildCommandArgs(pm.config)
	pm.log.Debug("starting process", "command", pm.config.Binary+" "+strings.Join(args, " "))

	cmd := exec.Command(pm.config.Binary, args...)
	cmd.Dir = pm.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pm.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %v", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pm.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %v", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pm.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pm.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start %s: %v", pm.config.Binary, err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.stdout = bufio.NewReader(stdout)
	pm.stderr = stderr
	pm.stderrContent = ""
	pm.stderrDone = make(chan struct{})
	pm.waitDone = make(chan struct{})
	pm.running = true

	// Cancel any previous context to prevent goroutine leaks from
	// prior runs
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.ctx, pm.cancel = context.WithCancel(context.Background())

	pm.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pm.wg.Add(3)
	go func() {
		defer pm.wg.Done()
		pm.readOutput()
	}()
	go func() {
		defer pm.wg.Done()
		pm.drainStderr()
	}()
	go func() {
		defer pm.wg.Done()
		pm.monitorExit()
	}()

	return nil
}

// Stop stops the process gracefully, force-killing after a short
// timeout. Safe to call multiple times.
func (pm *ProcessManager) Stop() {
	pm.mu.Lock()
	wasRunning := pm.running

	if pm.cancel != nil {
		pm.cancel()
		pm.cancel = nil
	}

	if !wasRunning {
		pm.mu.Unlock()
		return
	}

	pm.log.Debug("stopping process")
	pm.running = false

	// Close stdin to signal EOF to the process
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}

	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait(); waitDone signals
	// when it completes.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pm.log.Debug("process exited gracefully")
		case <-time.After(2 * time.Second):
			pm.log.Debug("force killing process tree", "pid", cmd.Process.Pid)
			report := pm.killTree(context.Background(), cmd.Process.Pid)
			if !report.Clean() {
				pm.log.Warn("agent process tree not fully terminated", "survivors", report.Survivors)
			}
			<-waitDone
		}
	}

	pm.wg.Wait()

	pm.mu.Lock()
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.mu.Unlock()
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Pid returns the process id, or 0 when not running.
func (pm *ProcessManager) Pid() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.cmd == nil || pm.cmd.Process == nil {
		return 0
	}
	return pm.cmd.Process.Pid
}

// WriteMessage writes a message to the process stdin.
func (pm *ProcessManager) WriteMessage(data []byte) error {
	pm.mu.Lock()
	stdin := pm.stdin
	running := pm.running
	pm.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("process not running")
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %v", err)
	}

	return nil
}

// Interrupt sends SIGINT to interrupt the current operation.
func (pm *ProcessManager) Interrupt() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.log.Debug("interrupt called but process not running")
		return nil
	}

	pm.log.Info("sending SIGINT", "pid", pm.cmd.Process.Pid)
	if err := pm.cmd.Process.Signal(syscall.SIGINT); err != nil {
		pm.log.Error("failed to send SIGINT", "error", err)
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// SetInterrupted marks the current operation as interrupted by the
// user, suppressing restart on the resulting exit.
func (pm *ProcessManager) SetInterrupted(interrupted bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.interrupted = interrupted
}

// ResetRestartAttempts resets the restart counter (called on a
// successful response).
func (pm *ProcessManager) ResetRestartAttempts() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.restartAttempts = 0
}

// UpdateConfig replaces the config for the next Start().
func (pm *ProcessManager) UpdateConfig(config ProcessConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.config = config
}

// MarkResumable records the agent's conversation id so subsequent
// starts resume instead of creating a new conversation.
func (pm *ProcessManager) MarkResumable(agentSessionID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.config.AgentSessionID = agentSessionID
	pm.config.Resume = true
}

// readOutput continuously reads from stdout and invokes OnLine.
func (pm *ProcessManager) readOutput() {
	pm.log.Debug("output reader started")

	for {
		select {
		case <-pm.ctx.Done():
			pm.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		pm.mu.Lock()
		running := pm.running
		reader := pm.stdout
		pm.mu.Unlock()

		if !running || reader == nil {
			pm.log.Debug("output reader exiting - process not running")
			return
		}

		line, err := pm.readLine(reader)
		if err != nil {
			select {
			case <-pm.ctx.Done():
				return
			default:
			}

			if err == io.EOF {
				pm.log.Debug("EOF on stdout - process exited")
			} else {
				pm.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by monitorExit
			return
		}

		if len(line) == 0 {
			continue
		}

		if pm.callbacks.OnLine != nil {
			pm.callbacks.OnLine(line)
		}
	}
}

// readLine reads a line, blocking until data arrives. The spawned
// goroutine cannot be cancelled mid-read, but Stop() closes stdin
// which unblocks it with EOF; the buffered channel lets it exit even
// after this function returned on cancellation.
func (pm *ProcessManager) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pm.ctx.Done():
		return "", pm.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures stderr before cmd.Wait() closes the pipe.
func (pm *ProcessManager) drainStderr() {
	defer close(pm.stderrDone)

	pm.mu.Lock()
	stderr := pm.stderr
	pm.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pm.log.Debug("error reading stderr", "error", err)
		return
	}

	if len(stderrBytes) > 0 {
		pm.mu.Lock()
		pm.stderrContent = strings.TrimSpace(string(stderrBytes))
		pm.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait(). Stop() coordinates via
// the waitDone channel instead of calling Wait() itself.
func (pm *ProcessManager) monitorExit() {
	pm.mu.Lock()
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		pm.log.Debug("process exited", "error", err)
		if waitDone != nil {
			close(waitDone)
		}
		pm.handleExit(err)
	case <-pm.ctx.Done():
		// Stop() closes stdin and may kill the process, which
		// unblocks Wait(); consume it to avoid a goroutine leak.
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

// handleExit handles cleanup and potential restart when the process exits.
func (pm *ProcessManager) handleExit(err error) {
	pm.mu.Lock()

	if !pm.running {
		pm.mu.Unlock()
		return
	}

	wasInterrupted := pm.interrupted
	pm.interrupted = false
	restartAttempts := pm.restartAttempts
	stderrDone := pm.stderrDone

	ctxCancelled := pm.ctx != nil && pm.ctx.Err() != nil
	pm.mu.Unlock()

	// stderr is drained concurrently; wait for it before reading
	if stderrDone != nil {
		<-stderrDone
	}

	pm.mu.Lock()
	stderrContent := pm.stderrContent
	pm.cleanupLocked()
	pm.mu.Unlock()

	if wasInterrupted || ctxCancelled {
		pm.log.Debug("process exit due to interrupt or stop, not restarting")
		if pm.callbacks.OnProcessExit != nil {
			pm.callbacks.OnProcessExit(err, stderrContent)
		}
		return
	}

	shouldRestart := true
	if pm.callbacks.OnProcessExit != nil {
		shouldRestart = pm.callbacks.OnProcessExit(err, stderrContent)
	}
	if !shouldRestart {
		return
	}

	if restartAttempts < MaxProcessRestartAttempts {
		pm.mu.Lock()
		pm.restartAttempts = restartAttempts + 1
		pm.mu.Unlock()

		pm.log.Warn("process crashed, attempting restart",
			"attempt", restartAttempts+1,
			"maxAttempts", MaxProcessRestartAttempts)

		if pm.callbacks.OnRestartAttempt != nil {
			pm.callbacks.OnRestartAttempt(restartAttempts + 1)
		}

		time.Sleep(ProcessRestartDelay)

		if err := pm.Start(); err != nil {
			pm.log.Error("failed to restart process", "error", err)
			if pm.callbacks.OnRestartFailed != nil {
				pm.callbacks.OnRestartFailed(err)
			}
			exitErr := fmt.Errorf("process crashed and restart failed: %v", err)
			if pm.callbacks.OnFatalError != nil {
				pm.callbacks.OnFatalError(exitErr)
			}
		} else {
			pm.log.Info("process restarted successfully")
		}
		return
	}

	pm.log.Error("max restart attempts exceeded", "maxAttempts", MaxProcessRestartAttempts)

	var exitErr error
	if stderrContent != "" {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts): %s", MaxProcessRestartAttempts, stderrContent)
	} else if err != nil {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts): %v", MaxProcessRestartAttempts, err)
	} else {
		exitErr = fmt.Errorf("process crashed repeatedly (max %d restarts exceeded)", MaxProcessRestartAttempts)
	}

	if pm.callbacks.OnFatalError != nil {
		pm.callbacks.OnFatalError(exitErr)
	}
}

// cleanupLocked cleans up process resources. Must be called with mu held.
func (pm *ProcessManager) cleanupLocked() {
	if pm.stdin != nil {
		pm.stdin.Close()
		pm.stdin = nil
	}
	if pm.stderr != nil {
		pm.stderr.Close()
		pm.stderr = nil
	}
	pm.cmd = nil
	pm.stdout = nil
	pm.stderrContent = ""
	pm.stderrDone = nil
	pm.waitDone = nil
	pm.running = false
}
