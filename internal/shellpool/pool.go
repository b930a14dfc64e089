// Package shellpool manages one interactive shell per session, running
// in the session's working copy under a PTY. Output streams onto the
// event bus; teardown escalates through the process tree reaper.
package shellpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/jmalloc/drover/internal/events"
	"github.com/jmalloc/drover/internal/logger"
	"github.com/jmalloc/drover/internal/reaper"
)

const readBufferSize = 4096

// shell is one live PTY-backed shell.
type shell struct {
	sessionID string
	cwd       string
	cmd       *exec.Cmd
	ptmx      *os.File

	closeOnce sync.Once
}

// Pool creates shells lazily and tears them down through the reaper.
type Pool struct {
	bus    *events.Bus
	reaper *reaper.Reaper
	log    *slog.Logger

	mu     sync.Mutex
	shells map[string]*shell
}

// New creates an empty pool. killGrace bounds how long teardown waits
// for a shell's process tree to exit politely.
func New(bus *events.Bus, killGrace time.Duration) *Pool {
	return &Pool{
		bus:    bus,
		reaper: reaper.New(killGrace),
		log:    logger.ComponentLogger("shellpool"),
		shells: make(map[string]*shell),
	}
}

// Ensure returns the session's shell, starting one in cwd if needed.
// The cwd of an existing shell is not changed.
func (p *Pool) Ensure(sessionID, cwd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.shells[sessionID]; ok {
		return nil
	}

	cmd := exec.Command("bash", "--login")
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting shell for session %s: %w", sessionID, err)
	}

	sh := &shell{
		sessionID: sessionID,
		cwd:       cwd,
		cmd:       cmd,
		ptmx:      ptmx,
	}
	p.shells[sessionID] = sh

	p.log.Info("shell started", "sessionID", sessionID, "pid", cmd.Process.Pid, "cwd", cwd)

	go p.readLoop(sh)
	return nil
}

// readLoop streams PTY output onto the bus until the shell exits.
func (p *Pool) readLoop(sh *shell) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := sh.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if pubErr := p.bus.PublishTerminalOutput(events.TerminalOutput{
				SessionID: sh.sessionID,
				Data:      data,
				Timestamp: time.Now(),
			}); pubErr != nil {
				p.log.Warn("failed to publish terminal output", "sessionID", sh.sessionID, "error", pubErr)
			}
		}
		if err != nil {
			// EIO here is the normal end of a PTY: the child exited.
			p.log.Debug("shell read loop ended", "sessionID", sh.sessionID, "error", err)
			return
		}
	}
}

func (p *Pool) get(sessionID string) (*shell, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sh, ok := p.shells[sessionID]
	if !ok {
		return nil, fmt.Errorf("no shell for session %s", sessionID)
	}
	return sh, nil
}

// SendCommand writes a command line to the shell, terminated with a
// newline so the shell executes it.
func (p *Pool) SendCommand(sessionID, command string) error {
	return p.SendRaw(sessionID, []byte(command+"\n"))
}

// SendRaw writes bytes to the shell's PTY verbatim. Used for keystroke
// passthrough, including control characters.
func (p *Pool) SendRaw(sessionID string, data []byte) error {
	sh, err := p.get(sessionID)
	if err != nil {
		return err
	}
	if _, err := sh.ptmx.Write(data); err != nil {
		return fmt.Errorf("writing to shell for session %s: %w", sessionID, err)
	}
	return nil
}

// Resize updates the PTY window size.
func (p *Pool) Resize(sessionID string, rows, cols uint16) error {
	sh, err := p.get(sessionID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(sh.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resizing shell for session %s: %w", sessionID, err)
	}
	return nil
}

// Has reports whether a shell exists for the session.
func (p *Pool) Has(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.shells[sessionID]
	return ok
}

// Close tears down the session's shell, killing its whole process tree.
// Survivors are reported as a warning event, never silently dropped.
// A no-op when the session has no shell.
func (p *Pool) Close(ctx context.Context, sessionID string) {
	p.mu.Lock()
	sh, ok := p.shells[sessionID]
	delete(p.shells, sessionID)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.teardown(ctx, sh)
}

// CloseAll tears down every shell. Used at shutdown.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	shells := make([]*shell, 0, len(p.shells))
	for _, sh := range p.shells {
		shells = append(shells, sh)
	}
	p.shells = make(map[string]*shell)
	p.mu.Unlock()

	for _, sh := range shells {
		p.teardown(ctx, sh)
	}
}

func (p *Pool) teardown(ctx context.Context, sh *shell) {
	sh.closeOnce.Do(func() {
		pid := 0
		if sh.cmd.Process != nil {
			pid = sh.cmd.Process.Pid
		}
		p.log.Info("closing shell", "sessionID", sh.sessionID, "pid", pid)

		var report reaper.Report
		if pid > 0 {
			report = p.reaper.KillTree(ctx, pid)
		}

		sh.ptmx.Close()

		// Wait must happen after the kill so we reap the zombie entry.
		sh.cmd.Wait()

		if len(report.Survivors) > 0 {
			p.log.Warn("shell processes survived teardown",
				"sessionID", sh.sessionID, "pids", report.Survivors)
			if err := p.bus.PublishWarning(events.Warning{
				SessionID: sh.sessionID,
				Message:   "shell processes survived teardown",
				Pids:      report.Survivors,
				Timestamp: time.Now(),
			}); err != nil {
				p.log.Warn("failed to publish survivor warning", "error", err)
			}
		}
	})
}
