package approval

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jmalloc/drover/internal/logger"
)

// Timeouts for gateway socket handling.
const (
	// DecisionTimeout is the maximum time a request waits for a human
	// (or policy) decision before being denied.
	DecisionTimeout = 5 * time.Minute

	// SocketReadTimeout bounds each read so the handler can notice
	// shutdown between messages.
	SocketReadTimeout = 10 * time.Second

	// SocketWriteTimeout keeps a stuck client from blocking the
	// gateway forever.
	SocketWriteTimeout = 10 * time.Second
)

// RequestHandler is notified of each incoming permission request so it
// can be surfaced to the user.
type RequestHandler func(sessionID, requestID, toolName string, input json.RawMessage)

// Gateway listens on a per-session unix socket for permission requests
// from agent subprocesses. Requests are answered by ID via Resolve;
// anything that goes wrong on the way resolves to a denial so the agent
// never hangs and never acts without an explicit allow.
type Gateway struct {
	sessionID  string
	socketPath string
	listener   net.Listener
	onRequest  RequestHandler

	mu      sync.Mutex
	pending map[string]chan Decision

	closed   bool
	closedMu sync.RWMutex
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewGateway creates a gateway listening on the session's socket.
func NewGateway(sessionID string, onRequest RequestHandler) (*Gateway, error) {
	socketPath := SocketPath(sessionID)
	log := logger.WithSession(sessionID).With("component", "approval")

	// Remove existing socket if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	log.Info("listening", "socketPath", socketPath)

	return &Gateway{
		sessionID:  sessionID,
		socketPath: socketPath,
		listener:   listener,
		onRequest:  onRequest,
		pending:    make(map[string]chan Decision),
		log:        log,
	}, nil
}

// SocketPath returns the path to the socket.
func (g *Gateway) SocketPath() string {
	return g.socketPath
}

// Start launches the accept loop. It increments the WaitGroup before
// starting the goroutine to avoid a race with Close()/wg.Wait().
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.run()
}

func (g *Gateway) run() {
	defer g.wg.Done()

	for {
		g.closedMu.RLock()
		closed := g.closed
		g.closedMu.RUnlock()
		if closed {
			g.log.Info("gateway closed, stopping accept loop")
			return
		}

		conn, err := g.listener.Accept()
		if err != nil {
			g.closedMu.RLock()
			closed := g.closed
			g.closedMu.RUnlock()
			if closed {
				return
			}
			if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "use of closed network connection" {
				return
			}
			g.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer conn.Close()
	g.log.Debug("connection accepted")

	reader := bufio.NewReader(conn)

	// Requests are handled concurrently; responses pair by requestId,
	// so only the writes themselves need serializing.
	var writeMu sync.Mutex

	for {
		g.closedMu.RLock()
		closed := g.closed
		g.closedMu.RUnlock()
		if closed {
			return
		}

		conn.SetReadDeadline(time.Now().Add(SocketReadTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// EOF here means the agent subprocess went away; any
			// request it had in flight is abandoned with it.
			g.log.Debug("connection closed", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			g.log.Error("JSON parse error", "error", err)
			continue
		}

		if env.Type != TypePermissionRequest {
			g.log.Warn("unknown message type", "type", env.Type)
			continue
		}

		// Each request blocks on its own decision; handling inline
		// would hide every later request behind the first pending one.
		go g.handleRequest(conn, &writeMu, env)
	}
}

func (g *Gateway) handleRequest(conn net.Conn, writeMu *sync.Mutex, env Envelope) {
	if err := validateEnvelope(&env); err != nil {
		g.log.Warn("invalid request, denying", "error", err)
		g.sendResponse(conn, writeMu, env.RequestID, Deny("invalid request: "+err.Error()))
		return
	}

	g.log.Info("received permission request", "requestId", env.RequestID, "tool", env.ToolName)

	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[env.RequestID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, env.RequestID)
		g.mu.Unlock()
	}()

	if g.onRequest != nil {
		g.onRequest(g.sessionID, env.RequestID, env.ToolName, env.Input)
	}

	select {
	case decision := <-ch:
		g.sendResponse(conn, writeMu, env.RequestID, decision)
		g.log.Info("sent permission response", "requestId", env.RequestID, "behavior", decision.Behavior)

	case <-time.After(DecisionTimeout):
		g.log.Warn("timeout waiting for decision", "requestId", env.RequestID)
		g.sendResponse(conn, writeMu, env.RequestID, Deny("permission request timed out"))
	}
}

// Resolve delivers a decision for a pending request. Returns false if
// no request with that ID is waiting (already answered, timed out, or
// never existed).
func (g *Gateway) Resolve(requestID string, decision Decision) bool {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if !ok {
		g.log.Warn("resolve for unknown request", "requestId", requestID)
		return false
	}

	select {
	case ch <- decision:
		return true
	default:
		// Handler already gone
		return false
	}
}

// Pending returns the IDs of requests currently awaiting a decision.
func (g *Gateway) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for id := range g.pending {
		out = append(out, id)
	}
	return out
}

func (g *Gateway) sendResponse(conn net.Conn, writeMu *sync.Mutex, requestID string, decision Decision) {
	env := Envelope{
		V:         ProtocolVersion,
		Type:      TypePermissionResponse,
		RequestID: requestID,
		Response:  &decision,
	}
	data, err := json.Marshal(env)
	if err != nil {
		g.log.Error("failed to marshal response", "error", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		g.log.Error("write error", "error", err)
	}
}

// Close shuts down the gateway, denies everything still pending, and
// removes the socket file.
func (g *Gateway) Close() error {
	g.log.Info("closing gateway")

	// Mark as closed BEFORE closing listener to signal the accept
	// loop to exit
	g.closedMu.Lock()
	g.closed = true
	g.closedMu.Unlock()

	// Deny pending requests so their handlers respond before the
	// connections drop
	g.mu.Lock()
	for id, ch := range g.pending {
		select {
		case ch <- Deny("gateway shutting down"):
		default:
		}
		delete(g.pending, id)
	}
	g.mu.Unlock()

	err := g.listener.Close()

	// Wait for the accept loop to finish so the socket file is not
	// removed while still in use
	g.wg.Wait()

	if removeErr := os.Remove(g.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		g.log.Warn("failed to remove socket file", "socketPath", g.socketPath, "error", removeErr)
	}

	return err
}
