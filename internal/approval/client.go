package approval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client connects to the orchestrator's gateway socket. It is used by
// the approval-server subprocess launched for each agent.
type Client struct {
	socketPath string
	conn       net.Conn
	reader     *bufio.Reader
}

// NewClient connects to the gateway at socketPath.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		socketPath: socketPath,
		conn:       conn,
		reader:     bufio.NewReader(conn),
	}, nil
}

// RequestPermission sends a permission request and blocks until the
// gateway answers. Callers treat any returned error as a denial.
func (c *Client) RequestPermission(requestID, sessionID, toolName string, input json.RawMessage) (Decision, error) {
	env := Envelope{
		V:         ProtocolVersion,
		Type:      TypePermissionRequest,
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return Decision{}, err
	}

	c.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return Decision{}, fmt.Errorf("write permission request: %w", err)
	}

	// No read deadline: the user may take a long time to answer. The
	// gateway's own timeout produces a denial before this blocks forever.
	c.conn.SetReadDeadline(time.Time{})
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return Decision{}, fmt.Errorf("read permission response: %w", err)
	}

	var resp Envelope
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Decision{}, err
	}

	if resp.Type != TypePermissionResponse || resp.Response == nil {
		return Decision{}, fmt.Errorf("expected permission response, got %q", resp.Type)
	}
	if resp.RequestID != requestID {
		return Decision{}, fmt.Errorf("response for wrong request: got %q, want %q", resp.RequestID, requestID)
	}

	return *resp.Response, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
