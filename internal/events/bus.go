package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "drover_events"

// Event types used as the last subject token.
const (
	EventTypeStatus     = "status"
	EventTypeOutput     = "output"
	EventTypeTerminal   = "terminal"
	EventTypePermission = "permission"
	EventTypeExit       = "exit"
	EventTypeJob        = "job"
	EventTypeWarning    = "warning"
)

// SubjectForSession returns the wildcard subject for all events in a session.
// Example: "drover.session.abc123.>"
func SubjectForSession(sessionID string) string {
	return fmt.Sprintf("drover.session.%s.>", sessionID)
}

// SubjectForEvent returns the subject for one event type in a session.
// Example: "drover.session.abc123.status"
func SubjectForEvent(sessionID, eventType string) string {
	return fmt.Sprintf("drover.session.%s.%s", sessionID, eventType)
}

// SubjectForJob returns the subject for creation job state changes.
func SubjectForJob(jobID string) string {
	return fmt.Sprintf("drover.jobs.%s", jobID)
}

// SubjectWarnings is the subject for process-wide warnings.
const SubjectWarnings = "drover.warnings"

// StatusChanged is published when a session's status transitions.
type StatusChanged struct {
	SessionID string    `json:"sessionId"`
	OldStatus string    `json:"oldStatus"`
	NewStatus string    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentOutput is published for each message the agent process emits.
type AgentOutput struct {
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"` // "assistant", "user", "system", "result"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TerminalOutput is published for raw bytes read from a session's shell.
type TerminalOutput struct {
	SessionID string    `json:"sessionId"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// PermissionRequested is published when the agent asks to use a tool.
type PermissionRequested struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AgentExited is published when a session's agent process exits. Either
// ExitCode is set or, for signal deaths, Signal names the signal.
type AgentExited struct {
	SessionID  string    `json:"sessionId"`
	ExitCode   int       `json:"exitCode"`
	Signal     string    `json:"signal,omitempty"`
	Restarting bool      `json:"restarting"`
	Timestamp  time.Time `json:"timestamp"`
}

// JobStateChanged is published when a creation job transitions state.
type JobStateChanged struct {
	JobID     string    `json:"jobId"`
	SessionID string    `json:"sessionId,omitempty"`
	State     string    `json:"state"` // waiting, active, completed, failed
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Warning is published on the process-wide warnings subject, e.g. when
// shell teardown leaves surviving processes behind.
type Warning struct {
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
	Pids      []int     `json:"pids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the process-wide event bus. It owns the embedded server, the
// in-process connection, and the JetStream stream.
type Bus struct {
	ns *server.Server
	nc *nats.Conn
	js jetstream.JetStream
}

// NewBus starts an embedded server in dataDir and sets up the event stream.
func NewBus(ctx context.Context, dataDir string) (*Bus, error) {
	ns, err := StartEmbeddedServer(dataDir)
	if err != nil {
		return nil, err
	}

	nc, err := ConnectInProcess(ns)
	if err != nil {
		ns.Shutdown()
		return nil, err
	}

	js, err := CreateJetStream(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, err
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"drover.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("creating event stream: %w", err)
	}

	return &Bus{ns: ns, nc: nc, js: js}, nil
}

// Conn exposes the underlying connection for subscribers.
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}

func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	return b.nc.Publish(subject, data)
}

// PublishStatus publishes a session status transition.
func (b *Bus) PublishStatus(e StatusChanged) error {
	return b.publish(SubjectForEvent(e.SessionID, EventTypeStatus), e)
}

// PublishAgentOutput publishes a single agent message.
func (b *Bus) PublishAgentOutput(e AgentOutput) error {
	return b.publish(SubjectForEvent(e.SessionID, EventTypeOutput), e)
}

// PublishTerminalOutput publishes raw shell output.
func (b *Bus) PublishTerminalOutput(e TerminalOutput) error {
	return b.publish(SubjectForEvent(e.SessionID, EventTypeTerminal), e)
}

// PublishPermissionRequested publishes a pending tool permission request.
func (b *Bus) PublishPermissionRequested(e PermissionRequested) error {
	return b.publish(SubjectForEvent(e.SessionID, EventTypePermission), e)
}

// PublishAgentExit publishes an agent process exit.
func (b *Bus) PublishAgentExit(e AgentExited) error {
	return b.publish(SubjectForEvent(e.SessionID, EventTypeExit), e)
}

// PublishJobState publishes a creation job transition.
func (b *Bus) PublishJobState(e JobStateChanged) error {
	return b.publish(SubjectForJob(e.JobID), e)
}

// PublishWarning publishes a process-wide warning.
func (b *Bus) PublishWarning(e Warning) error {
	return b.publish(SubjectWarnings, e)
}

// SubscribeSession delivers every event for one session to handler until
// the returned subscription is unsubscribed.
func (b *Bus) SubscribeSession(sessionID string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return b.nc.Subscribe(SubjectForSession(sessionID), func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// SubscribeWarnings delivers process-wide warnings to handler.
func (b *Bus) SubscribeWarnings(handler func(Warning)) (*nats.Subscription, error) {
	return b.nc.Subscribe(SubjectWarnings, func(msg *nats.Msg) {
		var w Warning
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return
		}
		handler(w)
	})
}

// Close shuts the bus down, draining the connection first.
func (b *Bus) Close() error {
	return Shutdown(b.nc, b.ns)
}
