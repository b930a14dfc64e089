package agentproc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stream message types emitted by the agent CLI.
const (
	msgTypeSystem    = "system"
	msgTypeAssistant = "assistant"
	msgTypeUser      = "user"
	msgTypeResult    = "result"

	subtypeInit = "init"
)

// streamMessage is one line of the agent's stream-json output. Only the
// fields we act on are declared; unknown fields are ignored.
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Message   struct {
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`
}

// contentBlock is one element of an assistant message's content array.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// parseStreamMessage parses one line of stream-json output.
func parseStreamMessage(line string) (*streamMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty line")
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("parsing stream message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("stream message missing type")
	}
	return &msg, nil
}

// extractText flattens a message's content into display text. The
// content field is either a plain string or an array of typed blocks;
// tool_use blocks are rendered as a one-line summary.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[tool: %s]", b.Name))
		case "tool_result":
			// Tool results echo back through user messages; skip them
			// to avoid duplicating output in the transcript.
		}
	}
	return strings.Join(parts, "\n")
}

// buildUserMessage encodes a prompt as a stream-json user message for
// the agent's stdin. The trailing newline terminates the frame.
func buildUserMessage(prompt string) ([]byte, error) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
