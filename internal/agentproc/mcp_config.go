package agentproc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// mcpServerEntry is one server definition in the agent's MCP config.
type mcpServerEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// WriteMCPConfig writes the MCP config file that points the agent's
// permission prompts at our approval-server subcommand. The subprocess
// connects back to the session's gateway socket. Returns the config
// file path.
func WriteMCPConfig(sessionID, socketPath string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		// Fall back to PATH lookup by the agent
		self = "drover"
	}

	cfg := mcpConfig{
		MCPServers: map[string]mcpServerEntry{
			"drover": {
				Command: self,
				Args: []string{
					"approval-server",
					"--socket", socketPath,
					"--session-id", sessionID,
				},
			},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling MCP config: %w", err)
	}

	shortID := sessionID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}
	path := filepath.Join(os.TempDir(), "drover-mcp-"+shortID+".json")

	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing MCP config: %w", err)
	}
	return path, nil
}

// RemoveMCPConfig deletes a config file written by WriteMCPConfig.
func RemoveMCPConfig(path string) {
	if path == "" {
		return
	}
	os.Remove(path)
}
