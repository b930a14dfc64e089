package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jmalloc/drover/internal/approval"
	"github.com/jmalloc/drover/internal/logger"
)

var (
	approvalSocketPath string
	approvalSessionID  string
)

// approvalServerCmd is the subprocess the agent CLI spawns for its
// permission prompt tool. It speaks MCP on stdio and relays every
// request to the orchestrator over the session's gateway socket.
var approvalServerCmd = &cobra.Command{
	Use:    "approval-server",
	Hidden: true,
	Short:  "MCP permission bridge (launched by the agent, not by hand)",
	RunE:   runApprovalServer,
}

func init() {
	approvalServerCmd.Flags().StringVar(&approvalSocketPath, "socket", "", "Gateway unix socket path")
	approvalServerCmd.Flags().StringVar(&approvalSessionID, "session-id", "", "Session ID")
	approvalServerCmd.MarkFlagRequired("socket")
	rootCmd.AddCommand(approvalServerCmd)
}

// permissionResult is the payload the agent CLI expects back from its
// permission prompt tool, serialized as the tool's text content.
type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func runApprovalServer(cmd *cobra.Command, args []string) error {
	if approvalSessionID != "" {
		if err := logger.Init(logger.ApprovalLogPath(approvalSessionID)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	defer logger.Close()

	client, err := approval.NewClient(approvalSocketPath)
	if err != nil {
		return fmt.Errorf("connecting to gateway socket: %w", err)
	}
	defer client.Close()

	logger.Info("approval server connected to %s", approvalSocketPath)

	s := server.NewMCPServer(
		"drover",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("permission",
			mcp.WithDescription("Ask the user whether a tool may run"),
			mcp.WithString("tool_name", mcp.Required(),
				mcp.Description("Name of the tool the agent wants to use"),
			),
			mcp.WithObject("input",
				mcp.Description("The tool's proposed input"),
			),
		),
		handlePermission(client),
	)

	return server.ServeStdio(s)
}

// handlePermission relays one permission prompt through the gateway.
// Every failure path denies: the agent must never act on silence.
func handlePermission(client *approval.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		toolName, _ := args["tool_name"].(string)
		if toolName == "" {
			return denyResult("permission request missing tool_name"), nil
		}

		var input json.RawMessage
		if raw, ok := args["input"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return denyResult("permission request input is not serializable"), nil
			}
			input = data
		}

		requestID := uuid.NewString()
		logger.Info("relaying permission request %s for tool %s", requestID, toolName)

		decision, err := client.RequestPermission(requestID, approvalSessionID, toolName, input)
		if err != nil {
			logger.Error("gateway communication failed: %v", err)
			return denyResult("communication error with orchestrator"), nil
		}

		result := permissionResult{
			Behavior:     decision.Behavior,
			UpdatedInput: decision.UpdatedInput,
			Message:      decision.Message,
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return denyResult("failed to encode decision"), nil
		}

		logger.Info("permission request %s resolved: %s", requestID, decision.Behavior)
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func denyResult(message string) *mcp.CallToolResult {
	payload, _ := json.Marshal(permissionResult{
		Behavior: approval.BehaviorDeny,
		Message:  message,
	})
	return mcp.NewToolResultText(string(payload))
}
