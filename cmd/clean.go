package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmalloc/drover/internal/config"
	"github.com/jmalloc/drover/internal/execx"
	"github.com/jmalloc/drover/internal/logger"
	"github.com/jmalloc/drover/internal/store"
	"github.com/jmalloc/drover/internal/worktree"
)

var skipConfirm bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove orphaned worktrees and log files",
	Long: `Finds worktrees under each project's .drover-worktrees directory that
no longer belong to a known session and removes them, along with all
drover log files in /tmp.

Prompts for confirmation unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	ctx := context.Background()

	knownSessions := make(map[string]bool)
	if st, err := store.Open(cfg.DatabasePath()); err == nil {
		recs, err := st.ListSessions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error listing sessions: %v\n", err)
		}
		for _, rec := range recs {
			knownSessions[rec.ID] = true
		}
		st.Close()
	}

	var repoPaths []string
	for _, p := range cfg.Projects {
		repoPaths = append(repoPaths, p.Path)
	}

	wtm := worktree.NewManager(execx.NewRealExecutor())
	orphans := wtm.FindOrphaned(repoPaths, knownSessions)

	if len(orphans) == 0 {
		fmt.Println("No orphaned worktrees found.")
	} else {
		fmt.Printf("Found %d orphaned worktree(s):\n", len(orphans))
		for _, orphan := range orphans {
			fmt.Printf("  - %s\n", orphan.Path)
		}
	}
	fmt.Println("All drover log files in /tmp will be removed.")

	if !skipConfirm {
		if !confirm(input, "Continue?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	pruned := wtm.PruneOrphaned(ctx, orphans)

	logsCleared, err := logger.ClearLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
	}

	fmt.Println()
	fmt.Println("Cleaned:")
	if pruned > 0 {
		fmt.Printf("  - %d orphaned worktree(s) pruned\n", pruned)
	}
	if logsCleared > 0 {
		fmt.Printf("  - %d log file(s) removed\n", logsCleared)
	}
	if pruned == 0 && logsCleared == 0 {
		fmt.Println("  - nothing")
	}

	return nil
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Printf("%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
