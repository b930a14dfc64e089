package worktree

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmalloc/drover/internal/errors"
)

// EmptyTreeHash is git's well-known empty tree object. Diffing against
// it shows a root commit's full content.
const EmptyTreeHash = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// logFieldSep and logRecordSep are unit/record separators used in the
// git log format string so commit messages with newlines parse cleanly.
const (
	logFieldSep  = "\x1f"
	logRecordSep = "\x1e"
)

// Commit is one session commit. Sequence is 1-based, newest first: the
// most recent commit is 1, and larger sequences are older. Sequence 0
// is reserved for uncommitted changes.
type Commit struct {
	Sequence  int
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
	// FilesChanged, Insertions, Deletions summarize the commit's diff.
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Commits returns the session's commits (those not on the base branch)
// newest first, with sequence numbers assigned. A limit of zero returns
// them all; a positive limit returns only the newest limit commits.
func (m *Manager) Commits(ctx context.Context, wt *Worktree, limit int) ([]Commit, error) {
	main := m.DetectMainBranch(ctx, wt.RepoPath)

	format := strings.Join([]string{"%H", "%an", "%at", "%B"}, logFieldSep) + logRecordSep
	args := []string{"log", "--format=" + format, "--shortstat"}
	if limit > 0 {
		args = append(args, "--max-count", strconv.Itoa(limit))
	}
	args = append(args, fmt.Sprintf("%s..HEAD", main))
	output, err := m.exec.Output(ctx, wt.Path, "git", args...)
	if err != nil {
		return nil, errors.NewGitError(
			fmt.Sprintf("git log %s..HEAD", main), wt.Path, output, err)
	}

	commits := parseLog(string(output))
	for i := range commits {
		commits[i].Sequence = i + 1
	}
	return commits, nil
}

// parseLog splits record-separated log output into commits. Shortstat
// text for a commit appears after its record separator, so each record
// may begin with the previous commit's stat line.
func parseLog(output string) []Commit {
	var commits []Commit

	for _, record := range strings.Split(output, logRecordSep) {
		idx := strings.Index(record, logFieldSep)
		if idx < 0 {
			// Stat-only record: trailing shortstat for the last commit.
			if stat := strings.TrimSpace(record); stat != "" && len(commits) > 0 {
				applyShortstat(&commits[len(commits)-1], stat)
			}
			continue
		}

		// The hash starts after the last newline preceding the first
		// field separator; anything before that is the previous
		// commit's shortstat.
		fieldsStart := 0
		if nl := strings.LastIndex(record[:idx], "\n"); nl >= 0 {
			if stat := strings.TrimSpace(record[:nl]); stat != "" && len(commits) > 0 {
				applyShortstat(&commits[len(commits)-1], stat)
			}
			fieldsStart = nl + 1
		}

		fields := strings.SplitN(record[fieldsStart:], logFieldSep, 4)
		if len(fields) != 4 {
			continue
		}

		ts, _ := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		commits = append(commits, Commit{
			Hash:      strings.TrimSpace(fields[0]),
			Author:    fields[1],
			Timestamp: time.Unix(ts, 0),
			Message:   strings.TrimSpace(fields[3]),
		})
	}
	return commits
}

// applyShortstat parses a line like
// " 3 files changed, 10 insertions(+), 2 deletions(-)".
func applyShortstat(c *Commit, line string) {
	for _, part := range strings.Split(line, ",") {
		fields := strings.Fields(part)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			c.FilesChanged = n
		case strings.HasPrefix(fields[1], "insertion"):
			c.Insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			c.Deletions = n
		}
	}
}

// ParentOf returns the parent hash of a commit. Root commits diff
// against the empty tree instead of a parent.
func (m *Manager) ParentOf(ctx context.Context, wt *Worktree, hash string) string {
	output, err := m.exec.Output(ctx, wt.Path, "git", "rev-parse", hash+"^")
	if err != nil {
		return EmptyTreeHash
	}
	return strings.TrimSpace(string(output))
}

// CombinedDiff returns a unified diff for the selected commits.
//
// Selection uses sequence numbers as assigned by Commits: 1 is the
// newest commit, higher numbers are older, and 0 means uncommitted
// changes in the working tree.
//
//	nothing selected   -> everything the session produced: from the
//	                      oldest session commit's parent to the working tree
//	only 0 selected    -> uncommitted changes only
//	commit and 0       -> from that commit to the working tree
//	two commits        -> from the older commit's parent to the newer commit
//	more than two      -> collapsed to the range oldest..newest selected
func (m *Manager) CombinedDiff(ctx context.Context, wt *Worktree, selected []int) (string, error) {
	commits, err := m.Commits(ctx, wt, 0)
	if err != nil {
		return "", err
	}

	bySeq := make(map[int]Commit, len(commits))
	for _, c := range commits {
		bySeq[c.Sequence] = c
	}

	// Validate selection before interpreting it.
	for _, seq := range selected {
		if seq == 0 {
			continue
		}
		if _, ok := bySeq[seq]; !ok {
			return "", errors.E(errors.Op("worktree.CombinedDiff"), errors.KindInvalid,
				fmt.Sprintf("no commit with sequence %d", seq))
		}
	}

	switch len(selected) {
	case 0:
		// Everything: oldest commit's parent through the working tree.
		if len(commits) == 0 {
			return m.diff(ctx, wt, "HEAD")
		}
		oldest := commits[len(commits)-1]
		return m.diff(ctx, wt, m.ParentOf(ctx, wt, oldest.Hash))

	case 1:
		seq := selected[0]
		if seq == 0 {
			// Uncommitted changes only.
			return m.diff(ctx, wt, "HEAD")
		}
		c := bySeq[seq]
		return m.diff(ctx, wt, m.ParentOf(ctx, wt, c.Hash), c.Hash)

	default:
		// Collapse to the extremes. Larger sequence = older, and 0
		// (the working tree) is newest of all.
		hasZero := false
		minSeq, maxSeq := 0, 0
		for _, seq := range selected {
			if seq == 0 {
				hasZero = true
				continue
			}
			if minSeq == 0 || seq < minSeq {
				minSeq = seq
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}

		if maxSeq == 0 {
			// Only zeros selected
			return m.diff(ctx, wt, "HEAD")
		}

		oldest := bySeq[maxSeq]
		if hasZero {
			// From the selected commit range through the working tree.
			return m.diff(ctx, wt, oldest.Hash)
		}

		newest := bySeq[minSeq]
		if minSeq == maxSeq {
			return m.diff(ctx, wt, m.ParentOf(ctx, wt, oldest.Hash), oldest.Hash)
		}
		return m.diff(ctx, wt, m.ParentOf(ctx, wt, oldest.Hash), newest.Hash)
	}
}

// diff runs git diff with the given refs, returning the raw patch.
func (m *Manager) diff(ctx context.Context, wt *Worktree, refs ...string) (string, error) {
	args := append([]string{"diff"}, refs...)
	output, err := m.exec.Output(ctx, wt.Path, "git", args...)
	if err != nil {
		return "", errors.NewGitError("git "+strings.Join(args, " "), wt.Path, output, err)
	}
	return string(output), nil
}
