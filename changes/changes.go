// Package changes reports the files an execution changed, from git.
//
// A snapshot has two views. Captured is what the execution committed on its
// branch relative to the base branch. Current is what is still uncommitted
// in its worktree.
package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// maxDiffBytes bounds the patch text kept per file.
const maxDiffBytes = 16 * 1024

// FileStatus is how a file changed.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
)

// FileChange is one changed file.
type FileChange struct {
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Binary    bool       `json:"binary,omitempty"`
	Diff      string     `json:"diff,omitempty"`
}

// Diff is a set of file changes between two points.
type Diff struct {
	// Range is the git revision range or "HEAD" for the worktree.
	Range     string       `json:"range"`
	Files     []FileChange `json:"files"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
}

// Snapshot is the change report for one execution.
type Snapshot struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Captured  *Diff  `json:"captured,omitempty"`
	Current   *Diff  `json:"current,omitempty"`
}

// Request identifies what to snapshot.
type Request struct {
	// WorktreePath is the execution's working directory. Empty means the
	// snapshotter's repository root.
	WorktreePath string
	// BaseBranch and Branch bound the captured diff.
	BaseBranch string
	Branch     string
	// IncludeDiff adds patch text per file.
	IncludeDiff bool
	// Paths are doublestar globs; only matching files are reported.
	Paths []string
}

// Snapshotter produces change snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context, req Request) (*Snapshot, error)
}

// GitSnapshotter builds snapshots by running git.
type GitSnapshotter struct {
	repoRoot string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGitSnapshotter creates a snapshotter for the repository at repoRoot.
func NewGitSnapshotter(repoRoot string, logger *slog.Logger) *GitSnapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitSnapshotter{
		repoRoot: repoRoot,
		timeout:  30 * time.Second,
		logger:   logger.With("component", "changes"),
	}
}

// ValidatePaths reports the first malformed glob.
func ValidatePaths(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid path pattern %q", p)
		}
	}
	return nil
}

// Snapshot implements Snapshotter. Problems with the repository or refs
// produce an unavailable snapshot with a reason rather than an error.
func (g *GitSnapshotter) Snapshot(ctx context.Context, req Request) (*Snapshot, error) {
	if err := ValidatePaths(req.Paths); err != nil {
		return nil, err
	}

	dir := req.WorktreePath
	if dir == "" {
		dir = g.repoRoot
	}
	if dir == "" {
		return &Snapshot{Reason: "execution has no worktree"}, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return &Snapshot{Reason: fmt.Sprintf("worktree %s is not accessible", dir)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if _, err := runGit(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return &Snapshot{Reason: fmt.Sprintf("%s is not a git repository", dir)}, nil
	}

	snap := &Snapshot{}
	if req.Branch != "" && req.BaseBranch != "" {
		rng := req.BaseBranch + "..." + req.Branch
		captured, err := g.diff(ctx, dir, []string{rng}, req)
		if err != nil {
			g.logger.Warn("Captured diff failed", "dir", dir, "range", rng, "error", err)
		} else {
			captured.Range = rng
			snap.Captured = captured
		}
	}

	current, err := g.diff(ctx, dir, []string{"HEAD"}, req)
	if err != nil {
		g.logger.Warn("Worktree diff failed", "dir", dir, "error", err)
	} else {
		current.Range = "HEAD"
		snap.Current = current
	}

	if snap.Captured == nil && snap.Current == nil {
		snap.Reason = "git could not compute a diff for " + dir
		return snap, nil
	}
	snap.Available = true
	return snap, nil
}

func (g *GitSnapshotter) diff(ctx context.Context, dir string, revs []string, req Request) (*Diff, error) {
	base := append([]string{"diff", "--no-renames", "--no-color"}, revs...)

	numstat, err := runGit(ctx, dir, append(slices.Clone(base), "--numstat", "-z")...)
	if err != nil {
		return nil, err
	}
	nameStatus, err := runGit(ctx, dir, append(slices.Clone(base), "--name-status", "-z")...)
	if err != nil {
		return nil, err
	}

	statuses := parseNameStatus(nameStatus)
	d := &Diff{Files: []FileChange{}}
	for _, fc := range parseNumstat(numstat) {
		if !matchesAny(req.Paths, fc.Path) {
			continue
		}
		fc.Status = statuses[fc.Path]
		if fc.Status == "" {
			fc.Status = StatusModified
		}
		if req.IncludeDiff {
			patch, err := runGit(ctx, dir, append(slices.Clone(base), "--", fc.Path)...)
			if err != nil {
				g.logger.Debug("Patch for file failed", "path", fc.Path, "error", err)
			} else {
				fc.Diff = truncatePatch(patch)
			}
		}
		d.Additions += fc.Additions
		d.Deletions += fc.Deletions
		d.Files = append(d.Files, fc)
	}
	return d, nil
}

// parseNumstat reads `git diff --numstat -z --no-renames` output:
// "<added>\t<deleted>\t<path>\0" per file, "-" counts for binaries.
func parseNumstat(out string) []FileChange {
	var files []FileChange
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fc := FileChange{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fc.Binary = true
		} else {
			fc.Additions, _ = strconv.Atoi(parts[0])
			fc.Deletions, _ = strconv.Atoi(parts[1])
		}
		files = append(files, fc)
	}
	return files
}

// parseNameStatus reads `git diff --name-status -z --no-renames` output:
// alternating status letter and path fields.
func parseNameStatus(out string) map[string]FileStatus {
	fields := strings.Split(out, "\x00")
	statuses := make(map[string]FileStatus, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		code, path := fields[i], fields[i+1]
		if code == "" || path == "" {
			continue
		}
		switch code[0] {
		case 'A':
			statuses[path] = StatusAdded
		case 'D':
			statuses[path] = StatusDeleted
		default:
			statuses[path] = StatusModified
		}
	}
	return statuses
}

func matchesAny(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func truncatePatch(patch string) string {
	if len(patch) <= maxDiffBytes {
		return patch
	}
	return patch[:maxDiffBytes] + "\n... (diff truncated)\n"
}

// runGit executes git in dir.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(output), nil
}
