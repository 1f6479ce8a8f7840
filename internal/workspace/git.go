package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/RedClaus/codepilot/internal/tools"
)

// GitTool exposes repository operations through go-git. No git binary is
// required.
type GitTool struct {
	root        string
	authorName  string
	authorEmail string
	maxLog      int
}

// GitOption configures the GitTool.
type GitOption func(*GitTool)

// WithAuthor sets the commit author identity.
func WithAuthor(name, email string) GitOption {
	return func(g *GitTool) {
		g.authorName = name
		g.authorEmail = email
	}
}

// NewGitTool creates a git tool for the repository at root.
func NewGitTool(root string, opts ...GitOption) *GitTool {
	g := &GitTool{
		root:        root,
		authorName:  "codepilot",
		authorEmail: "codepilot@localhost",
		maxLog:      20,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GitTool) Name() string { return "git" }

func (g *GitTool) Description() string {
	return "Inspect and commit to the workspace git repository"
}

func (g *GitTool) Operations() []tools.OperationSpec {
	return []tools.OperationSpec{
		{
			Name:        "status",
			Description: "Show modified, added, and untracked files",
			RiskHint:    tools.RiskLow,
		},
		{
			Name:        "log",
			Description: "Show recent commits",
			Params: []tools.ParamSpec{
				{Name: "limit", Type: "number", Description: "Maximum commits to show, default 20"},
			},
			RiskHint: tools.RiskLow,
		},
		{
			Name:        "diff",
			Description: "Show a change stat for a commit against its parent, default HEAD",
			Params: []tools.ParamSpec{
				{Name: "commit", Type: "string", Description: "Commit hash, defaults to HEAD"},
			},
			RiskHint: tools.RiskLow,
		},
		{
			Name:        "commit",
			Description: "Stage all changes and commit them",
			Params: []tools.ParamSpec{
				{Name: "message", Type: "string", Description: "Commit message", Required: true},
			},
			RiskHint: tools.RiskMedium,
		},
	}
}

func (g *GitTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	repo, err := git.PlainOpen(g.root)
	if err != nil {
		return errResult(fmt.Errorf("open repository: %w", err)), nil
	}

	switch inv.Operation {
	case "status":
		return g.status(repo)
	case "log":
		return g.log(repo, inv)
	case "diff":
		return g.diff(repo, inv)
	case "commit":
		return g.commit(repo, inv)
	default:
		return &tools.Result{
			Status: tools.StatusError,
			Error:  fmt.Sprintf("unknown git operation: %s", inv.Operation),
		}, nil
	}
}

func (g *GitTool) status(repo *git.Repository) (*tools.Result, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return errResult(fmt.Errorf("worktree: %w", err)), nil
	}
	status, err := worktree.Status()
	if err != nil {
		return errResult(fmt.Errorf("status: %w", err)), nil
	}

	if status.IsClean() {
		return &tools.Result{
			Status: tools.StatusSuccess,
			Output: "working tree clean",
		}, nil
	}

	var sb strings.Builder
	changed := 0
	for path, st := range status {
		sb.WriteString(fmt.Sprintf("%c%c %s\n", st.Staging, st.Worktree, path))
		changed++
	}

	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: strings.TrimRight(sb.String(), "\n"),
		Metadata: map[string]interface{}{
			"changed": changed,
		},
	}, nil
}

func (g *GitTool) log(repo *git.Repository, inv *tools.Invocation) (*tools.Result, error) {
	limit := g.maxLog
	if v, ok := inv.Params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return errResult(fmt.Errorf("log: %w", err)), nil
	}
	defer iter.Close()

	var sb strings.Builder
	count := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if count >= limit {
			return storer.ErrStop
		}
		subject := strings.SplitN(c.Message, "\n", 2)[0]
		sb.WriteString(fmt.Sprintf("%s %s %s %s\n",
			c.Hash.String()[:8],
			c.Author.When.Format("2006-01-02"),
			c.Author.Name,
			subject,
		))
		count++
		return nil
	})
	if err != nil && err != storer.ErrStop {
		return errResult(fmt.Errorf("iterate log: %w", err)), nil
	}

	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: strings.TrimRight(sb.String(), "\n"),
		Metadata: map[string]interface{}{
			"commits": count,
		},
	}, nil
}

func (g *GitTool) diff(repo *git.Repository, inv *tools.Invocation) (*tools.Result, error) {
	commit, err := g.resolveCommit(repo, inv.StringParam("commit"))
	if err != nil {
		return errResult(err), nil
	}

	if commit.NumParents() == 0 {
		return &tools.Result{
			Status: tools.StatusSuccess,
			Output: fmt.Sprintf("%s is the root commit, nothing to diff against", commit.Hash.String()[:8]),
		}, nil
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return errResult(fmt.Errorf("parent commit: %w", err)), nil
	}
	patch, err := parent.Patch(commit)
	if err != nil {
		return errResult(fmt.Errorf("patch: %w", err)), nil
	}

	var sb strings.Builder
	additions, deletions := 0, 0
	for _, stat := range patch.Stats() {
		sb.WriteString(fmt.Sprintf("%s | +%d -%d\n", stat.Name, stat.Addition, stat.Deletion))
		additions += stat.Addition
		deletions += stat.Deletion
	}
	sb.WriteString(fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)",
		len(patch.Stats()), additions, deletions))

	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: sb.String(),
		Metadata: map[string]interface{}{
			"commit":    commit.Hash.String(),
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

func (g *GitTool) commit(repo *git.Repository, inv *tools.Invocation) (*tools.Result, error) {
	message := inv.StringParam("message")
	if strings.TrimSpace(message) == "" {
		return errResult(fmt.Errorf("message parameter required")), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return errResult(fmt.Errorf("worktree: %w", err)), nil
	}

	// Remember the current HEAD so the commit can be undone with a reset
	var undoToken string
	if head, err := repo.Head(); err == nil {
		undoToken = head.Hash().String()
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return errResult(fmt.Errorf("stage changes: %w", err)), nil
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.authorName,
			Email: g.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return errResult(fmt.Errorf("commit: %w", err)), nil
	}

	return &tools.Result{
		Status:    tools.StatusSuccess,
		Output:    fmt.Sprintf("committed %s", hash.String()[:8]),
		UndoToken: undoToken,
		Metadata: map[string]interface{}{
			"hash": hash.String(),
		},
	}, nil
}

// Undo moves the branch back to the commit named by a commit's undo token.
// The working tree is left intact.
func (g *GitTool) Undo(ctx context.Context, token string) error {
	if !plumbing.IsHash(token) {
		return fmt.Errorf("not an undo token: %s", token)
	}
	repo, err := git.PlainOpen(g.root)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	return worktree.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(token),
		Mode:   git.MixedReset,
	})
}

func (g *GitTool) resolveCommit(repo *git.Repository, ref string) (*object.Commit, error) {
	if ref == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		return repo.CommitObject(head.Hash())
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return repo.CommitObject(*hash)
}
