// Package workspace provides the concrete tools CodePilot exposes to the
// model: path-confined file access, git operations via go-git, and shell
// execution with a timeout.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/RedClaus/codepilot/internal/tools"
)

// sensitivePaths are never readable or writable regardless of confinement.
var sensitivePaths = []*regexp.Regexp{
	regexp.MustCompile(`\.ssh/id_`),
	regexp.MustCompile(`\.ssh/authorized_keys`),
	regexp.MustCompile(`\.aws/credentials`),
	regexp.MustCompile(`\.kube/config`),
	regexp.MustCompile(`\.netrc`),
	regexp.MustCompile(`\.npmrc`),
	regexp.MustCompile(`\.pypirc`),
	regexp.MustCompile(`\.env$`),
	regexp.MustCompile(`\.env\.local$`),
	regexp.MustCompile(`credentials\.json$`),
	regexp.MustCompile(`secrets\.ya?ml$`),
}

// FileSystemTool reads, writes, lists, and searches files confined to the
// workspace root. Paths escaping the root are rejected.
type FileSystemTool struct {
	root        string
	maxFileSize int64
	maxResults  int
}

// FSOption configures the FileSystemTool.
type FSOption func(*FileSystemTool)

// WithMaxFileSize caps readable and writable file sizes.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FileSystemTool) { f.maxFileSize = size }
}

// NewFileSystemTool creates a filesystem tool rooted at root.
func NewFileSystemTool(root string, opts ...FSOption) (*FileSystemTool, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}

	f := &FileSystemTool{
		root:        abs,
		maxFileSize: 10 * 1024 * 1024, // 10MB
		maxResults:  200,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *FileSystemTool) Name() string { return "filesystem" }

func (f *FileSystemTool) Description() string {
	return "Read, write, list, and search files inside the workspace"
}

func (f *FileSystemTool) Operations() []tools.OperationSpec {
	return []tools.OperationSpec{
		{
			Name:        "read",
			Description: "Read a file's contents",
			Params: []tools.ParamSpec{
				{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
			},
			RiskHint: tools.RiskLow,
		},
		{
			Name:        "write",
			Description: "Write content to a file, creating parent directories as needed",
			Params: []tools.ParamSpec{
				{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
				{Name: "content", Type: "string", Description: "Full file content to write", Required: true},
			},
			RiskHint: tools.RiskMedium,
		},
		{
			Name:        "list",
			Description: "List directory entries",
			Params: []tools.ParamSpec{
				{Name: "path", Type: "string", Description: "Directory relative to the workspace root, defaults to the root"},
			},
			RiskHint: tools.RiskLow,
		},
		{
			Name:        "search",
			Description: "Search file contents for a substring, case-insensitive",
			Params: []tools.ParamSpec{
				{Name: "query", Type: "string", Description: "Text to search for", Required: true},
				{Name: "path", Type: "string", Description: "Directory to search, defaults to the root"},
			},
			RiskHint: tools.RiskLow,
		},
	}
}

func (f *FileSystemTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	switch inv.Operation {
	case "read":
		return f.read(inv)
	case "write":
		return f.write(inv)
	case "list":
		return f.list(inv)
	case "search":
		return f.search(ctx, inv)
	default:
		return &tools.Result{
			Status: tools.StatusError,
			Error:  fmt.Sprintf("unknown filesystem operation: %s", inv.Operation),
		}, nil
	}
}

// resolve confines a path to the workspace root.
func (f *FileSystemTool) resolve(path string) (string, error) {
	if path == "" {
		return f.root, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(f.root, resolved)
	}
	resolved = filepath.Clean(resolved)

	if resolved != f.root && !strings.HasPrefix(resolved, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", path)
	}
	for _, pattern := range sensitivePaths {
		if pattern.MatchString(resolved) {
			return "", fmt.Errorf("path is blocked: %s", path)
		}
	}
	return resolved, nil
}

func (f *FileSystemTool) read(inv *tools.Invocation) (*tools.Result, error) {
	path, err := f.resolve(inv.StringParam("path"))
	if err != nil {
		return errResult(err), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errResult(err), nil
	}
	if info.IsDir() {
		return errResult(fmt.Errorf("path is a directory: %s", path)), nil
	}
	if info.Size() > f.maxFileSize {
		return errResult(fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), f.maxFileSize)), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errResult(err), nil
	}

	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: string(content),
		Metadata: map[string]interface{}{
			"path": path,
			"size": info.Size(),
		},
	}, nil
}

func (f *FileSystemTool) write(inv *tools.Invocation) (*tools.Result, error) {
	path, err := f.resolve(inv.StringParam("path"))
	if err != nil {
		return errResult(err), nil
	}
	content := inv.StringParam("content")
	if int64(len(content)) > f.maxFileSize {
		return errResult(fmt.Errorf("content too large: %d bytes (max %d)", len(content), f.maxFileSize)), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errResult(fmt.Errorf("create directory: %w", err)), nil
	}

	// Back up an existing file so the write can be undone
	var undoToken string
	if prev, err := os.ReadFile(path); err == nil {
		backup := path + ".bak"
		if err := os.WriteFile(backup, prev, 0644); err != nil {
			return errResult(fmt.Errorf("create backup: %w", err)), nil
		}
		undoToken = backup
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errResult(err), nil
	}

	return &tools.Result{
		Status:    tools.StatusSuccess,
		Output:    fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		UndoToken: undoToken,
		Metadata: map[string]interface{}{
			"path":  path,
			"bytes": len(content),
			"lines": strings.Count(content, "\n") + 1,
		},
	}, nil
}

func (f *FileSystemTool) list(inv *tools.Invocation) (*tools.Result, error) {
	path, err := f.resolve(inv.StringParam("path"))
	if err != nil {
		return errResult(err), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return errResult(err), nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			sb.WriteString(entry.Name() + "/\n")
		} else {
			sb.WriteString(entry.Name() + "\n")
		}
	}

	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: strings.TrimRight(sb.String(), "\n"),
		Metadata: map[string]interface{}{
			"path":    path,
			"entries": len(entries),
		},
	}, nil
}

func (f *FileSystemTool) search(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	query := inv.StringParam("query")
	if query == "" {
		return errResult(fmt.Errorf("query parameter required")), nil
	}
	root, err := f.resolve(inv.StringParam("path"))
	if err != nil {
		return errResult(err), nil
	}

	lowerQuery := strings.ToLower(query)
	var matches []string

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > f.maxFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil || strings.ContainsRune(string(content), 0) {
			return nil // skip binary files
		}

		rel, _ := filepath.Rel(f.root, path)
		for i, line := range strings.Split(string(content), "\n") {
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= f.maxResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return &tools.Result{Status: tools.StatusCancelled, Error: ctx.Err().Error()}, nil
	}

	sort.Strings(matches)
	return &tools.Result{
		Status: tools.StatusSuccess,
		Output: strings.Join(matches, "\n"),
		Metadata: map[string]interface{}{
			"matches": len(matches),
			"query":   query,
		},
	}, nil
}

// Undo restores a file from the backup named by a write's undo token.
func (f *FileSystemTool) Undo(ctx context.Context, token string) error {
	if !strings.HasSuffix(token, ".bak") {
		return fmt.Errorf("not an undo token: %s", token)
	}
	backup, err := f.resolve(token)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	original := strings.TrimSuffix(backup, ".bak")
	if err := os.WriteFile(original, content, 0644); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return os.Remove(backup)
}

func errResult(err error) *tools.Result {
	return &tools.Result{Status: tools.StatusError, Error: err.Error()}
}
