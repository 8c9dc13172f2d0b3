// Package traversal walks a workspace source root honoring .gitignore
// dialect ignore rules, per SPEC_FULL §4.10.
package traversal

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/monochromegane/go-gitignore"
)

// Behavior selects how .gitignore files and workspace patterns combine.
type Behavior string

const (
	BehaviorNone      Behavior = "none"
	BehaviorRepo      Behavior = "repo"
	BehaviorWorkspace Behavior = "workspace"
	BehaviorCombined  Behavior = "combined"
)

// File is one yielded regular file.
type File struct {
	Absolute string
	Relative string
}

// Options configures a Walker.
type Options struct {
	Root             string
	Behavior         Behavior
	WorkspacePattern []string
	Scope            []string
	FollowSymlinks   bool
}

// Walker traverses Root and yields files not excluded by the configured
// ignore behavior.
type Walker struct {
	opts         Options
	workspaceSpec gitignore.IgnoreMatcher
}

// New constructs a Walker. The workspace pattern list, if any, is compiled
// once up front.
func New(opts Options) (*Walker, error) {
	w := &Walker{opts: opts}
	if (opts.Behavior == BehaviorWorkspace || opts.Behavior == BehaviorCombined) && len(opts.WorkspacePattern) > 0 {
		w.workspaceSpec = gitignore.NewGitIgnoreFromReader(opts.Root, strings.NewReader(strings.Join(opts.WorkspacePattern, "\n")))
	}
	return w, nil
}

func (w *Walker) usesRepoIgnore() bool {
	return w.opts.Behavior == BehaviorRepo || w.opts.Behavior == BehaviorCombined
}

// Walk runs fn for every regular file discovered under Root, restricted to
// Scope when non-empty. Permission errors on a directory are skipped
// silently; all other errors abort the walk.
func (w *Walker) Walk(fn func(File) error) error {
	root, err := filepath.Abs(w.opts.Root)
	if err != nil {
		return err
	}

	roots := []string{root}
	if len(w.opts.Scope) > 0 {
		roots = roots[:0]
		for _, scope := range w.opts.Scope {
			abs, err := filepath.Abs(filepath.Join(root, scope))
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(root, abs)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			roots = append(roots, abs)
		}
		if len(roots) == 0 {
			return nil
		}
	}
	sort.Strings(roots)

	for _, start := range roots {
		if err := w.walkOne(root, start, nil, fn); err != nil {
			return err
		}
	}
	return nil
}

// walkOne recurses from dir, maintaining stack as the list of compiled
// .gitignore matchers from root down to dir itself (when usesRepoIgnore);
// dir's own .gitignore is pushed before its entries are matched.
func (w *Walker) walkOne(root, dir string, stack []gitignore.IgnoreMatcher, fn func(File) error) error {
	if w.usesRepoIgnore() {
		if spec, err := loadGitignore(dir); err == nil && spec != nil {
			stack = append(stack, spec)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsPermission(err) {
			return nil
		}
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(root, full)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			if !w.opts.FollowSymlinks {
				continue
			}
			info, statErr := os.Stat(full)
			if statErr != nil {
				continue
			}
			isDir = info.IsDir()
		}

		if w.ignored(rel, isDir, stack) {
			continue
		}

		if isDir {
			if err := w.walkOne(root, full, stack, fn); err != nil {
				return err
			}
			continue
		}

		if entry.Type()&os.ModeSymlink == 0 {
			if info, err := entry.Info(); err != nil || !info.Mode().IsRegular() {
				continue
			}
		}

		if err := fn(File{Absolute: full, Relative: rel}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) ignored(rel string, isDir bool, stack []gitignore.IgnoreMatcher) bool {
	candidate := rel
	if isDir {
		candidate = rel + "/"
	}
	if w.workspaceSpec != nil && w.workspaceSpec.Match(candidate, isDir) {
		return true
	}
	for _, spec := range stack {
		if spec.Match(candidate, isDir) {
			return true
		}
	}
	return false
}

func loadGitignore(dir string) (gitignore.IgnoreMatcher, error) {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return gitignore.NewGitIgnore(path)
}
