// Package gitcheckout is the applyengine.Checkout implementation for a
// real multi-repo working tree: it shells out to git via os/exec, with
// captured combined output and a typed GitError wrapping the command and
// its output.
package gitcheckout

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// GitError wraps a failed git invocation with the command line and its
// combined output.
type GitError struct {
	Dir    string
	Args   []string
	Output string
	Cause  error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s (in %s) failed: %v: %s", strings.Join(e.Args, " "), e.Dir, e.Cause, strings.TrimSpace(e.Output))
}

func (e *GitError) Unwrap() error { return e.Cause }

// Checkout is a git-backed applyengine.Checkout: a fixed project→repo-path
// map, with HeadSHA/ResetHard implemented by running git directly against
// the path.
type Checkout struct {
	mu    sync.RWMutex
	paths map[string]string
}

// New returns a Checkout over the given project→absolute-path map. The map
// is copied; later calls to SetProjectPath add to it.
func New(paths map[string]string) *Checkout {
	c := &Checkout{paths: map[string]string{}}
	for k, v := range paths {
		c.paths[k] = v
	}
	return c
}

// SetProjectPath registers (or replaces) the local path backing project.
func (c *Checkout) SetProjectPath(project, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[project] = path
}

// RepoPath implements applyengine.Checkout.
func (c *Checkout) RepoPath(project string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.paths[project]
	return path, ok
}

// HeadSHA implements applyengine.Checkout: `git rev-parse HEAD`.
func (c *Checkout) HeadSHA(ctx context.Context, path string) (string, error) {
	out, err := run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResetHard implements applyengine.Checkout: `git reset --hard <sha>`,
// discarding whatever the run applied at path since the transaction
// started.
func (c *Checkout) ResetHard(ctx context.Context, path, sha string) error {
	_, err := run(ctx, path, "reset", "--hard", sha)
	return err
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", &GitError{Dir: dir, Args: args, Output: buf.String(), Cause: err}
	}
	return buf.String(), nil
}
