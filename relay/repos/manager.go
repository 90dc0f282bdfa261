// Package repos manages the relay's working copies of remote repositories
// and serializes all git work per remote: operations against the same
// "owner/repo" run one at a time in request order, distinct remotes run
// concurrently.
package repos

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awrlabs/relay/io/file"
	"github.com/awrlabs/relay/relay/apierror"
	"github.com/awrlabs/relay/relay/gitcmd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("prefix", "repos")

// Manager clones or refreshes working copies under its root directory.
type Manager struct {
	root   string
	pat    string
	runner gitcmd.Runner

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewManager builds a Manager rooted at dir, embedding the access token into
// every remote URL it constructs.
func NewManager(dir, pat string, runner gitcmd.Runner) *Manager {
	return &Manager{
		root:   dir,
		pat:    pat,
		runner: runner,
		locks:  make(map[string]*semaphore.Weighted),
	}
}

// ParseRepo splits "owner/repo" and rejects anything that is not exactly two
// path-safe segments.
func ParseRepo(full string) (owner, repo string, err error) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierror.InvalidInput("repo must be owner/repo, got %q", full)
	}
	for _, p := range parts {
		if strings.ContainsAny(p, `\:*?"<>|`) || p == "." || p == ".." {
			return "", "", apierror.InvalidInput("repo contains invalid characters: %q", full)
		}
	}
	return parts[0], parts[1], nil
}

// RemoteURL returns the HTTPS remote with the access token embedded.
func (m *Manager) RemoteURL(owner, repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", m.pat, owner, repo)
}

// WithLock runs fn while holding the FIFO lock for the repo key. The lock is
// released on every exit path, panics included.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	lock := m.lockFor(key)
	if err := lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.Release(1)
	return fn()
}

func (m *Manager) lockFor(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = semaphore.NewWeighted(1)
		m.locks[key] = lock
	}
	return lock
}

// Prepare returns a working directory whose local branch sits exactly on the
// remote base branch tip: clone on first sight, fetch afterwards, then a
// forced checkout that discards any prior local state of the branch.
func (m *Manager) Prepare(ctx context.Context, owner, repo, branch, baseBranch string) (string, error) {
	ownerDir := filepath.Join(m.root, owner)
	repoDir := filepath.Join(ownerDir, repo)

	if !file.DirExists(filepath.Join(repoDir, ".git")) {
		if err := file.MkdirAll(ownerDir); err != nil {
			return "", apierror.GitError("clone", err)
		}
		log.WithFields(logrus.Fields{"owner": owner, "repo": repo}).Info("Cloning repository")
		if _, err := m.runner.Run(ctx, ownerDir, nil, "clone", m.RemoteURL(owner, repo), repo); err != nil {
			return "", apierror.GitError("clone", err)
		}
	} else {
		if _, err := m.runner.Run(ctx, repoDir, nil, "fetch", "origin"); err != nil {
			return "", apierror.GitError("fetch", err)
		}
	}

	if _, err := m.runner.Run(ctx, repoDir, nil, "checkout", "-B", branch, "origin/"+baseBranch); err != nil {
		return "", apierror.GitError("checkout", err)
	}
	return repoDir, nil
}
