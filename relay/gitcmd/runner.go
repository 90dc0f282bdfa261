// Package gitcmd wraps the installed git binary. The Runner interface is the
// seam between the relay's orchestration logic and the subprocess, so tests
// and callers can substitute a stub.
package gitcmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "gitcmd")

// Runner executes a single git invocation in a working directory with extra
// environment variables and returns trimmed stdout.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (string, error)
}

// CLI runs git through os/exec.
type CLI struct {
	exe string
}

// NewCLI resolves the git executable from PATH.
func NewCLI() (*CLI, error) {
	exe, err := exec.LookPath("git")
	if err != nil {
		return nil, errors.Wrap(err, "git executable not found in PATH")
	}
	return &CLI{exe: exe}, nil
}

// Run executes git with the given arguments. On failure the error carries
// the command line and the subprocess stderr.
func (c *CLI) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.exe, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithFields(logrus.Fields{
		"args": strings.Join(args, " "),
		"dir":  dir,
	}).Debug("Running git")
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
