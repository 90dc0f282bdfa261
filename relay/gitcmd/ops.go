package gitcmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/awrlabs/relay/relay/apierror"
	"github.com/pkg/errors"
)

// ApplyPatch applies an mbox-formatted patch series onto the working tree.
// On failure the in-progress am is aborted so the working copy stays clean.
func ApplyPatch(ctx context.Context, r Runner, repoDir string, mbox []byte, env []string) error {
	tmpDir, err := os.MkdirTemp("", "relay-patch-*")
	if err != nil {
		return errors.Wrap(err, "create patch temp dir")
	}
	defer os.RemoveAll(tmpDir)

	patchFile := filepath.Join(tmpDir, "series.mbox")
	if err := os.WriteFile(patchFile, mbox, 0600); err != nil {
		return errors.Wrap(err, "write patch file")
	}

	if _, err := r.Run(ctx, repoDir, env, "am", "--3way", "--committer-date-is-author-date", patchFile); err != nil {
		if _, abortErr := r.Run(ctx, repoDir, env, "am", "--abort"); abortErr != nil {
			log.WithError(abortErr).Warn("git am --abort failed after patch failure")
		}
		gitOpFailures.WithLabelValues("am").Inc()
		return apierror.GitError("am", err)
	}
	return nil
}

// PushBranch force-pushes the branch with a lease and returns the resulting
// head commit.
func PushBranch(ctx context.Context, r Runner, repoDir, branch string, env []string) (string, error) {
	if _, err := r.Run(ctx, repoDir, env, "push", "--force-with-lease", "origin", branch); err != nil {
		gitOpFailures.WithLabelValues("push").Inc()
		return "", apierror.GitError("push", err)
	}
	sha, err := r.Run(ctx, repoDir, env, "rev-parse", "HEAD")
	if err != nil {
		gitOpFailures.WithLabelValues("rev-parse").Inc()
		return "", apierror.GitError("rev-parse", err)
	}
	return sha, nil
}

// ApplyBundle verifies a git bundle, imports its tip into a relay-scoped
// ref, pushes that ref to the remote branch and returns the pushed commit.
// The working tree is never touched; the import goes straight into refs.
func ApplyBundle(ctx context.Context, r Runner, repoDir string, bundle []byte, branch, sessionID string, env []string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "relay-bundle-*")
	if err != nil {
		return "", errors.Wrap(err, "create bundle temp dir")
	}
	defer os.RemoveAll(tmpDir)

	bundleFile := filepath.Join(tmpDir, "payload.bundle")
	if err := os.WriteFile(bundleFile, bundle, 0600); err != nil {
		return "", errors.Wrap(err, "write bundle file")
	}

	relayRef := "refs/relay/" + sessionID
	if _, err := r.Run(ctx, repoDir, env, "bundle", "verify", bundleFile); err != nil {
		gitOpFailures.WithLabelValues("bundle-verify").Inc()
		return "", apierror.GitError("bundle verify", err)
	}
	if _, err := r.Run(ctx, repoDir, env, "fetch", bundleFile, branch+":"+relayRef); err != nil {
		gitOpFailures.WithLabelValues("bundle-fetch").Inc()
		return "", apierror.GitError("bundle fetch", err)
	}
	sha, err := r.Run(ctx, repoDir, env, "rev-parse", relayRef)
	if err != nil {
		gitOpFailures.WithLabelValues("rev-parse").Inc()
		return "", apierror.GitError("rev-parse", err)
	}
	if _, err := r.Run(ctx, repoDir, env, "push", "origin", relayRef+":refs/heads/"+branch); err != nil {
		gitOpFailures.WithLabelValues("push").Inc()
		return "", apierror.GitError("push", err)
	}
	// Ref cleanup must not fail the push that already happened.
	if _, err := r.Run(ctx, repoDir, env, "update-ref", "-d", relayRef); err != nil {
		log.WithError(err).WithField("ref", relayRef).Warn("Could not delete relay ref")
	}
	return sha, nil
}

// RemoteHead returns the commit the remote branch points at, or the empty
// string if the branch does not exist.
func RemoteHead(ctx context.Context, r Runner, remoteURL, branch string, env []string) (string, error) {
	out, err := r.Run(ctx, "", env, "ls-remote", remoteURL, "refs/heads/"+branch)
	if err != nil {
		gitOpFailures.WithLabelValues("ls-remote").Inc()
		return "", apierror.GitError("ls-remote", err)
	}
	if out == "" {
		return "", nil
	}
	if i := strings.IndexByte(out, '\t'); i > 0 {
		return out[:i], nil
	}
	return "", nil
}
