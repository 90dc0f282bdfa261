package server

import (
	"fmt"

	"github.com/awrlabs/relay/relay/gitcmd"
	"github.com/awrlabs/relay/relay/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// launchJob runs fn on a background goroutine. Any error or panic is
// recorded on the session so the outcome stays pollable; the HTTP response
// has already been written by the time the job starts.
func (s *Service) launchJob(sessionID, kind string, fn func() error) {
	jobID := uuid.New().String()
	fields := logrus.Fields{"job": jobID, "kind": kind, "sessionId": sessionID}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(fields).Errorf("Job panicked: %v", r)
				s.cfg.sessions.SetFailed(sessionID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		log.WithFields(fields).Info("Job started")
		if err := fn(); err != nil {
			log.WithFields(fields).WithError(err).Error("Job failed")
			s.cfg.sessions.SetFailed(sessionID, err.Error())
			return
		}
		log.WithFields(fields).Info("Job finished")
	}()
}

// bundleJob reassembles the session payload as a git bundle and pushes its
// tip to the remote branch. All git work runs under the per-repo lock.
func (s *Service) bundleJob(sessionID, owner, repo, branch, baseBranch string) error {
	return s.cfg.repoMgr.WithLock(s.ctx, owner+"/"+repo, func() error {
		bundle, err := s.cfg.sessions.Reassemble(sessionID)
		if err != nil {
			return err
		}
		repoDir, err := s.cfg.repoMgr.Prepare(s.ctx, owner, repo, branch, baseBranch)
		if err != nil {
			return err
		}
		sha, err := gitcmd.ApplyBundle(s.ctx, s.cfg.runner, repoDir, bundle, branch, sessionID, s.cfg.relay.GitEnv())
		if err != nil {
			return err
		}
		s.cfg.sessions.SetStatus(sessionID, session.StatusPushed, "bundle pushed", map[string]interface{}{
			"commitSha": sha,
			"commitUrl": fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repo, sha),
		})
		return nil
	})
}

// patchJob reassembles the session payload as an mbox patch series, applies
// it on top of the base branch and force-pushes the result.
func (s *Service) patchJob(sessionID, owner, repo, branch, baseBranch string) error {
	return s.cfg.repoMgr.WithLock(s.ctx, owner+"/"+repo, func() error {
		mbox, err := s.cfg.sessions.Reassemble(sessionID)
		if err != nil {
			return err
		}
		repoDir, err := s.cfg.repoMgr.Prepare(s.ctx, owner, repo, branch, baseBranch)
		if err != nil {
			return err
		}
		if err := gitcmd.ApplyPatch(s.ctx, s.cfg.runner, repoDir, mbox, s.cfg.relay.GitEnv()); err != nil {
			return err
		}
		sha, err := gitcmd.PushBranch(s.ctx, s.cfg.runner, repoDir, branch, s.cfg.relay.GitEnv())
		if err != nil {
			return err
		}
		s.cfg.sessions.SetStatus(sessionID, session.StatusPushed, "patch series pushed", map[string]interface{}{
			"commitSha": sha,
			"commitUrl": fmt.Sprintf("https://github.com/%s/%s/commit/%s", owner, repo, sha),
		})
		return nil
	})
}

// fileJob reassembles the session payload and writes it to durable storage
// after the integrity checks pass.
func (s *Service) fileJob(sessionID, fileName string, size int64, sha string) error {
	res, err := s.cfg.files.StoreFile(sessionID, fileName, size, sha)
	if err != nil {
		return err
	}
	s.cfg.sessions.SetStatus(sessionID, session.StatusStored, "file stored", map[string]interface{}{
		"storedPath": res.StoredPath,
		"storedSize": res.StoredSize,
	})
	return nil
}
