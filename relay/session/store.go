// Package session implements the chunked upload store: per-session status
// state machine, disk-backed chunk persistence, reassembly and TTL cleanup.
// Chunk payloads live on disk so memory stays bounded; the in-memory map
// holds metadata only. The store runs as a relay service so its sweeper
// starts and stops with the node.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/awrlabs/relay/async"
	"github.com/awrlabs/relay/io/file"
	"github.com/awrlabs/relay/relay/apierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "session")

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Receiving and complete accept further chunks;
// processing, pushed, stored and failed do not.
const (
	StatusReceiving  Status = "receiving"
	StatusComplete   Status = "complete"
	StatusProcessing Status = "processing"
	StatusPushed     Status = "pushed"
	StatusStored     Status = "stored"
	StatusFailed     Status = "failed"
)

// sweepPeriod is how often the TTL sweeper looks for stale sessions.
const sweepPeriod = time.Minute

type session struct {
	id          string
	totalChunks int
	received    map[int]struct{}
	status      Status
	message     string
	details     map[string]interface{}
	createdAt   int64
	updatedAt   int64
}

// Snapshot is a point-in-time copy of session metadata for status polling.
type Snapshot struct {
	ID             string
	Status         Status
	Message        string
	TotalChunks    int
	ChunksReceived int
	Details        map[string]interface{}
	CreatedAt      int64
	UpdatedAt      int64
}

// Store owns every in-flight session. All mutating operations are
// linearizable under a single mutex; chunk payload I/O happens outside of
// it.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	root string
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	nowFn func() time.Time
}

// NewStore builds a session store rooted at dir. Sessions idle for longer
// than ttl are garbage collected together with their chunks.
func NewStore(ctx context.Context, dir string, ttl time.Duration) *Store {
	ctx, cancel := context.WithCancel(ctx)
	return &Store{
		ctx:      ctx,
		cancel:   cancel,
		root:     dir,
		ttl:      ttl,
		sessions: make(map[string]*session),
		nowFn:    time.Now,
	}
}

// Start launches the periodic TTL sweep.
func (s *Store) Start() {
	log.WithFields(logrus.Fields{
		"dir": s.root,
		"ttl": s.ttl,
	}).Info("Starting session store")
	async.RunEvery(s.ctx, sweepPeriod, s.Sweep)
}

// Stop terminates the sweeper. In-flight sessions stay on disk until their
// directory is reclaimed by the next process.
func (s *Store) Stop() error {
	s.cancel()
	return nil
}

// Status always reports healthy; the store has no external dependency.
func (s *Store) Status() error {
	return nil
}

// StoreChunk persists one chunk and returns how many distinct chunks the
// session now holds. The session is created lazily on its first chunk.
// Writing the same index twice overwrites the bytes on disk without growing
// the received count.
func (s *Store) StoreChunk(sessionID string, chunkIndex, totalChunks int, data []byte) (int, error) {
	if err := validateSessionID(sessionID); err != nil {
		return 0, err
	}
	if totalChunks <= 0 {
		return 0, apierror.InvalidInput("totalChunks must be positive, got %d", totalChunks)
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return 0, apierror.InvalidInput("chunkIndex %d out of range [0, %d)", chunkIndex, totalChunks)
	}
	if len(data) == 0 {
		return 0, apierror.InvalidInput("chunk payload is empty")
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		now := s.nowFn().UnixMilli()
		sess = &session{
			id:          sessionID,
			totalChunks: totalChunks,
			received:    make(map[int]struct{}),
			status:      StatusReceiving,
			message:     "receiving chunks",
			details:     make(map[string]interface{}),
			createdAt:   now,
			updatedAt:   now,
		}
		s.sessions[sessionID] = sess
		activeSessions.Inc()
	}
	if sess.status != StatusReceiving && sess.status != StatusComplete {
		s.mu.Unlock()
		return 0, apierror.SessionCompleted(sessionID)
	}
	if sess.totalChunks != totalChunks {
		s.mu.Unlock()
		return 0, apierror.InvalidInput(
			"totalChunks %d does not match the session's %d", totalChunks, sess.totalChunks)
	}
	s.mu.Unlock()

	if err := file.WriteFile(s.chunkPath(sessionID, chunkIndex), data); err != nil {
		return 0, errors.Wrap(err, "write chunk")
	}

	return s.recordChunk(sessionID, chunkIndex)
}

// recordChunk commits a chunk already written to disk. The session's status
// is rechecked under the lock: a finalize racing the disk write may have
// moved the session past receiving and reclaimed its directory, in which
// case the stray write is undone instead of recorded.
func (s *Store) recordChunk(sessionID string, chunkIndex int) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok && (sess.status == StatusReceiving || sess.status == StatusComplete) {
		sess.received[chunkIndex] = struct{}{}
		sess.updatedAt = s.nowFn().UnixMilli()
		received := len(sess.received)
		s.mu.Unlock()
		chunksStored.Inc()
		return received, nil
	}
	s.mu.Unlock()

	if err := os.Remove(s.chunkPath(sessionID, chunkIndex)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("sessionId", sessionID).Warn("Could not remove stray chunk")
	}
	// Drop the directory the stray write may have recreated; Remove refuses
	// non-empty directories, so concurrent chunks are safe.
	_ = os.Remove(s.sessionDir(sessionID))

	if !ok {
		return 0, apierror.SessionNotFound(sessionID)
	}
	return 0, apierror.SessionCompleted(sessionID)
}

// MarkComplete transitions a receiving session to complete. Completeness of
// the chunk set is not checked here; Reassemble re-verifies it.
func (s *Store) MarkComplete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return apierror.SessionNotFound(sessionID)
	}
	switch sess.status {
	case StatusReceiving, StatusComplete:
		sess.status = StatusComplete
		sess.message = "all chunks uploaded"
		sess.updatedAt = s.nowFn().UnixMilli()
		return nil
	default:
		return apierror.SessionCompleted(sessionID)
	}
}

// StartProcessing is the compare-and-set guarding finalization: it returns
// true exactly once per session. A missing session is created directly in
// the processing state so its outcome remains pollable.
func (s *Store) StartProcessing(sessionID, message string) bool {
	if err := validateSessionID(sessionID); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn().UnixMilli()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.sessions[sessionID] = &session{
			id:        sessionID,
			received:  make(map[int]struct{}),
			status:    StatusProcessing,
			message:   message,
			details:   make(map[string]interface{}),
			createdAt: now,
			updatedAt: now,
		}
		activeSessions.Inc()
		return true
	}
	if sess.status != StatusReceiving && sess.status != StatusComplete {
		return false
	}
	sess.status = StatusProcessing
	if message != "" {
		sess.message = message
	}
	sess.updatedAt = now
	return true
}

// Reassemble concatenates all chunks in index order and removes the
// session's on-disk directory. Session metadata is retained for polling.
func (s *Store) Reassemble(sessionID string) ([]byte, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, apierror.SessionNotFound(sessionID)
	}
	total := sess.totalChunks
	received := len(sess.received)
	s.mu.Unlock()

	if received != total || total == 0 {
		return nil, apierror.IncompleteChunks(total, received)
	}

	var out []byte
	for i := 0; i < total; i++ {
		chunk, err := os.ReadFile(s.chunkPath(sessionID, i))
		if err != nil {
			return nil, errors.Wrapf(err, "read chunk %d", i)
		}
		out = append(out, chunk...)
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		log.WithError(err).WithField("sessionId", sessionID).Warn("Could not remove session directory")
	}
	return out, nil
}

// SetStatus merges the details patch and updates the session state.
// Best-effort: a swept session is silently ignored.
func (s *Store) SetStatus(sessionID string, status Status, message string, details map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.status = status
	sess.message = message
	for k, v := range details {
		sess.details[k] = v
	}
	sess.updatedAt = s.nowFn().UnixMilli()
}

// SetFailed marks the session failed, records the error and reclaims its
// on-disk chunks. Best-effort like SetStatus.
func (s *Store) SetFailed(sessionID, errMsg string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.status = StatusFailed
		sess.message = "processing failed"
		sess.details["error"] = errMsg
		sess.updatedAt = s.nowFn().UnixMilli()
	}
	s.mu.Unlock()
	if ok {
		if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
			log.WithError(err).WithField("sessionId", sessionID).Warn("Could not remove session directory")
		}
	}
}

// Get returns a snapshot of the session for status polling.
func (s *Store) Get(sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, apierror.SessionNotFound(sessionID)
	}
	details := make(map[string]interface{}, len(sess.details))
	for k, v := range sess.details {
		details[k] = v
	}
	return &Snapshot{
		ID:             sess.id,
		Status:         sess.status,
		Message:        sess.message,
		TotalChunks:    sess.totalChunks,
		ChunksReceived: len(sess.received),
		Details:        details,
		CreatedAt:      sess.createdAt,
		UpdatedAt:      sess.updatedAt,
	}, nil
}

// Sweep garbage-collects sessions idle for longer than the TTL along with
// their chunk directories.
func (s *Store) Sweep() {
	cutoff := s.nowFn().UnixMilli() - s.ttl.Milliseconds()

	s.mu.Lock()
	var stale []string
	for id, sess := range s.sessions {
		if sess.updatedAt < cutoff {
			stale = append(stale, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := os.RemoveAll(s.sessionDir(id)); err != nil {
			log.WithError(err).WithField("sessionId", id).Warn("Could not remove session directory")
		}
		sessionsSwept.Inc()
		activeSessions.Dec()
		log.WithField("sessionId", id).Debug("Swept expired session")
	}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) chunkPath(sessionID string, index int) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("chunk-%d.bin", index))
}

// validateSessionID keeps client-supplied ids filesystem safe.
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return apierror.InvalidInput("sessionId is required")
	}
	if strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return apierror.InvalidInput("sessionId contains path separators")
	}
	return nil
}
