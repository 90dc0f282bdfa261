// Package filestore persists reassembled uploads as durable files under a
// date-partitioned tree, verifying size and content hash before anything
// touches the destination path.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/awrlabs/relay/io/file"
	"github.com/awrlabs/relay/relay/apierror"
	"github.com/awrlabs/relay/relay/session"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "filestore")

var sha256HexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidSha256Hex reports whether s is a 64-character hex digest, case
// insensitively.
func ValidSha256Hex(s string) bool {
	return sha256HexPattern.MatchString(strings.ToLower(s))
}

// Store writes verified uploads below its root directory.
type Store struct {
	root     string
	maxSize  int64
	sessions *session.Store
	nowFn    func() time.Time
}

// New builds a file store. maxSize bounds the size of any stored file.
func New(root string, maxSize int64, sessions *session.Store) *Store {
	return &Store{
		root:     root,
		maxSize:  maxSize,
		sessions: sessions,
		nowFn:    time.Now,
	}
}

// Result describes a stored file.
type Result struct {
	StoredPath string
	StoredSize int64
}

// StoreFile reassembles the session, verifies the expected size and SHA-256
// and writes the file atomically to
// <root>/<YYYY>/<MM>/<DD>/<sessionId>-<sanitized name>.
func (s *Store) StoreFile(sessionID, fileName string, expectedSize int64, expectedSha256 string) (*Result, error) {
	if !ValidSha256Hex(expectedSha256) {
		return nil, apierror.InvalidInput("sha256 must be a 64 character hex digest")
	}

	data, err := s.sessions.Reassemble(sessionID)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if size != expectedSize {
		return nil, apierror.New(apierror.CodeSizeMismatch, http.StatusBadRequest,
			"expected %d bytes, reassembled %d", expectedSize, size)
	}
	if size > s.maxSize {
		return nil, apierror.New(apierror.CodeFileTooLarge, http.StatusBadRequest,
			"file of %d bytes exceeds the %d byte limit", size, s.maxSize)
	}

	digest := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), expectedSha256) {
		return nil, apierror.New(apierror.CodeSha256Mismatch, http.StatusBadRequest,
			"content hash does not match the expected sha256")
	}

	now := s.nowFn().UTC()
	dest := filepath.Join(
		s.root,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		sessionID+"-"+SanitizeFileName(fileName),
	)
	if file.Exists(dest) {
		return nil, apierror.New(apierror.CodeFileExists, http.StatusConflict,
			"destination already exists")
	}
	if err := file.WriteFileAtomic(dest, data); err != nil {
		return nil, err
	}

	filesStored.Inc()
	log.WithFields(logrus.Fields{
		"sessionId": sessionID,
		"path":      dest,
		"size":      size,
	}).Info("Stored file")
	return &Result{StoredPath: dest, StoredSize: size}, nil
}

var unsafeChars = regexp.MustCompile(`[\x00-\x1f\x7f/\\:*?"<>|]`)
var underscoreRuns = regexp.MustCompile(`_+`)

// SanitizeFileName reduces a client-supplied name to a safe basename:
// control and separator characters become underscores, runs collapse, and
// leading or trailing underscores and dots are stripped.
func SanitizeFileName(name string) string {
	base := filepath.Base(name)
	base = unsafeChars.ReplaceAllString(base, "_")
	base = underscoreRuns.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_.")
	if base == "" {
		return "unnamed"
	}
	return base
}
