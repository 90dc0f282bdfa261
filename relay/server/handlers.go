package server

import (
	"math"
	"net/http"
	"time"

	"github.com/awrlabs/relay/network/httputil"
	"github.com/awrlabs/relay/relay/apierror"
	"github.com/awrlabs/relay/relay/filestore"
	"github.com/awrlabs/relay/relay/gitcmd"
	"github.com/awrlabs/relay/relay/repos"
	"github.com/gorilla/mux"
)

func (s *Service) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware, s.envelopeMiddleware)
	api.HandleFunc("/data/chunk", s.handleChunk).Methods(http.MethodPost)
	api.HandleFunc("/data/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/data/status/{sessionId}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/gr/process", s.handleProcess).Methods(http.MethodPost)
	api.HandleFunc("/gr/patch", s.handlePatch).Methods(http.MethodPost)
	api.HandleFunc("/gr/remote-info", s.handleRemoteInfo).Methods(http.MethodGet)
	api.HandleFunc("/file/store", s.handleFileStore).Methods(http.MethodPost)
}

// stringField extracts a required non-empty string from request metadata.
func stringField(meta map[string]interface{}, name string) (string, error) {
	v, ok := meta[name].(string)
	if !ok || v == "" {
		return "", apierror.InvalidInput("%s is required", name)
	}
	return v, nil
}

// intField extracts a required integer. JSON numbers arrive as float64, so
// integrality is checked explicitly.
func intField(meta map[string]interface{}, name string) (int, error) {
	f, ok := meta[name].(float64)
	if !ok || f != math.Trunc(f) {
		return 0, apierror.InvalidInput("%s must be an integer", name)
	}
	return int(f), nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJson(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) handleChunk(w http.ResponseWriter, r *http.Request) {
	meta := requestMetadata(r)
	sessionID, err := stringField(meta, "sessionId")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	chunkIndex, err := intField(meta, "chunkIndex")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	totalChunks, err := intField(meta, "totalChunks")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	received, err := s.cfg.sessions.StoreChunk(sessionID, chunkIndex, totalChunks, requestBinary(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"received": received,
	})
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	meta := requestMetadata(r)
	sessionID, err := stringField(meta, "sessionId")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.cfg.sessions.MarkComplete(sessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"status":  "complete",
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	snap, err := s.cfg.sessions.Get(sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	details := map[string]interface{}{
		"chunksReceived": snap.ChunksReceived,
		"totalChunks":    snap.TotalChunks,
	}
	for k, v := range snap.Details {
		details[k] = v
	}
	httputil.WriteJson(w, http.StatusOK, map[string]interface{}{
		"sessionId": snap.ID,
		"status":    string(snap.Status),
		"message":   snap.Message,
		"details":   details,
	})
}

func (s *Service) handleProcess(w http.ResponseWriter, r *http.Request) {
	meta := requestMetadata(r)
	sessionID, err := stringField(meta, "sessionId")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	repo, err := stringField(meta, "repo")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	branch, err := stringField(meta, "branch")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	baseBranch, err := stringField(meta, "baseBranch")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner, name, err := repos.ParseRepo(repo)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if !s.cfg.sessions.StartProcessing(sessionID, "applying bundle") {
		httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
			"sessionId": sessionID,
			"status":    "processing",
		})
		return
	}
	httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": sessionID,
		"status":    "processing",
	})
	s.launchJob(sessionID, "bundle", func() error {
		return s.bundleJob(sessionID, owner, name, branch, baseBranch)
	})
}

func (s *Service) handlePatch(w http.ResponseWriter, r *http.Request) {
	meta := requestMetadata(r)
	sessionID, err := stringField(meta, "sessionId")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	repo, err := stringField(meta, "repo")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	branch, err := stringField(meta, "branch")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	baseBranch, err := stringField(meta, "baseBranch")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner, name, err := repos.ParseRepo(repo)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if !s.cfg.sessions.StartProcessing(sessionID, "applying patch series") {
		httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
			"sessionId": sessionID,
			"status":    "processing",
		})
		return
	}
	httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": sessionID,
		"status":    "processing",
	})
	s.launchJob(sessionID, "patch", func() error {
		return s.patchJob(sessionID, owner, name, branch, baseBranch)
	})
}

func (s *Service) handleRemoteInfo(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	branch := r.URL.Query().Get("branch")
	if repo == "" || branch == "" {
		httputil.WriteError(w, apierror.InvalidInput("repo and branch query parameters are required"))
		return
	}
	owner, name, err := repos.ParseRepo(repo)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sha, err := gitcmd.RemoteHead(r.Context(), s.cfg.runner, s.cfg.repoMgr.RemoteURL(owner, name), branch, nil)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJson(w, http.StatusOK, map[string]interface{}{"sha": sha})
}

func (s *Service) handleFileStore(w http.ResponseWriter, r *http.Request) {
	meta := requestMetadata(r)
	sessionID, err := stringField(meta, "sessionId")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	fileName, err := stringField(meta, "fileName")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	size, err := intField(meta, "size")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	sha, err := stringField(meta, "sha256")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if size <= 0 || int64(size) > s.cfg.relay.MaxFileSize {
		httputil.WriteError(w, apierror.InvalidInput(
			"size must be positive and at most %d bytes", s.cfg.relay.MaxFileSize))
		return
	}
	if !filestore.ValidSha256Hex(sha) {
		httputil.WriteError(w, apierror.InvalidInput("sha256 must be 64 hex characters"))
		return
	}

	if !s.cfg.sessions.StartProcessing(sessionID, "storing file") {
		httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
			"sessionId": sessionID,
			"status":    "processing",
		})
		return
	}
	httputil.WriteJson(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": sessionID,
		"status":    "processing",
	})
	s.launchJob(sessionID, "file", func() error {
		return s.fileJob(sessionID, fileName, int64(size), sha)
	})
}
