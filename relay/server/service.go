// Package server is the relay's HTTP surface: authentication, envelope
// decryption, route dispatch and the asynchronous finalize jobs. The service
// answers finalize requests with 202 immediately; all git and file work
// happens on background goroutines that report through the session store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/awrlabs/relay/relay/config"
	"github.com/awrlabs/relay/relay/filestore"
	"github.com/awrlabs/relay/relay/gitcmd"
	"github.com/awrlabs/relay/relay/repos"
	"github.com/awrlabs/relay/relay/session"
	"github.com/awrlabs/relay/relay/transport"
	"github.com/awrlabs/relay/runtime"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "server")

var _ runtime.Service = (*Service)(nil)

type svcConfig struct {
	relay    *config.Config
	sessions *session.Store
	repoMgr  *repos.Manager
	files    *filestore.Store
	runner   gitcmd.Runner
}

// Option configures the server service.
type Option func(*Service) error

// WithRelayConfig supplies the validated relay configuration.
func WithRelayConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		s.cfg.relay = cfg
		return nil
	}
}

// WithSessionStore supplies the chunk session store.
func WithSessionStore(store *session.Store) Option {
	return func(s *Service) error {
		s.cfg.sessions = store
		return nil
	}
}

// WithRepoManager supplies the managed clone layer.
func WithRepoManager(m *repos.Manager) Option {
	return func(s *Service) error {
		s.cfg.repoMgr = m
		return nil
	}
}

// WithFileStore supplies the durable file store.
func WithFileStore(f *filestore.Store) Option {
	return func(s *Service) error {
		s.cfg.files = f
		return nil
	}
}

// WithGitRunner supplies the git executor, substituted by tests.
func WithGitRunner(r gitcmd.Runner) Option {
	return func(s *Service) error {
		s.cfg.runner = r
		return nil
	}
}

// Service serves the relay API.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       svcConfig
	decryptor *transport.Decryptor
	replay    *transport.ReplayGuard
	router    *mux.Router
	server    *http.Server

	startFailure error
}

// New assembles the HTTP service from its collaborators.
func New(ctx context.Context, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	if s.cfg.relay == nil || s.cfg.sessions == nil || s.cfg.repoMgr == nil ||
		s.cfg.files == nil || s.cfg.runner == nil {
		cancel()
		return nil, errors.New("server service is missing a collaborator")
	}

	s.decryptor = transport.NewDecryptor(s.cfg.relay)
	s.replay = transport.NewReplayGuard(s.cfg.relay.ReplayTTL, s.cfg.relay.ClockSkew)
	s.router = mux.NewRouter()
	s.registerRoutes()

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.relay.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
	}
	return s, nil
}

// Router exposes the route tree for tests.
func (s *Service) Router() *mux.Router {
	return s.router
}

// Start the HTTP listener and the replay cache pruner.
func (s *Service) Start() {
	s.replay.StartPruning(s.ctx)
	log.WithField("address", s.server.Addr).Info("Starting relay API")
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("Failed to start relay API")
			s.startFailure = err
		}
	}()
}

// Stop drains the server gracefully.
func (s *Service) Stop() error {
	if s.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Warn("Existing connections terminated")
			} else {
				log.WithError(err).Error("Failed to gracefully shut down server")
			}
		}
	}
	s.cancel()
	return nil
}

// Status reports a failed listener start.
func (s *Service) Status() error {
	return s.startFailure
}
