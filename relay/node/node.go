// Package node assembles the relay from its services and manages their
// lifecycle: configuration loading, service registration, startup and
// graceful shutdown on termination signals.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/awrlabs/relay/io/file"
	"github.com/awrlabs/relay/monitoring/prometheus"
	"github.com/awrlabs/relay/relay/config"
	"github.com/awrlabs/relay/relay/filestore"
	"github.com/awrlabs/relay/relay/gitcmd"
	"github.com/awrlabs/relay/relay/repos"
	"github.com/awrlabs/relay/relay/server"
	"github.com/awrlabs/relay/relay/session"
	"github.com/awrlabs/relay/runtime"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// RelayNode owns every registered service and coordinates their lifecycle.
type RelayNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	cfg      *config.Config
}

// New creates a new node instance, sets up configuration options, and
// registers every required service.
func New(cliCtx *cli.Context) (*RelayNode, error) {
	cfg, err := config.Load(cliCtx)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.ReposDir, cfg.SessionsDir, cfg.FileStorageDir} {
		if err := file.MkdirAll(dir); err != nil {
			return nil, err
		}
	}

	registry := runtime.NewServiceRegistry()
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &RelayNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
		cfg:      cfg,
	}

	if err := node.registerServices(); err != nil {
		cancel()
		return nil, err
	}
	return node, nil
}

func (n *RelayNode) registerServices() error {
	runner, err := gitcmd.NewCLI()
	if err != nil {
		return err
	}

	sessions := session.NewStore(n.ctx, n.cfg.SessionsDir, n.cfg.SessionTTL)
	if err := n.services.RegisterService(sessions); err != nil {
		return err
	}

	api, err := server.New(n.ctx,
		server.WithRelayConfig(n.cfg),
		server.WithSessionStore(sessions),
		server.WithRepoManager(repos.NewManager(n.cfg.ReposDir, n.cfg.GitHubPAT, runner)),
		server.WithFileStore(filestore.New(n.cfg.FileStorageDir, n.cfg.MaxFileSize, sessions)),
		server.WithGitRunner(runner),
	)
	if err != nil {
		return err
	}
	if err := n.services.RegisterService(api); err != nil {
		return err
	}

	if !n.cfg.DisableMonitoring {
		addr := fmt.Sprintf(":%d", n.cfg.MonitoringPort)
		if err := n.services.RegisterService(prometheus.NewService(addr, n.services)); err != nil {
			return err
		}
	}
	return nil
}

// Start launches every registered service and blocks until shutdown.
func (n *RelayNode) Start() {
	n.lock.Lock()

	log.WithFields(logrus.Fields{
		"transportMode": n.cfg.Mode,
		"httpPort":      n.cfg.HTTPPort,
	}).Info("Starting relay node")

	n.services.StartAll()

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the relay node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *RelayNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping relay node")
	n.services.StopAll()
	n.cancel()
	close(n.stop)
}
