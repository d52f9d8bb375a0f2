package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/aidchain/internal/config"
	"github.com/iggydv12/aidchain/internal/identity"
	"github.com/iggydv12/aidchain/internal/ledger"
	"github.com/iggydv12/aidchain/internal/network"
	"github.com/iggydv12/aidchain/internal/storage"
	"github.com/iggydv12/aidchain/internal/storage/local"
)

const shutdownTimeout = 5 * time.Second

// HandlerFactory builds the HTTP API for a running engine.
type HandlerFactory func(e *Engine) http.Handler

// Controller bootstraps the node, wires all components, and runs until shutdown.
type Controller struct {
	cfg     *config.Config
	handler HandlerFactory
	logger  *zap.Logger
}

// NewController creates a Controller. A nil handler disables the REST listener.
func NewController(cfg *config.Config, handler HandlerFactory, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, handler: handler, logger: logger}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 1. Identity ---
	role, err := identity.ParseRole(c.cfg.Node.Role)
	if err != nil {
		return err
	}
	keys, created, err := identity.LoadOrCreate(c.cfg.Node.KeyFile, role)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	c.logger.Info("Starting aidchain node",
		zap.String("nodeId", keys.LocalNodeID()),
		zap.String("role", role.String()),
		zap.Bool("newKey", created),
	)

	// --- 2. Storage ---
	kv, err := local.Open(c.cfg.Storage.Engine, c.cfg.Storage.Path, c.logger)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer kv.Close()
	archive := storage.NewArchive(kv, c.logger)

	// --- 3. Ledger, restored from the archive ---
	l := ledger.New(keys, ledger.Options{
		PoolCapacity: c.cfg.Ledger.PoolCapacity,
		Archive:      archive,
	}, ledger.NewBus(c.logger), c.logger)
	chain, err := archive.Load(keys)
	if err != nil {
		return fmt.Errorf("archive load: %w", err)
	}
	if len(chain) > 1 {
		if err := l.Load(chain); err != nil {
			return fmt.Errorf("archived chain rejected: %w", err)
		}
		c.logger.Info("Restored chain from archive", zap.Uint64("head", l.Head().Height))
	}

	// --- 4. Network ---
	m, err := network.NewP2PMessenger(ctx, keys.PrivKey(), network.P2PConfig{
		ListenAddrs: c.cfg.Network.Listen,
		Bootstrap:   c.cfg.Network.Bootstrap,
		Topic:       c.cfg.Network.Topic,
		Rendezvous:  c.cfg.Network.Rendezvous,
		SendTimeout: c.cfg.Network.SendTimeout,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("network init: %w", err)
	}
	defer m.Close()

	// --- 5. Engine ---
	engine := NewEngine(l, keys, m, Options{
		BatchSize:           c.cfg.Ledger.BatchSize,
		ProductionThreshold: c.cfg.Ledger.ProductionThreshold,
		LowReputation:       c.cfg.Ledger.LowReputation,
		AutoDeregister:      c.cfg.Ledger.AutoDeregister,
		DemotionCooldown:    c.cfg.Ledger.DemotionCooldown,
		SyncWindow:          c.cfg.Ledger.SyncWindow,
		ProductionInterval:  c.cfg.Schedule.Production,
		SyncInterval:        c.cfg.Schedule.Sync,
		EvaluationInterval:  c.cfg.Schedule.Evaluation,
	}, c.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })

	// --- 6. REST API ---
	if c.handler != nil && c.cfg.Rest.Addr != "" {
		srv := &http.Server{
			Addr:              c.cfg.Rest.Addr,
			Handler:           c.handler(engine),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			c.logger.Info("REST API starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("rest: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	c.logger.Info("Node running",
		zap.Strings("addrs", m.Addrs()),
		zap.String("rest", c.cfg.Rest.Addr),
	)

	err = g.Wait()
	c.logger.Info("Shutdown complete", zap.Uint64("head", l.Head().Height))
	return err
}
