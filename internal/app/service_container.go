package app

import (
	"fmt"
	"log"

	"hypergate-backend/internal/clients"
	"hypergate-backend/internal/config"
	"hypergate-backend/internal/db"
	"hypergate-backend/internal/events"
	"hypergate-backend/internal/handlers"
	"hypergate-backend/internal/middleware"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/repository"
	"hypergate-backend/internal/services"

	"github.com/sirupsen/logrus"
)

// ServiceContainer holds the wired application. All dependencies flow
// through it; no package reads global state.
type ServiceContainer struct {
	Config *config.Config

	Repo     repository.TransferRepository
	Chain    *services.BlockchainService
	Watcher  *services.ChainWatcher
	Guard    *services.SafetyGuard
	Router   *clients.LiFiRouter
	Push     *services.WebSocketPushService
	Bus      *events.NATSPublisher
	Limiters *middleware.RateLimiters

	Transfers *handlers.TransferHandler
	Health    *handlers.HealthHandler
}

// Initialize wires every service from configuration. The storage backend is
// probed exactly once here: a configured DSN selects Postgres, an empty one
// the in-memory store.
func Initialize(cfg *config.Config) (*ServiceContainer, error) {
	c := &ServiceContainer{Config: cfg}

	c.Push = services.NewWebSocketPushService()

	notifiers := events.FanoutNotifier{c.Push}
	if cfg.NATS.URL != "" {
		bus, err := events.NewNATSPublisher(&cfg.NATS)
		if err != nil {
			// Event publication is best effort end to end; a dead bus at
			// startup must not stop deposits from being tracked.
			logrus.WithError(err).Warn("NATS unavailable, lifecycle events will not be published")
		} else {
			c.Bus = bus
			notifiers = append(notifiers, bus)
		}
	}

	if cfg.Database.DSN != "" {
		database, err := db.Init(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		c.Repo = repository.NewGormTransferRepository(database, notifiers)
		log.Println("Transfer store: postgres")
	} else {
		c.Repo = repository.NewMemoryTransferRepository(notifiers)
		log.Println("Transfer store: in-memory (no DSN configured)")
	}

	chain, err := services.NewBlockchainService(cfg.Blockchain.HyperEVM)
	if err != nil {
		return nil, fmt.Errorf("init blockchain service: %w", err)
	}
	c.Chain = chain

	c.Guard = services.NewSafetyGuard(&cfg.Deposits)
	c.Router = clients.NewLiFiRouter(clients.NewLiFiClient(), cfg.Blockchain.HyperEVM)
	c.Watcher = services.NewChainWatcher(c.Repo, chain, &cfg.Deposits)

	redisClient := middleware.NewRedisClient(&cfg.Redis)
	c.Limiters = middleware.NewRateLimiters(&cfg.RateLimit, redisClient)

	c.Transfers = handlers.NewTransferHandler(c.Repo, chain, c.Push)
	c.Health = handlers.NewHealthHandler(chain)

	return c, nil
}

// NewRunner builds a lifecycle runner for one prospective transfer, bound
// to this container's services. The HTTP API does not drive the lifecycle;
// clients sequence quote, bridge, and deposit themselves and report progress
// through the status endpoints. The runner is the embedding surface for
// processes that drive a transfer end to end, such as operator tooling.
func (c *ServiceContainer) NewRunner(input *models.CreateTransferInput) *services.Runner {
	poller := services.NewBridgedBalancePoller(c.Chain, &c.Config.Deposits)
	return services.NewRunner(c.Repo, c.Guard, c.Router, c.Chain, poller, input)
}

// Start launches the background services.
func (c *ServiceContainer) Start() {
	c.Watcher.Start()
}

// Shutdown stops background work and closes external connections.
func (c *ServiceContainer) Shutdown() {
	c.Watcher.Stop()
	if c.Bus != nil {
		c.Bus.Close()
	}
	c.Chain.Close()
	log.Println("Services stopped")
}
