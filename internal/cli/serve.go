package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yardcore/yardcore/internal/agentcomm"
	"github.com/yardcore/yardcore/internal/broker"
	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/cache"
	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/database"
	"github.com/yardcore/yardcore/internal/microservice"
	"github.com/yardcore/yardcore/internal/notify"
	"github.com/yardcore/yardcore/internal/orchestrator"
	"github.com/yardcore/yardcore/internal/roles"
	"github.com/yardcore/yardcore/internal/scheduler"
	"github.com/yardcore/yardcore/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a core node",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	printHeader("🛰️ yardcore Node")
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	transport, err := broker.NewKafka(cfg.Broker)
	if err != nil {
		fmt.Printf("Error configuring broker: %v\n", err)
		os.Exit(1)
	}
	n, err := newNode(cfg, transport)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Printf("Node %s listening on %s\n", n.roles.NodeID(), n.server.Addr())
	if err := n.Run(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Shutdown complete.")
}

// node is one core replica with all of its loops wired.
type node struct {
	cfg       *config.Config
	db        *database.DB
	cache     cache.Store
	transport broker.Transport
	gateway   *broker.Gateway
	roles     *roles.Manager
	leases    roles.LeaseStore
	orch      *orchestrator.Orchestrator
	buffer    *notify.Buffer
	slack     *notify.SlackSink
	server    *server.Server
	sched     *scheduler.Scheduler
}

func newNode(cfg *config.Config, transport broker.Transport) (*node, error) {
	n := &node{cfg: cfg, transport: transport}

	db, err := database.Open(cfg.Database, bus.NewEventBus())
	if err != nil {
		n.close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db

	var blocks broker.BlockList
	if cfg.Roles.Replicated {
		rs := roles.NewRedisStore(cfg.Redis)
		n.leases = rs
		shared := cache.NewRedis(rs.Client(), cfg.Redis.KeyPrefix, cfg.Broker.StateTTL)
		n.cache = shared
		blocks = shared
	} else {
		n.leases = roles.NewMemoryStore()
		n.cache = cache.NewMemory()
		blocks = broker.NewMemoryBlockList()
	}
	n.roles = roles.NewManager(n.leases, roles.OptionsFromConfig(cfg))

	signer, err := broker.LoadOrCreateSigner(cfg.Crypto.PrivateKeyPath, cfg.Crypto.PublicKeyPath)
	if err != nil {
		n.close()
		return nil, err
	}
	enc, err := broker.NewEncryptor(cfg.Crypto.Encryption)
	if err != nil {
		n.close()
		return nil, err
	}
	topo := broker.NewTopology(cfg.Broker.TopicPrefix, cfg.Broker.VisualizationTTL, cfg.Broker.StateTTL)
	n.gateway = broker.NewGateway(transport, topo, signer, enc, broker.GatewayOptions{
		Group:             cfg.Broker.ConsumerGroup,
		Prefetch:          cfg.Broker.Prefetch,
		RecreateOnTTLDiff: cfg.Broker.RecreateOnTTLDiff,
		Blocks:            blocks,
	})

	sender := agentcomm.NewSender(n.gateway, db)
	n.orch = orchestrator.New(db,
		microservice.NewRegistry(db.Services),
		microservice.NewClient(cfg.Microservice.RequestTimeout),
		sender,
		orchestrator.Options{
			Orchestrator: cfg.Orchestrator,
			Microservice: cfg.Microservice,
			IsLeader:     n.roles.IsLeader,
		})

	meter := agentcomm.NewRateMeter()
	agentcomm.NewHandlers(agentcomm.HandlersOptions{
		DB:       db,
		Cache:    n.cache,
		Uplink:   n.gateway,
		Observer: n.orch,
		Keys:     signer,
		Meter:    meter,
		Agents:   cfg.Agents,
	}).Register()

	hub := notify.NewHub()
	n.buffer = notify.NewBuffer(n.cache, hub, cfg.Notify, n.roles.IsBroadcaster)
	if cfg.Slack.Enabled {
		if n.slack, err = notify.NewSlackSink(cfg.Slack, nil); err != nil {
			n.close()
			return nil, err
		}
	}

	n.sched = scheduler.New()
	n.sched.Register(agentcomm.NewLivenessWatcher(db, n.cache, cfg.Agents, n.roles.IsLeader).Task())
	n.sched.Register(agentcomm.NewRateLimitWatcher(db, n.cache, meter, sender, n.gateway, cfg.Agents, n.roles.IsLeader).Task())
	n.sched.Register(n.buffer.Task())

	n.server = server.New(server.Options{
		Config:  cfg.Server,
		DB:      db,
		Roles:   n.roles,
		Hub:     hub,
		Queues:  n.orch,
		Version: version,
	})
	return n, nil
}

// Run declares the broker topology, joins the role elections and runs
// every loop until ctx is cancelled.
func (n *node) Run(ctx context.Context) error {
	defer n.close()
	if err := n.gateway.Setup(ctx); err != nil {
		return fmt.Errorf("broker topology: %w", err)
	}
	common, err := n.gateway.EnterCommon(ctx)
	if err != nil {
		return fmt.Errorf("subscribe common queues: %w", err)
	}
	defer n.gateway.Exit(context.Background(), common)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.roles.Run(gctx,
			roles.Callbacks{Enter: n.gateway.EnterLeader, Exit: n.gateway.ExitLeader},
			roles.Callbacks{Enter: n.gateway.EnterBroadcaster, Exit: n.gateway.ExitBroadcaster})
	})
	g.Go(func() error { return n.orch.Run(gctx) })
	g.Go(func() error {
		if err := n.sched.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		n.buffer.Consume(gctx, n.db.Bus())
		return nil
	})
	if n.slack != nil {
		g.Go(func() error {
			n.slack.Consume(gctx, n.db.Bus())
			return nil
		})
	}
	g.Go(func() error { return n.server.Run(gctx) })

	slog.Info("Node started", "node", n.roles.NodeID(), "replicated", n.cfg.Roles.Replicated)
	return g.Wait()
}

func (n *node) close() {
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			slog.Warn("Broker close failed", "error", err)
		}
	}
	if n.cache != nil {
		_ = n.cache.Close()
	}
	if rs, ok := n.leases.(*roles.RedisStore); ok {
		_ = rs.Close()
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}
