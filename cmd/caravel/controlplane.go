package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravelhq/caravel/pkg/agentclient"
	"github.com/caravelhq/caravel/pkg/cache"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/handlers"
	"github.com/caravelhq/caravel/pkg/health"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/manager"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/repository"
	"github.com/caravelhq/caravel/pkg/scheduler"
	"github.com/caravelhq/caravel/pkg/slot"
	"github.com/caravelhq/caravel/pkg/types"
)

var controlplaneCmd = &cobra.Command{
	Use:   "controlplane",
	Short: "Manage the Caravel control plane",
}

var controlplaneStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a control-plane node",
	Long: `Start a control-plane node: the Raft-replicated state manager, one
lifecycle coordinator per scaling group, the health monitor, the agent
monitor, and the metrics endpoint.

The first node of a cluster runs with --bootstrap; further nodes start
without it and are added as voters by the current leader.`,
	RunE: runControlplane,
}

func init() {
	controlplaneCmd.AddCommand(controlplaneStartCmd)

	controlplaneStartCmd.Flags().String("config", "", "Path to YAML config file")
	controlplaneStartCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster with this node")
	controlplaneStartCmd.Flags().String("node-id", "", "Unique node ID (overrides config)")
	controlplaneStartCmd.Flags().String("bind-addr", "", "Raft bind address (overrides config)")
	controlplaneStartCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func runControlplane(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.Raft.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		cfg.Raft.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Raft.DataDir = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("controlplane")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := manager.NewManager(&cfg.Raft)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return err
		}
		if err := waitForLeadership(ctx, mgr, 15*time.Second); err != nil {
			return err
		}
	} else {
		if err := mgr.Join(); err != nil {
			return err
		}
	}

	redisCache := cache.New(&cfg.Redis, cfg.Agent.HeartbeatTimeout())
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).
			Msg("redis unreachable at startup, continuing")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	publisher, err := events.NewNATSPublisher(cfg.NATS.URL, broker)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	defer publisher.Close()

	agents := agentclient.NewNATSClient(publisher.Conn(), &cfg.RPC)

	schedRepo := repository.NewSchedulerRepository(mgr, redisCache)
	sessionRepo := repository.NewSessionRepository(mgr, redisCache, agents, publisher, slot.DefaultTypes())

	hooks := handlers.NewHookRegistry()
	handlerList := []handlers.Handler{
		scheduler.NewScheduleHandler(schedRepo),
		scheduler.NewStartSessionHandler(agents),
		handlers.NewPullingProgressHandler(),
		handlers.NewCreatingProgressHandler(hooks),
		handlers.NewTerminatingProgressHandler(hooks),
		handlers.NewAbnormalRunningHandler(),
	}
	locks := scheduler.NewRedisLockService(cache.NewLocker(redisCache))

	groups, err := mgr.ListScalingGroups()
	if err != nil {
		return err
	}
	if bootstrap && len(groups) == 0 {
		defaultGroup := &types.ScalingGroup{
			Name:      "default",
			Policy:    types.PolicyFIFO,
			IsActive:  true,
			CreatedAt: time.Now().UTC(),
		}
		if err := mgr.PutScalingGroup(defaultGroup); err != nil {
			return fmt.Errorf("failed to seed default scaling group: %w", err)
		}
		groups = append(groups, defaultGroup)
		logger.Info().Msg("seeded default scaling group")
	}

	var wg sync.WaitGroup
	coordinators := make(map[string]*scheduler.Coordinator, len(groups))
	for _, group := range groups {
		coord := scheduler.NewCoordinator(group.Name, handlerList,
			schedRepo, sessionRepo, mgr, redisCache, locks, mgr, publisher,
			cfg.Scheduler)
		coordinators[group.Name] = coord
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Run(ctx)
		}()
	}

	keepers := []health.Keeper{
		health.NewPullingKeeper(agents, cfg.Health.PullingThreshold()),
		health.NewCreatingKeeper(agents, cfg.Health.CreatingThreshold()),
	}
	monitor := health.NewMonitor(keepers, schedRepo, sessionRepo, mgr, cfg.Health)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = monitor.Run(ctx)
	}()

	// Heartbeats for groups without a coordinator still persist the
	// schedule-needed flag so a restart with the group picks it up.
	wake := func(ctx context.Context, scalingGroup, reason string) {
		if coord, ok := coordinators[scalingGroup]; ok {
			coord.MarkSchedulingNeeded(ctx, reason)
			return
		}
		if err := redisCache.MarkScheduleNeeded(ctx, scalingGroup); err != nil {
			logger.Warn().Err(err).Str("scaling_group", scalingGroup).
				Msg("failed to flag scheduling for unknown group")
		}
	}
	agentMonitor := health.NewAgentMonitor(publisher.Conn(), mgr, mgr, redisCache,
		mgr, publisher, wake, cfg.Agent)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = agentMonitor.Run(ctx)
	}()

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	logger.Info().
		Str("node_id", cfg.Raft.NodeID).
		Bool("bootstrap", bootstrap).
		Int("scaling_groups", len(groups)).
		Msg("control plane running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()

	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down manager: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// waitForLeadership blocks until this node wins the election, which a
// freshly bootstrapped single-node cluster does within a few election
// timeouts
func waitForLeadership(ctx context.Context, mgr *manager.Manager, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mgr.IsLeader() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("no leadership after %s", timeout)
}
