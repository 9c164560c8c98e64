// Command matchmakerd runs one matchmaking engine pod: a Match Coordinator
// fronting one Matchmaker per configured game mode, a shared Redis-backed
// store, and the cross-pod router's subscriber loop. It is a standalone
// process rather than a plugin hosted by some other runtime.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/larrybui/cardmatch/internal/battle"
	"github.com/larrybui/cardmatch/internal/breaker"
	"github.com/larrybui/cardmatch/internal/config"
	"github.com/larrybui/cardmatch/internal/coordinator"
	"github.com/larrybui/cardmatch/internal/domain"
	"github.com/larrybui/cardmatch/internal/health"
	"github.com/larrybui/cardmatch/internal/matchmaker"
	"github.com/larrybui/cardmatch/internal/metrics"
	"github.com/larrybui/cardmatch/internal/ratelimit"
	"github.com/larrybui/cardmatch/internal/registry"
	"github.com/larrybui/cardmatch/internal/router"
	"github.com/larrybui/cardmatch/internal/store"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.With().Str("component", "matchmakerd").Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("matchmakerd exited with error")
	}
}

func run(logger zerolog.Logger) error {
	podID, err := config.PodID()
	if err != nil {
		return err
	}
	logger = logger.With().Str("pod_id", podID).Logger()

	configPath := os.Getenv("MATCHMAKER_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	st := store.NewRedisStore(client, cfg.Global.StoreTimeout())
	reg := registry.New()
	monitor := health.NewSubscriberMonitor(3)
	rtr := router.New(podID, client, client, reg, monitor, cfg.Global.StoreTimeout(), logger)

	reg0 := prometheus.NewRegistry()
	mtr := metrics.New(reg0)
	limiter := ratelimit.New(cfg.Global.RateLimitRPS)

	sim := placeholderSimulator(logger)
	inv := battle.New(sim, cfg.Global.BattleSimulateTimeout())

	matchmakers := make([]coordinator.Matchmaker, 0, len(cfg.Modes))
	runners := make([]*matchmaker.Matchmaker, 0, len(cfg.Modes))
	for modeID, mc := range cfg.Modes {
		settings := domain.ModeSettings{
			ModeID:          modeID,
			RequiredPlayers: mc.RequiredPlayers,
			UsesMMRMatching: mc.UsesMMRMatching,
			TickIntervalMS:  mc.TickIntervalMS,
			BatchMultiplier: mc.BatchMultiplier,
		}
		br := breaker.New(cfg.Global.CircuitThreshold, cfg.Global.CircuitCooldown())
		mm := matchmaker.New(settings, st, br, rtr, inv, mtr, logger, cfg.Global.StoreTimeout())
		matchmakers = append(matchmakers, mm)
		runners = append(runners, mm)
	}
	// coord is the fan-in surface the Player Session layer dispatches into;
	// that layer is an external collaborator with no
	// network listener in this process, so coord is constructed here and
	// handed off at the process boundary rather than served directly.
	coord := coordinator.New(matchmakers, limiter, mtr, logger)
	logger.Info().Int("modes", len(matchmakers)).Msg("match coordinator ready")
	_ = coord

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, mm := range runners {
		wg.Add(1)
		go func(mm *matchmaker.Matchmaker) {
			defer wg.Done()
			logger.Info().Str("mode", mm.Mode()).Msg("matchmaker tick loop started")
			mm.Run(ctx)
		}(mm)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rtr.Subscribe(ctx, shutdownGracePeriod); err != nil {
			logger.Error().Err(err).Msg("cross-pod subscriber loop exited with error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("matchmakerd shut down cleanly")
	case <-time.After(shutdownGracePeriod + time.Second):
		logger.Warn().Msg("matchmakerd shutdown grace period exceeded")
	}
	return nil
}

// placeholderSimulator stands in for the external battle simulation service:
// a real deployment wires a call into that separate service. This default
// picks a winner uniformly at random so the pod is runnable standalone for
// local development and testing.
func placeholderSimulator(logger zerolog.Logger) battle.Simulator {
	return func(p1, p2 domain.PlayerID) (domain.BattleResult, error) {
		winner := p1
		if rand.Intn(2) == 1 {
			winner = p2
		}
		logger.Debug().Str("p1", p1.String()).Str("p2", p2.String()).Str("winner", winner.String()).Msg("placeholder battle simulated")
		return domain.BattleResult{WinnerID: winner, BattleData: nil}, nil
	}
}
