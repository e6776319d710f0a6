// Package service assembles the relay from its parts and owns their
// lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"support-relay/pkg/automation"
	"support-relay/pkg/config"
	"support-relay/pkg/generator"
	"support-relay/pkg/handlers"
	"support-relay/pkg/metrics"
	"support-relay/pkg/models"
	redisClient "support-relay/pkg/redis"
	"support-relay/pkg/registry"
	"support-relay/pkg/router"
	"support-relay/pkg/server"
	"support-relay/pkg/store"
)

// ReasonSwept is the cancellation reason for timers whose conversation no
// longer qualifies for automation.
const ReasonSwept = "swept"

type Service struct {
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	redis    *goredis.Client
	store    store.Store
	registry *registry.Registry
	router   *router.Router
	engine   *automation.Engine
	handler  http.Handler
	server   *http.Server
}

// NewService builds every component from cfg. Collectors are registered with
// reg, which also backs /metrics.
func NewService(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg *prometheus.Registry) (*Service, error) {
	m := metrics.NewMetrics(reg)

	s := &Service{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}

	var opts store.Options
	if cfg.StoreBackend == "redis" {
		rdb, err := redisClient.Connect(ctx, redisClient.ConfigForURL(cfg.RedisURL), logger)
		if err != nil {
			return nil, err
		}
		s.redis = rdb
		opts.Redis = rdb
	}
	opts.SQLitePath = cfg.SQLitePath

	st, err := store.Open(ctx, cfg.StoreBackend, opts, logger, m)
	if err != nil {
		if s.redis != nil {
			s.redis.Close()
		}
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	s.store = st

	s.registry = registry.New(logger, m)
	s.router = router.New(st, s.registry, logger, m)
	s.engine = automation.NewEngine(st, newGenerator(cfg, logger), logger, m, automation.Options{
		DefaultDelay:        cfg.AutomationDefaultDelaySeconds,
		HistoryLimit:        cfg.AutomationHistoryLimit,
		GenerationTimeout:   cfg.GenerationTimeout(),
		FallbackReply:       cfg.FallbackReply,
		DefaultSystemPrompt: cfg.DefaultSystemPrompt,
	})
	s.router.SetAutomation(s.engine)
	s.engine.SetRouter(s.router)

	h := handlers.NewHandler(st, s.registry, s.router, s.engine, handlers.Options{
		SendBuffer: cfg.WSSendBuffer,
		InstanceID: cfg.InstanceID,
	}, logger)
	s.handler = server.NewRouter(h, reg, logger)

	return s, nil
}

func newGenerator(cfg *config.Config, logger *logrus.Logger) generator.Generator {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, automated replies use the fallback text")
		return generator.Static{Reply: cfg.FallbackReply}
	}
	return generator.NewOpenAI(generator.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	}, logger)
}

// Handler exposes the HTTP routes, mainly for tests.
func (s *Service) Handler() http.Handler {
	return s.handler
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting relay service")

	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}

	s.server = server.NewHTTPServer(s.config, s.handler)
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	go s.sweepRoutine(ctx)

	s.logger.WithFields(logrus.Fields{
		"instance_id": s.config.InstanceID,
		"store":       s.config.StoreBackend,
	}).Info("Relay service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping relay service")

	var firstErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			firstErr = err
		}
	}

	// In-flight automated replies finish before connections go away.
	s.engine.Stop()
	s.registry.CloseAll()

	// Closing a Redis-backed store also closes the shared client.
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("Relay service stopped")
	return firstErr
}

func (s *Service) sweepRoutine(ctx context.Context) {
	interval := s.config.SweepInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ctx); n > 0 {
				s.logger.WithField("cancelled", n).Info("Swept stale automation timers")
			}
		}
	}
}

// Sweep cancels pending timers whose conversation was resolved, lost its
// automation flag or disappeared without going through the router. It
// returns the number of timers cancelled.
func (s *Service) Sweep(ctx context.Context) int {
	cancelled := 0
	for _, view := range s.engine.Snapshot() {
		conv, err := s.store.GetConversation(ctx, view.ConversationID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			s.logger.WithError(err).WithField("conversation_id", view.ConversationID).Warn("Sweep could not load conversation")
			continue
		case conv.Status == models.StatusResolved, !conv.AutomationEnabled:
		default:
			continue
		}
		if s.engine.Cancel(view.ConversationID, ReasonSwept) {
			cancelled++
		}
	}
	return cancelled
}
