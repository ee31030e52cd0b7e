package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memstore"
	"github.com/haasonsaas/relay/internal/middleware"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/pipeline"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools/memory"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to configuration file")
	return cmd
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-schema",
		Short: "Print the JSON Schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(schema))
			return nil
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	// Storage: file store, optionally wrapped with the sqlite note index.
	fileStore, err := memstore.NewFileStore(cfg.Storage.BaseDir, logger)
	if err != nil {
		return err
	}
	var store memstore.Store = fileStore
	if cfg.Storage.NoteIndexPath != "" {
		index, err := memstore.OpenNoteIndex(cfg.Storage.NoteIndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
		indexed := memstore.NewIndexedStore(fileStore, index)
		if err := indexed.Reindex(ctx); err != nil {
			logger.Warn("note reindex failed", "error", err)
		}
		store = indexed
	}

	// LLM provider behind the resilience layer.
	provider, err := llm.NewProvider(cfg.LLM.Provider, llm.ProviderOptions{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		return err
	}
	breaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             cfg.LLM.Provider,
		FailureThreshold: cfg.LLM.CircuitBreakerThreshold,
		Cooldown:         cfg.LLM.CircuitBreakerCooldown(),
		OnStateChange: func(from, to infra.CircuitState) {
			logger.Warn("circuit state changed", "from", string(from), "to", string(to))
			metrics.ObserveCircuitState(cfg.LLM.Provider, string(to))
		},
	})
	client := llm.NewResilientClient(provider, llm.ResilientConfig{
		Timeout:    cfg.LLM.Timeout(),
		RetryCount: cfg.LLM.RetryCount,
		Breaker:    breaker,
		Logger:     logger,
		Metrics:    metrics,
	})

	// Tools and dispatch.
	registry := agent.NewRegistry()
	if err := memory.Register(registry, store); err != nil {
		return err
	}
	dispatcher := agent.NewDispatcher(registry, agent.DispatcherConfig{
		Parallel:    cfg.Tooling.ParallelToolExecution,
		ToolTimeout: cfg.Tooling.ToolTimeout(),
		Approval: agent.ApprovalPolicy{
			Require: cfg.Tooling.RequireToolApproval,
			Tools:   cfg.Tooling.ApprovalRequiredTools,
		},
		Metrics: metrics,
	}, nil, logger)

	runtime := agent.NewRuntime(client, registry, dispatcher, store, agent.RuntimeConfig{
		SystemPrompt:    cfg.SystemPrompt,
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		MaxIterations:   cfg.MaxIterations,
		MaxHistoryTurns: cfg.MaxHistoryTurns,
		Compaction: agent.CompactionConfig{
			Enabled:    cfg.Memory.EnableCompaction,
			Threshold:  cfg.Memory.CompactionThreshold,
			KeepRecent: cfg.Memory.CompactionKeepRecent,
		},
		Recall: agent.RecallConfig{
			Enabled:  cfg.Memory.EnableRecall,
			MaxNotes: cfg.Memory.RecallMaxNotes,
		},
	}, logger)

	if cfg.Delegation.Enabled {
		profiles := make(map[string]agent.DelegateProfile, len(cfg.Delegation.Profiles))
		for name, p := range cfg.Delegation.Profiles {
			profiles[name] = agent.DelegateProfile{
				SystemPrompt:    p.SystemPrompt,
				AllowedTools:    p.AllowedTools,
				MaxHistoryTurns: p.MaxHistoryTurns,
				MaxIterations:   p.MaxIterations,
			}
		}
		if err := runtime.RegisterDelegation(agent.DelegationConfig{
			Enabled:  true,
			MaxDepth: cfg.Delegation.MaxDepth,
			Profiles: profiles,
		}); err != nil {
			return err
		}
	}

	// Sessions.
	manager := sessions.NewManager(store, sessions.ManagerConfig{
		SessionTimeout: cfg.SessionTimeout(),
		Metrics:        metrics,
	}, logger)
	manager.StartSweep()
	defer manager.StopSweep()

	// Middleware chain: audit wraps the rest so it sees the outcome.
	mws := []middleware.Middleware{middleware.NewAudit(logger)}
	if cfg.SessionRateLimitPerMinute > 0 {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerWindow: cfg.SessionRateLimitPerMinute,
			Window:            time.Minute,
			Enabled:           true,
		})
		mws = append(mws, middleware.NewRateLimit(limiter))
	}
	if cfg.SessionTokenBudget > 0 {
		mws = append(mws, middleware.NewTokenBudget(cfg.SessionTokenBudget))
	}
	chain := middleware.NewChain(mws...)

	adapters := channels.NewRegistry()

	pipe := pipeline.New(manager, runtime, chain, adapters, metrics, pipeline.Config{
		Workers:          cfg.MaxConcurrentSessions,
		GracefulShutdown: cfg.GracefulShutdown(),
	}, logger)
	if err := pipe.Start(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint up", "addr", cfg.Metrics.ListenAddr)
	}

	logger.Info("relay started",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"storage", cfg.Storage.BaseDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown()+5*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return pipe.Stop(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}
