package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/logger"
	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/provider"
	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/source"
)

// keySource is a record source that can also enumerate its keys.
type keySource interface {
	analysis.Source
	Keys(ctx context.Context) ([]analysis.Key, error)
}

func newLogger(cfg LogConfig) logger.Logger {
	return logger.New(logger.Options{
		Level:     cfg.Level,
		Format:    cfg.Format,
		Component: "device-analyzer",
		Writer:    os.Stderr,
	})
}

// openStores loads the checkpoint map and every stored result.
func openStores(cfg StateConfig) (*analysis.CheckpointStore, *analysis.ResultStore, error) {
	cps := analysis.NewCheckpointStore(cfg.CheckpointPath)
	if err := cps.Load(); err != nil {
		return nil, nil, err
	}
	res := analysis.NewResultStore(cfg.ResultsDir)
	if err := res.Load(); err != nil {
		return nil, nil, err
	}
	return cps, res, nil
}

// openSource opens the configured source. The returned close func is never nil.
func openSource(ctx context.Context, cfg SourceConfig) (keySource, func(), error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, func() {}, err
	}
	switch cfg.Kind {
	case "jsonl":
		src, err := source.OpenJSONL(cfg.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return src, func() {}, nil
	case "mysql":
		src, err := source.OpenMySQL(ctx, source.MySQLConfig{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, func() {}, err
		}
		return src, src.Close, nil
	default:
		src, err := source.OpenPostgres(ctx, source.PostgresConfig{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, func() {}, err
		}
		return src, src.Close, nil
	}
}

func newAnalyzer(cfg *Config) (*provider.Client, error) {
	key, err := cfg.LLM.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	prompt := ""
	if cfg.LLM.PromptFile != "" {
		b, err := os.ReadFile(cfg.LLM.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read llm.prompt_file: %w", err)
		}
		prompt = strings.TrimSpace(string(b))
	}
	return provider.New(provider.Config{
		APIKey:            key,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.Engine.APITimeout(),
		MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
		StructuredOutput:  cfg.LLM.StructuredOutput,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Prompt:            prompt,
	})
}

func newEngine(cfg *Config, a analysis.Analyzer, cps *analysis.CheckpointStore, res *analysis.ResultStore, m *analysis.Metrics, log *logger.Logger) (*analysis.Engine, error) {
	return analysis.NewEngine(analysis.EngineOptions{
		Analyzer:      a,
		Checkpoints:   cps,
		Results:       res,
		Concurrency:   cfg.Engine.Concurrency,
		MaxChunkChars: cfg.Engine.MaxChunkChars,
		Retry: analysis.RetryPolicy{
			MaxAttempts: cfg.Engine.MaxRetries,
			BaseDelay:   cfg.Engine.RetryBaseDelay,
		},
		Metrics: m,
		Logger:  log,
	})
}

// newRegistry returns a registry with the engine collectors plus process and Go runtime collectors.
func newRegistry() (*prometheus.Registry, *analysis.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, analysis.NewMetrics(reg)
}

// serveMetrics exposes reg on addr/metrics until ctx ends. The returned func waits for shutdown.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *logger.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}
