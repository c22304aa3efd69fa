package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DualChat/internal/backend"
	"DualChat/internal/cache"
	"DualChat/internal/config"
	"DualChat/internal/telemetry"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type serverFlags struct {
	configPath     string
	listen         string
	responder      string
	ollamaURL      string
	ollamaModel    string
	openaiURL      string
	openaiModel    string
	anthropicURL   string
	anthropicModel string
	logDir         string
	debug          bool
	noTelemetry    bool
	chunkDelay     time.Duration
	cacheTTL       time.Duration
}

func newRootCmd(flags *serverFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dualchat-server",
		Short: "Serve the streaming chat endpoint dualchat panes connect to",
		Long: `dualchat-server accepts websocket connections on /ws. Every {"message": ...}
frame is answered by streaming the reply so far as a series of text frames.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServerConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML config file")
	f.StringVar(&flags.listen, "listen", "", "Address to listen on")
	f.StringVar(&flags.responder, "responder", "", "Reply source (echo|ollama|openai|anthropic)")
	f.StringVar(&flags.ollamaURL, "ollama-url", "", "Ollama API base URL")
	f.StringVar(&flags.ollamaModel, "ollama-model", "", "Ollama model specification (format: model:version)")
	f.StringVar(&flags.openaiURL, "openai-url", "", "OpenAI-compatible API base URL")
	f.StringVar(&flags.openaiModel, "openai-model", "", "OpenAI model name")
	f.StringVar(&flags.anthropicURL, "anthropic-url", "", "Anthropic API base URL")
	f.StringVar(&flags.anthropicModel, "anthropic-model", "", "Anthropic model name")
	f.StringVar(&flags.logDir, "log-dir", "", "Directory for log, trace and metric files")
	f.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	f.BoolVar(&flags.noTelemetry, "no-telemetry", false, "Disable trace and metric export")
	f.DurationVar(&flags.chunkDelay, "chunk-delay", 0, "Pause between echo deltas")
	f.DurationVar(&flags.cacheTTL, "cache-ttl", 0, "How long completed replies are replayed to identical histories (0, the default, disables)")
	return cmd
}

func loadServerConfig(fs *pflag.FlagSet, flags *serverFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = flags.listen
	}
	if fs.Changed("responder") {
		cfg.Responder = flags.responder
	}
	if fs.Changed("ollama-url") {
		cfg.OllamaURL = flags.ollamaURL
	}
	if fs.Changed("ollama-model") {
		cfg.OllamaModel = flags.ollamaModel
	}
	if fs.Changed("openai-url") {
		cfg.OpenAIURL = flags.openaiURL
	}
	if fs.Changed("openai-model") {
		cfg.OpenAIModel = flags.openaiModel
	}
	if fs.Changed("anthropic-url") {
		cfg.AnthropicURL = flags.anthropicURL
	}
	if fs.Changed("anthropic-model") {
		cfg.AnthropicModel = flags.anthropicModel
	}
	if fs.Changed("log-dir") {
		cfg.LogDir = flags.logDir
	}
	if fs.Changed("debug") {
		cfg.Debug = flags.debug
	}
	if fs.Changed("no-telemetry") {
		cfg.Telemetry = !flags.noTelemetry
	}
	if fs.Changed("chunk-delay") {
		cfg.ChunkDelay = config.Duration{Duration: flags.chunkDelay}
	}
	if fs.Changed("cache-ttl") {
		cfg.CacheTTL = config.Duration{Duration: flags.cacheTTL}
	}

	if err := cfg.ValidateServer(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newResponder(cfg config.Config) (backend.Responder, error) {
	client := &http.Client{}
	switch cfg.Responder {
	case config.ResponderEcho:
		return backend.Echo{Delay: cfg.ChunkDelay.Duration}, nil
	case config.ResponderOllama:
		return backend.NewOllama(cfg.OllamaURL, cfg.OllamaModel, client), nil
	case config.ResponderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		return backend.NewOpenAI(cfg.OpenAIURL, cfg.OpenAIModel, apiKey, client), nil
	case config.ResponderAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
		}
		return backend.NewAnthropic(cfg.AnthropicURL, cfg.AnthropicModel, apiKey, client), nil
	default:
		return nil, fmt.Errorf("unknown responder: %s", cfg.Responder)
	}
}

// newStore returns nil unless a positive cache_ttl opts into reply replay
func newStore(cfg config.Config) *cache.Store {
	if cfg.CacheTTL.Duration <= 0 {
		return nil
	}
	return cache.NewStore(cfg.CacheTTL.Duration)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, "dualchat-server.log", cfg.Debug, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	var tracer trace.Tracer
	if cfg.Telemetry {
		var cleanup func()
		tracer, _, cleanup, err = telemetry.InitTelemetry(ctx, cfg.LogDir, "dualchat-server", version)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()
	}

	responder, err := newResponder(cfg)
	if err != nil {
		return err
	}
	srv, err := backend.NewServer(responder, cfg.SystemPrompt, newStore(cfg), logger, tracer)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "responder", cfg.Responder, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	return nil
}

func main() {
	if err := newRootCmd(&serverFlags{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
