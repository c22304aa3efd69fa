package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DualChat/internal/config"
	"DualChat/internal/coordinator"
	"DualChat/internal/render"
	"DualChat/internal/telemetry"
	"DualChat/internal/transport"
	"DualChat/internal/tui"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/metric"
)

var version = "dev"

type clientFlags struct {
	configPath   string
	endpoint     string
	panes        []string
	logDir       string
	debug        bool
	noTelemetry  bool
	style        string
	wordWrap     int
	dialTimeout  time.Duration
	replyTimeout time.Duration
	plain        bool
}

func newRootCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dualchat",
		Short: "Chat with a streaming backend in two independent side-by-side panes",
		Long: `dualchat opens two chat panes, each with its own websocket connection and
conversation. Replies stream in as snapshots and are rendered as markdown.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadClientConfig(cmd.Flags(), flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, flags.plain)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Path to a TOML config file")
	f.StringVar(&flags.endpoint, "endpoint", "", "Websocket endpoint both panes connect to")
	f.StringSliceVar(&flags.panes, "panes", nil, "Names of the left and right panes")
	f.StringVar(&flags.logDir, "log-dir", "", "Directory for log, trace and metric files")
	f.BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	f.BoolVar(&flags.noTelemetry, "no-telemetry", false, "Disable trace and metric export")
	f.StringVar(&flags.style, "style", "", "Glamour style: auto, dark, light, notty or a style file path")
	f.IntVar(&flags.wordWrap, "word-wrap", 0, "Markdown word wrap width")
	f.DurationVar(&flags.dialTimeout, "dial-timeout", 0, "Websocket handshake timeout")
	f.DurationVar(&flags.replyTimeout, "reply-timeout", 0, "Give up waiting for a reply after this long (0 waits forever)")
	f.BoolVar(&flags.plain, "plain", false, "Show replies as plain text instead of rendered markdown")
	return cmd
}

// loadClientConfig layers explicitly set flags over the config file and defaults
func loadClientConfig(fs *pflag.FlagSet, flags *clientFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}

	if fs.Changed("endpoint") {
		cfg.Endpoint = flags.endpoint
	}
	if fs.Changed("panes") {
		cfg.Panes = flags.panes
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
	if fs.Changed("style") {
		cfg.GlamourStyle = flags.style
	}
	if fs.Changed("word-wrap") {
		cfg.WordWrap = flags.wordWrap
	}
	if fs.Changed("dial-timeout") {
		cfg.DialTimeout = config.Duration{Duration: flags.dialTimeout}
	}
	if fs.Changed("reply-timeout") {
		cfg.ReplyTimeout = config.Duration{Duration: flags.replyTimeout}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, plain bool) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, "dualchat.log", cfg.Debug, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	tracer := telemetry.NoopTracer()
	var meter metric.Meter
	if cfg.Telemetry {
		var cleanup func()
		tracer, meter, cleanup, err = telemetry.InitTelemetry(ctx, cfg.LogDir, "dualchat", version)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()
	}
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	newConverter := func() (render.Converter, error) {
		if plain {
			return render.Plain{}, nil
		}
		md, err := render.NewMarkdown(cfg.GlamourStyle, cfg.WordWrap)
		if err != nil {
			return nil, err
		}
		return md, nil
	}

	coord, err := coordinator.New(coordinator.Options{
		Names:        [2]string{cfg.Panes[0], cfg.Panes[1]},
		Endpoint:     cfg.Endpoint,
		NewConverter: newConverter,
		Dial:         transport.WebSocketDialer(cfg.DialTimeout.Duration),
		ReplyTimeout: cfg.ReplyTimeout.Duration,
		Logger:       logger,
		Tracer:       tracer,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create panes: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dualchat", "version", version, "endpoint", cfg.Endpoint)
	if err := coord.Start(ctx); err != nil {
		return err
	}

	uiErr := tui.Run(coord.Pane(coordinator.Left), coord.Pane(coordinator.Right))
	if err := coord.Shutdown(); err != nil {
		logger.Error("failed to shut down panes", "error", err)
	}
	return uiErr
}

func main() {
	if err := newRootCmd(&clientFlags{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
