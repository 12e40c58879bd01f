// Package main implements workerd, the Studio worker control-plane
// subprocess: static discovery of Python adapters and data-clients, dynamic
// instantiation through a companion bridge process, and a pause/resume/
// step/abort-capable fetch/transform/upload pipeline driven over
// line-delimited JSON-RPC 2.0 on stdin/stdout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiobridge/connectorworker/config"
	"github.com/studiobridge/connectorworker/discovery"
	"github.com/studiobridge/connectorworker/dispatcher"
	"github.com/studiobridge/connectorworker/metricsserver"
	"github.com/studiobridge/connectorworker/pybridge"
	"github.com/studiobridge/connectorworker/rpcwire"
)

// Version and BuildTime are set via ldflags at release build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		projectPath string
		logLevel    string
		pythonPath  string
		metricsAddr string
		watch       bool
	)

	rootCmd := &cobra.Command{
		Use:     "workerd",
		Short:   "Studio worker control-plane subprocess",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), workerFlags{
				configPath:  configPath,
				projectPath: projectPath,
				logLevel:    logLevel,
				pythonPath:  pythonPath,
				metricsAddr: metricsAddr,
				watch:       watch,
			})
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&projectPath, "project", "", "project root to discover and run connectors in (default: current directory)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&pythonPath, "python-path", "", "python3 interpreter used to run the bridge script")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional host:port to serve Prometheus metrics on")
	rootCmd.Flags().BoolVar(&watch, "watch", false, "re-run discovery when project .py files change")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

type workerFlags struct {
	configPath  string
	projectPath string
	logLevel    string
	pythonPath  string
	metricsAddr string
	watch       bool
}

func loadConfig(f workerFlags) (*config.Config, error) {
	// A quiet logger for config loading itself, before the configured log
	// level is known.
	quietLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader := config.NewLoader(quietLogger)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load layered config: %w", err)
	}

	if f.configPath != "" {
		fileCfg, err := config.LoadFromFile(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		cfg = fileCfg
	}

	override := &config.Config{}
	override.Project.Path = f.projectPath
	override.Project.LogLevel = f.logLevel
	override.Bridge.PythonPath = f.pythonPath
	override.Metrics.Addr = f.metricsAddr
	override.Watch.Enabled = f.watch
	cfg.Merge(override)

	if cfg.Project.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Project.Path = wd
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runWorker(ctx context.Context, f workerFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Project.LogLevel)}))
	slog.SetDefault(logger)

	disc := discovery.New(cfg.Project.Path, logger)

	stateDir, err := os.MkdirTemp("", "workerd-bridge-*")
	if err != nil {
		return fmt.Errorf("create bridge state directory: %w", err)
	}
	defer os.RemoveAll(stateDir)

	bridge, err := pybridge.Start(cfg.Bridge.PythonPath, stateDir, cfg.Bridge.CallTimeout)
	if err != nil {
		logger.Error("failed to start python bridge; executions requiring it will fail", "error", err)
		bridge = nil
	} else {
		defer bridge.Close()
	}

	metrics := metricsserver.New()

	var metricsHTTP *metricsserver.Server
	if cfg.Metrics.Addr != "" {
		metricsHTTP, err = metricsserver.Start(cfg.Metrics.Addr)
		if err != nil {
			logger.Error("failed to start metrics listener", "error", err)
		} else {
			defer metricsHTTP.Shutdown(5 * time.Second)
		}
	}

	conn := rpcwire.NewConn(os.Stdin, os.Stdout)
	server := dispatcher.New(conn, cfg.Project.Path, disc, bridge, metrics, logger)
	server.SetWatch(cfg.Watch.Enabled, cfg.Watch.DebounceWindow)

	logger.Info("workerd starting", "project", cfg.Project.Path, "version", Version)
	return server.Run(ctx, os.Getppid())
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
