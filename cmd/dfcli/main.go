package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dataferry/dataferry/cmd/dfcli/cliutil"
	"github.com/dataferry/dataferry/cmd/dfcli/pause"
	"github.com/dataferry/dataferry/cmd/dfcli/plan"
	"github.com/dataferry/dataferry/cmd/dfcli/resume"
	"github.com/dataferry/dataferry/cmd/dfcli/retrychunk"
	"github.com/dataferry/dataferry/cmd/dfcli/status"
	"github.com/dataferry/dataferry/cmd/dfcli/worker"
	"github.com/dataferry/dataferry/internal/logger"
	"github.com/dataferry/dataferry/pkg/catalog"
	"github.com/dataferry/dataferry/pkg/config"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	zp "go.uber.org/zap"
	"go.ytsaurus.tech/library/go/core/log"
	"go.ytsaurus.tech/library/go/core/log/zap"
	"go.ytsaurus.tech/library/go/core/xerrors"
)

var (
	defaultLogConfig = "console"
	defaultCatalog   = "postgres"
)

func main() {
	// A .env next to the binary feeds the same variables the environment
	// would; absence is fine.
	_ = godotenv.Load()

	cfg := config.Load()
	var cat catalog.Catalog

	logLevel := cfg.LogLevel
	logConfig := defaultLogConfig
	catalogTyp := defaultCatalog
	metricsPort := 9091
	registry := prometheus.NewRegistry()

	rootCommand := &cobra.Command{
		Use:          "dfcli",
		Short:        "Dataferry bulk migration cli",
		Example:      "./dfcli help",
		SilenceUsage: true,
		Version:      getVersionString(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			_ = cancel // released on process exit
			cmd.SetContext(ctx)

			level, ok := logger.ParseLevel(logLevel)
			if !ok {
				return xerrors.Errorf("unsupported value %q for --log-level", logLevel)
			}
			var loggerConfig zp.Config
			switch strings.ToLower(logConfig) {
			case "console":
				loggerConfig = logger.DefaultLoggerConfig(level)
			case "json":
				loggerConfig = logger.JSONLoggerConfig(level)
			default:
				return xerrors.Errorf("unsupported value %q for --log-config", logConfig)
			}
			logger.Log = zap.Must(loggerConfig)

			switch catalogTyp {
			case "postgres":
				if cfg.MetadataDBURL == "" {
					return xerrors.New("METADATA_DB_URL is required for the postgres catalog")
				}
				pg, err := catalog.NewPostgres(ctx, cfg.MetadataDBURL)
				if err != nil {
					return xerrors.Errorf("unable to open catalog: %w", err)
				}
				cat = pg
			case "memory":
				// Single-process runs only: nothing survives a restart.
				cat = catalog.NewMemory()
			default:
				return xerrors.Errorf("unsupported value %q for --catalog", catalogTyp)
			}

			go serveMetrics(registry, metricsPort)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cat != nil {
				_ = cat.Close()
			}
		},
	}

	rootCommand.AddCommand(
		plan.PlanCommand(&cat, &cfg),
		worker.WorkerCommand(&cat, &cfg, registry),
		status.StatusCommand(&cat, &cfg),
		retrychunk.RetryChunkCommand(&cat, &cfg),
		pause.PauseCommand(&cat, &cfg),
		resume.ResumeCommand(&cat, &cfg),
	)

	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Logging level (\"panic\", \"fatal\", \"error\", \"warning\", \"info\", \"debug\")")
	rootCommand.PersistentFlags().StringVar(&logConfig, "log-config", defaultLogConfig, "Logging format (\"console\", \"json\")")
	rootCommand.PersistentFlags().StringVar(&catalogTyp, "catalog", defaultCatalog, "Catalog backend (\"postgres\", \"memory\")")
	rootCommand.PersistentFlags().IntVar(&metricsPort, "metrics-port", metricsPort, "Port for the Prometheus /metrics endpoint")

	if err := rootCommand.Execute(); err != nil {
		os.Exit(cliutil.Code(err))
	}
}

func serveMetrics(registry *prometheus.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.Log.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Warn("unable to serve metrics", log.Error(err))
	}
}
