package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/fleetd"
	"pkt.systems/fleetd/internal/storage"
	"pkt.systems/pslog"
)

// DefaultConfigFileName is the config file searched for when --config is
// omitted.
const DefaultConfigFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("FLEETD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "fleetd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetd",
		Short:         "fleetd coordinates device update rollouts across a cluster of nodes sharing one database",
		SilenceErrors: true,
		Example: `
  # Single node against a local SQLite file
  fleetd --dsn /var/lib/fleetd/fleetd.db

  # Cluster node against shared Postgres
  FLEETD_DRIVER=postgres FLEETD_DSN=postgres://fleetd@db/fleetd fleetd --metrics-listen :9090
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}

			cfg := bindConfig()
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}

			server, err := fleetd.NewServer(ctx, cfg, fleetd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Start(ctx); err != nil {
				_ = server.Shutdown(context.Background())
				return err
			}

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("driver", fleetd.DefaultDriver, "database backend (sqlite or postgres)")
	persistentFlags.String("dsn", fleetd.DefaultDSN, "database connection string")
	persistentFlags.Int("max-open-conns", fleetd.DefaultMaxOpenConns, "database connection pool size")
	persistentFlags.String("log-level", "info", "minimum log level")

	flags := cmd.Flags()
	flags.String("client-id", "", "node identity written to lease rows (default hostname plus random suffix)")
	flags.String("metrics-listen", fleetd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Duration("lock-ttl", fleetd.DefaultLockTTL, "coordination lease lifetime")
	flags.Duration("lock-refresh-interval", fleetd.DefaultLockRefreshInterval, "cadence of the background lease refresher")
	flags.Duration("cleanup-interval", fleetd.DefaultCleanupInterval, "cleanup scheduler cadence")
	flags.Duration("cleanup-initial-delay", fleetd.DefaultCleanupInitialDelay, "delay before the first cleanup cycle (negative disables)")
	flags.Duration("shutdown-timeout", fleetd.DefaultShutdownTimeout, "graceful shutdown timeout")

	viper.SetEnvPrefix("FLEETD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config", "driver", "dsn", "max-open-conns", "log-level",
		"client-id", "metrics-listen", "lock-ttl", "lock-refresh-interval",
		"cleanup-interval", "cleanup-initial-delay", "shutdown-timeout",
	} {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newLeasesCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() fleetd.Config {
	return fleetd.Config{
		Driver:              viper.GetString("driver"),
		DSN:                 viper.GetString("dsn"),
		MaxOpenConns:        viper.GetInt("max-open-conns"),
		ClientID:            viper.GetString("client-id"),
		MetricsListen:       viper.GetString("metrics-listen"),
		LockTTL:             viper.GetDuration("lock-ttl"),
		LockRefreshInterval: viper.GetDuration("lock-refresh-interval"),
		CleanupInterval:     viper.GetDuration("cleanup-interval"),
		CleanupInitialDelay: viper.GetDuration("cleanup-initial-delay"),
		ShutdownTimeout:     viper.GetDuration("shutdown-timeout"),
	}
}

// newLeasesCommand lists the live coordination leases, showing who holds
// what and for how long.
func newLeasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "list coordination leases in the shared database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			store, err := storage.Open(ctx, storage.Config{
				Driver:       viper.GetString("driver"),
				DSN:          viper.GetString("dsn"),
				MaxOpenConns: viper.GetInt("max-open-conns"),
			})
			if err != nil {
				return err
			}
			defer store.Close()

			leases, err := store.ListLeases(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tHOLDER\tACQUIRED\tEXPIRES")
			now := time.Now()
			for _, l := range leases {
				expires := humanize.Time(l.ExpiresAt)
				if l.ExpiresAt.Before(now) {
					expires += " (expired)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					l.LockKey, l.ClientID, humanize.Time(l.CreatedAt), expires)
			}
			return w.Flush()
		},
	}
}
