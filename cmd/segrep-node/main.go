// Command segrep-node runs one node of a segment replication cluster: it hosts primary and
// replica shard copies, serves replication requests to peers and exposes /metrics,
// /health and replication stats over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-segrep/pkg/auth"
	"github.com/dd0wney/cluso-segrep/pkg/config"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "segrep-node",
		Short: "Segment replication node",
		Long: `segrep-node hosts shard copies and keeps replicas in step with their primaries by
copying the segment files of every new primary checkpoint.

Configuration is read from a YAML file (--config) and SEGREP_* environment variables,
which take precedence over the file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console)")

	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd(), newTokenCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	if cfg.Log.Format == config.LogFormatConsole {
		return logging.NewConsoleLogger(os.Stderr, cfg.LogLevel())
	}
	return logging.NewJSONLogger(os.Stdout, cfg.LogLevel())
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg).With(logging.Node(cfg.Node.ID))
			logging.SetDefaultLogger(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			go watchReload(ctx, logger)
			return n.run(ctx)
		},
	}
}

// watchReload re-reads the log level from the configuration on SIGHUP.
func watchReload(ctx context.Context, logger logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig()
			if err != nil {
				logger.Warn("config reload failed", logging.Error(err))
				continue
			}
			logger.SetLevel(cfg.LogLevel())
			logger.Info("config reloaded", logging.String("log_level", cfg.LogLevel().String()))
		}
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the shards this node hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node %s at %s (transport %s)\n", cfg.Node.ID, cfg.Node.Address, cfg.Transport.Backend)
			for _, s := range cfg.Shards {
				r := s.Routing()
				role := "-"
				switch {
				case r.IsPrimary(cfg.Node.ID):
					role = "primary"
				case r.IsReplica(cfg.Node.ID):
					role = "replica"
				}
				fmt.Fprintf(out, "  %-24s term %-4d %s\n", r.ShardID, r.PrimaryTerm, role)
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for POST /segments, signed with admin.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("admin.jwt_secret is not set")
			}
			jwtManager, err := auth.NewJWTManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
			if err != nil {
				return err
			}
			token, err := jwtManager.GenerateToken(subject, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "who the token is issued to")
	cmd.Flags().StringVar(&role, "role", auth.RoleIngest, "token role (admin, ingest, viewer)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "segrep-node %s (commit %s, built %s)\n", Version, Commit, BuildTime)
			fmt.Fprintf(out, "  go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(out, "  transports: %v\n", transport.Backends())
		},
	}
}
