package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/intercom-etl/pkg/client"
	"github.com/Sternrassler/intercom-etl/pkg/config"
	"github.com/Sternrassler/intercom-etl/pkg/importer"
	"github.com/Sternrassler/intercom-etl/pkg/logging"
	"github.com/Sternrassler/intercom-etl/pkg/metrics"
	"github.com/Sternrassler/intercom-etl/pkg/store"
)

const userAgent = "intercom-etl/1.0"

// app carries the loaded configuration from the root command to the
// subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string
	cfg        config.Config
}

// newRootCommand reads settings from flags, INTERCOM_ETL_ environment
// variables, a .env file, or config.yaml (in that order).
func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "intercom-import",
		Short: "Import Intercom collections into the document store",
		Long: `Import Intercom collections into the document store.

Every record is upserted by its Intercom id, so re-running a command converges
on the same stored state. The users command imports tags, segments, admins, and
conversations first so tag and segment ids can be resolved to names. The events
command reads the stored users and imports their events.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: config.yaml in . or $HOME/.intercom-etl)")
	flags.StringVar(&a.envFile, "env-file", "", "env file to load (default: .env when present)")
	config.RegisterFlags(a.v, flags)

	root.AddCommand(
		newCollectionCommand(a, "tags"),
		newCollectionCommand(a, "segments"),
		newCollectionCommand(a, "admins"),
		newCollectionCommand(a, "conversations"),
		newUsersCommand(a),
		newEventsCommand(a),
	)
	return root
}

// load reads and validates the configuration and sets up logging.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.configFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

// run wires the Redis client, the Intercom client, and the store into an
// importer and calls fn with it. Metrics are served for the duration of fn
// when configured.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, im *importer.Importer) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,

		// Per-write and connect deadlines come from ctx.
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}

	clientCfg := client.DefaultConfig(rdb, a.cfg.AccessToken)
	clientCfg.BaseURL = a.cfg.BaseURL
	clientCfg.UserAgent = userAgent
	clientCfg.RequestTimeout = a.cfg.RequestTimeout
	c, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if a.cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, a.cfg.MetricsAddr); err != nil {
				mlog := logging.NewLogger("metrics")
				mlog.Warn().Err(err).Str("addr", a.cfg.MetricsAddr).Msg("Metrics endpoint stopped")
			}
		}()
	}

	im := importer.New(c, store.New(rdb, a.cfg.StorePrefix), importer.Options{
		BaseURL:          a.cfg.BaseURL,
		Concurrency:      a.cfg.Concurrency,
		CreatedSince:     a.cfg.CreatedSince,
		PageTimeout:      a.cfg.PageTimeout,
		WriteTimeout:     a.cfg.WriteTimeout,
		WriteAttempts:    a.cfg.WriteAttempts,
		CloseGrace:       a.cfg.CloseGrace,
		ShareEventWriter: a.cfg.ShareEventWriter,
	})
	logger := logging.NewLogger("cli")
	logger.Info().Str("run_id", im.RunID()).Str("command", cmd.Name()).Msg("Import started")

	return fn(ctx, im)
}
