package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mediaqueue/internal/config"
	"mediaqueue/internal/logging"
	"mediaqueue/internal/queue"
	"mediaqueue/internal/status"
)

const cliExecutable = "mediaq"

// clients are opened once per invocation in PersistentPreRunE.
type clients struct {
	cfg    config.Config
	broker *queue.Broker
	cache  *status.Cache
	logger zerolog.Logger
}

func (c *clients) close() {
	if c.broker != nil {
		_ = c.broker.Close()
	}
	if c.cache != nil {
		_ = c.cache.Close()
	}
}

// NewCommand builds the mediaq CLI. Connection settings come from the
// environment (or .env) and can be overridden with flags.
func NewCommand() *cobra.Command {
	var (
		brokerURL string
		cacheURL  string
		queueName string
		verbose   bool
		app       = &clients{}
	)

	cmd := &cobra.Command{
		Use:           cliExecutable,
		Short:         "Enqueue and inspect media generation jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, loadErr := config.Load()
			if brokerURL != "" {
				cfg.BrokerURL = brokerURL
			}
			if cacheURL != "" {
				cfg.CacheURL = cacheURL
			}
			if cfg.CacheURL == "" {
				cfg.CacheURL = cfg.BrokerURL
			}
			if queueName != "" {
				cfg.QueueName = queueName
			}
			if cfg.BrokerURL == "" {
				return errors.Join(errors.New("broker url is required (--broker-url or BROKER_URL)"), loadErr)
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			app.cfg = cfg
			app.logger = logging.New("development", level).Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})

			brokerOpts, err := cfg.BrokerOptions()
			if err != nil {
				return err
			}
			cacheOpts, err := cfg.CacheOptions()
			if err != nil {
				return err
			}
			app.broker = queue.New(redis.NewClient(brokerOpts), queue.Options{
				Name:              cfg.QueueName,
				DefaultAttempts:   cfg.DefaultAttempts,
				SessionScanWindow: cfg.SessionScanWindow,
			})
			app.cache = status.New(redis.NewClient(cacheOpts), cfg.QueueName, cfg.StatusTTL)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			app.close()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&brokerURL, "broker-url", "", "Broker redis URL (default $BROKER_URL)")
	cmd.PersistentFlags().StringVar(&cacheURL, "cache-url", "", "Status cache redis URL (default $CACHE_URL, then the broker URL)")
	cmd.PersistentFlags().StringVar(&queueName, "queue", "", "Queue name (default $QUEUE_NAME)")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newEnqueueCommand(app))
	cmd.AddCommand(newStatusCommand(app))
	cmd.AddCommand(newWaitCommand(app))
	cmd.AddCommand(newStatsCommand(app))
	cmd.AddCommand(newSessionCommand(app))
	return cmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "%s: %v\n", cliExecutable, err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
