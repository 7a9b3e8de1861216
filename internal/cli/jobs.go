package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mediaqueue/internal/models"
	"mediaqueue/internal/poller"
	"mediaqueue/internal/queue"
)

func newEnqueueCommand(app *clients) *cobra.Command {
	var (
		payload     string
		priority    string
		attempts    int
		delay       time.Duration
		backoffType string
		backoff     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Enqueue a job and print its id",
		Long:  fmt.Sprintf("Enqueue a job. Supported types: %v", models.AllJobTypes()),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := queue.EnqueueOptions{Priority: priority, Attempts: attempts, Delay: delay}
			if backoffType != "" {
				opts.Backoff = &models.Backoff{Type: models.BackoffType(backoffType), Delay: backoff}
			}
			id, err := app.broker.EnqueueRaw(cmd.Context(), args[0], json.RawMessage(payload), opts)
			if err != nil {
				return err
			}
			if _, err := app.cache.InitJobStatus(cmd.Context(), id, models.JobType(args[0])); err != nil {
				app.logger.Warn().Err(err).Str("job_id", id).Msg("write pending status")
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "Job payload as JSON")
	cmd.Flags().StringVar(&priority, "priority", models.PriorityNormal, "urgent, high, normal, low or batch")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "Maximum attempts (0 uses the queue default)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
	cmd.Flags().StringVar(&backoffType, "backoff", "", "fixed or exponential (empty uses the queue default)")
	cmd.Flags().DurationVar(&backoff, "backoff-delay", time.Second, "Base backoff delay")
	return cmd
}

func newStatusCommand(app *clients) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := poller.New(app.cache, app.broker).Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newWaitCommand(app *clients) *cobra.Command {
	var (
		interval    time.Duration
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = app.cfg.PollInterval
			}
			if !cmd.Flags().Changed("max-attempts") {
				maxAttempts = app.cfg.PollMaxAttempts
			}
			last := -1
			p := poller.New(app.cache, app.broker,
				poller.WithInterval(interval),
				poller.WithMaxAttempts(maxAttempts),
				poller.WithLogger(app.logger),
				poller.WithOnUpdate(func(st models.JobStatus) {
					if st.Progress != last {
						last = st.Progress
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %d%%\n", st.ID, st.Status, st.Progress)
					}
				}),
			)
			st, err := p.Wait(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 120, "Maximum number of polls")
	return cmd
}

func newStatsCommand(app *clients) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.broker.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newSessionCommand(app *clients) *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "List recent jobs of a session, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := app.broker.GetJobsBySession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []models.JobInfo{}
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
}
