package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const workerShutdownTimeout = 30 * time.Second

func newWorkerCmd(c *cliState) *cobra.Command {
	var logToFile bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Sync in the background on a schedule",
		Long: `Run in the foreground and sync on the sync.interval schedule of the
config (a cron spec such as "@every 15m" or "*/30 * * * *"). A sync starts
right away. When the server is unreachable the run waits until it is back,
then retries with exponential backoff.

Stop with Ctrl+C or SIGTERM; a running sync finishes first.

Examples:
  caldavtasks worker
  caldavtasks worker --log-file=false -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			cfg := a.Config()

			if logToFile {
				path, err := cfg.LogFile()
				if err != nil {
					return err
				}
				if err := a.Logger().EnableFileOutput(path, cfg.Log.MaxAge); err != nil {
					return err
				}
				a.Logger().Info("Logging to %s", path)
			}

			s, err := a.NewWorker()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := s.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s on schedule %q. Press Ctrl+C to stop.\n", cfg.Server.URL, cfg.Sync.Interval)

			<-ctx.Done()
			stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
			defer cancel()
			err = s.Stop(shutdownCtx)
			if a.Logger().IsVerbose() {
				for _, st := range s.Statuses() {
					a.Logger().Debug("%s: last run %s, %s after %d attempts", st.Name, st.LastRun.Format(time.RFC3339), st.LastResult, st.Attempts)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&logToFile, "log-file", true, "also write logs to the rotated log file")
	return cmd
}
