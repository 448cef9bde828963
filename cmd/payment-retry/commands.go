package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	retry "github.com/TimKotowski/pg-payment-retry"
	"github.com/TimKotowski/pg-payment-retry/migrations"
)

func migrateCmd() *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) the retry job schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			logger := NewLogger(cfg)

			db, err := retry.GetDBConnection(cfg.RetryConfig(logger))
			if err != nil {
				return err
			}
			defer db.Close()

			if rollback {
				return migrations.Rollback(cmd.Context(), db, logger)
			}
			applied, err := migrations.Migrate(cmd.Context(), db, logger)
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migrations\n", applied)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rollback, "rollback", false, "Roll back the last migration group")
	return cmd
}

// openRetrier builds a Retrier straight on Postgres, without the in-memory
// fallback, so one-shot commands never report state that lives only in memory.
func openRetrier() (*retry.Retrier, io.Closer, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DSN == "" {
		return nil, nil, errors.New("RETRY_DSN is required")
	}

	conf := cfg.RetryConfig(NewLogger(cfg))
	db, err := retry.GetDBConnection(conf)
	if err != nil {
		return nil, nil, err
	}

	r, err := retry.New(conf, retry.NewPostgresStore(db), NewProcessor(cfg), clockwork.NewRealClock())
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return r, db, nil
}

// withRetrier opens a Retrier, runs fn and closes the database whatever fn returns.
func withRetrier(open func() (*retry.Retrier, io.Closer, error), fn func(r *retry.Retrier) error) error {
	r, closer, err := open()
	if err != nil {
		return err
	}
	defer closer.Close()

	return fn(r)
}

func runOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Process due retry jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetrier(openRetrier, func(r *retry.Retrier) error {
				stats, err := r.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [transaction-id]",
		Short: "Show the active retry job of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetrier(openRetrier, func(r *retry.Retrier) error {
				job, found, err := r.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					fmt.Printf("no active retry for %s\n", args[0])
					return nil
				}
				return printJSON(job)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [transaction-id]",
		Short: "Cancel the active retry job of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetrier(openRetrier, func(r *retry.Retrier) error {
				cancelled, err := r.CancelRetry(cmd.Context(), args[0])
				if errors.Is(err, retry.ErrAttemptInFlight) {
					return errors.Newf("a retry attempt for %s is running, try again shortly", args[0])
				}
				if err != nil {
					return err
				}
				if !cancelled {
					fmt.Printf("no active retry for %s\n", args[0])
					return nil
				}
				fmt.Printf("cancelled retry for %s\n", args[0])
				return nil
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [user-id]",
		Short: "List a user's active retry jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetrier(openRetrier, func(r *retry.Retrier) error {
				jobs, err := r.ListForUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(jobs)
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
