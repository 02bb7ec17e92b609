package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oxdaily/internal/app"
	"oxdaily/internal/config"
	"oxdaily/internal/pipeline"
	"oxdaily/internal/schedule"
	"oxdaily/plugins/dedup"
	"oxdaily/plugins/githubtrending"
	"oxdaily/plugins/keyword"
	"oxdaily/plugins/rss"
	logx "oxdaily/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "oxdaily",
		Short:         "Periodic digest of trending repos and feeds, delivered to a chat webhook",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the scheduler until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run a single tick now and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runOnce(cmd.Context(), cfgPath)
			},
		},
		newNextCmd(&cfgPath),
		&cobra.Command{
			Use:   "validate",
			Short: "Parse and validate the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := config.NewManager(cfgPath).Load(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
				return nil
			},
		},
	)
	return root
}

func newNextCmd(cfgPath *string) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next scheduled run times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			s, err := schedule.New(cfg.Schedule, logx.Nop())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.String())
			for _, t := range s.NextN(n) {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of runs to print")
	return cmd
}

func build(cfgPath string) (*app.App, error) {
	a, err := app.New(cfgPath)
	if err != nil {
		return nil, err
	}
	reg := a.Registry()
	reg.RegisterSource(githubtrending.Name, githubtrending.New())
	reg.RegisterSource(rss.Name, rss.New(a.Logger()))
	reg.RegisterProcessor(keyword.Name, keyword.New())
	reg.RegisterProcessor(dedup.Name, dedup.New(a.Store()))
	return a, nil
}

func runDaemon(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := build(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
wait:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				if _, err := a.Reload(app.WithActor(ctx, "sighup")); err != nil {
					a.Logger().Warn("reload rejected", logx.Err(err))
				}
				continue
			case os.Interrupt:
				reason = app.StopSIGINT
			default:
				reason = app.StopSIGTERM
			}
			break wait
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
			break wait
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if reason == app.StopFatalError {
		return fatal
	}
	return nil
}

func runOnce(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := build(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Stop(ctx, app.StopOnce)
	}()
	if err := a.Check(); err != nil {
		return err
	}
	res := a.RunOnce(parent)
	fmt.Printf("%s: fetched=%d items=%d took=%s\n", res.Outcome(), res.Fetched, res.Items, res.Duration().Round(time.Millisecond))
	if res.Outcome() == pipeline.OutcomeFailed {
		detail := ""
		if res.Delivery != nil {
			detail = res.Delivery.Detail
		}
		return errors.New("delivery failed: " + detail)
	}
	return nil
}
