package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/rostersync/internal/access"
	"github.com/agentworkforce/rostersync/internal/config"
	"github.com/agentworkforce/rostersync/internal/roster"
	"github.com/agentworkforce/rostersync/internal/syncer"
)

type rootOptions struct {
	EnvFile string
	cfg     config.Config
	logger  *log.Logger
}

func main() {
	logger := log.Default()
	logger.SetPrefix("[rostersync] ")

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(rootCtx); err != nil {
		logger.Printf("%v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	opts := &rootOptions{logger: logger}

	cmd := &cobra.Command{
		Use:           "rostersync",
		Short:         "Keep chat membership in line with the roster spreadsheet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.EnvFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newOnceCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newLinkCommand(opts))
	cmd.AddCommand(newAccessCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync worker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			return runWorker(cmd.Context(), opts.cfg, opts.logger)
		},
	}
}

func runWorker(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	a := newApp(cfg, logger)
	defer func() {
		if err := a.Close(); err != nil {
			logger.Printf("close: %v", err)
		}
	}()
	if err := a.openRoster(); err != nil {
		return err
	}
	if err := a.openState(); err != nil {
		return err
	}
	if err := a.openPlatform(); err != nil {
		return err
	}
	worker, err := a.worker()
	if err != nil {
		return err
	}

	if cfg.ResyncSchedule != "" {
		scheduler, err := syncer.ScheduleResync(cfg.ResyncSchedule, a.source, worker, logger)
		if err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	if a.workbook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.workbook.Watch(ctx, rosterChanged(a.source, worker)); err != nil {
				logger.Printf("roster file watch stopped: %v", err)
			}
		}()
	}
	if cfg.GuardEnabled {
		guard := access.NewGuard(a.store, a.enforcer, access.GuardOptions{Logger: logger})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := guard.Run(ctx, a.platform); err != nil {
				logger.Printf("guard stopped: %v", err)
			}
		}()
	}

	logger.Printf("sync worker started: interval=%s", cfg.SyncInterval)
	return worker.Run(ctx)
}

// rosterChanged forces the next check to report a change before waking the
// worker, so writes within the file's mtime resolution are not lost.
func rosterChanged(source syncer.Invalidator, worker syncer.Nudger) func() {
	return func() {
		source.Invalidate()
		worker.Nudge()
	}
}

func newOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single check-and-sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			a := newApp(opts.cfg, opts.logger)
			defer a.Close()
			if err := a.openRoster(); err != nil {
				return err
			}
			if err := a.openState(); err != nil {
				return err
			}
			if err := a.openPlatform(); err != nil {
				return err
			}
			worker, err := a.worker()
			if err != nil {
				return err
			}
			report, err := worker.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cycle=%s changed=%t events=%d notified=%d failed=%d\n",
				report.CycleID, report.Changed, report.Events, report.Notified, report.Failed)
			if worker.PendingPersist() {
				return errors.New("state snapshot was not persisted")
			}
			return nil
		},
	}
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the persisted roster snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(opts.cfg, opts.logger)
			defer a.Close()
			if err := a.openState(); err != nil {
				return err
			}
			return writeJSON(cmd, a.store.Snapshot().Records())
		},
	}
}

func newLinkCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <user-id> <chat-id>",
		Short: "Print the invite link issued to a user for a chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			chatID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[1])
			}
			a := newApp(opts.cfg, opts.logger)
			defer a.Close()
			if err := a.openPlatform(); err != nil {
				return err
			}
			link, err := a.links.GetLink(cmd.Context(), userID, roster.ChatID(chatID))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), link)
			return nil
		},
	}
}

func newAccessCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "access <user-id>",
		Short: "Resolve the chats a user may join, clearing bans and issuing links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a := newApp(opts.cfg, opts.logger)
			defer a.Close()
			if err := a.openState(); err != nil {
				return err
			}
			if err := a.openPlatform(); err != nil {
				return err
			}
			resolver := access.NewResolver(a.store, a.platform, a.enforcer, opts.logger)
			result, err := resolver.ResolveAccess(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}
}

func parseUserID(raw string) (int64, error) {
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return userID, nil
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
