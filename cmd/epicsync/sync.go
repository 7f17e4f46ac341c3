package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/sync"
)

var (
	flagDryRun      bool
	flagPhases      string
	flagStories     []string
	flagIncremental bool
	flagNoConfirm   bool
	flagNoBackup    bool
	flagStrategy    string
	flagReport      string
	flagWorkers     int
	flagSessionID   string
)

var syncCmd = &cobra.Command{
	Use:   "sync <document.yml> [document.yml...]",
	Short: "Sync epic documents with the tracker",
	Long: `Sync one or more epic documents with the tracker: plan the difference,
back up the issues the plan will touch, then apply it.

Multiple documents sync concurrently, bounded by --workers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan <document.yml>",
	Short: "Preview what a sync would do without changing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <document.yml>",
	Short: "Resume an interrupted sync from where it stopped",
	Long: `Resume the most recent paused session for the document's epic, or the
session named by --session. The document must not have changed since
the session was planned.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [epic-key]",
	Short: "List sync sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, planCmd} {
		cmd.Flags().StringVar(&flagPhases, "phases", "all", "comma-separated phases: descriptions, subtasks, comments, statuses")
		cmd.Flags().StringSliceVar(&flagStories, "stories", nil, "restrict to these story ids")
		cmd.Flags().BoolVar(&flagIncremental, "incremental", false, "skip stories unchanged since their last sync")
		cmd.Flags().StringVar(&flagStrategy, "conflict-strategy", "", "both-changed resolution: manual, prefer-local, prefer-remote")
		cmd.Flags().StringVar(&flagReport, "report", "", "write a JSON report to this path")
	}
	syncCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "plan only, change nothing")
	syncCmd.Flags().BoolVar(&flagNoConfirm, "no-confirm", false, "apply without per-operation prompts")
	syncCmd.Flags().BoolVar(&flagNoBackup, "no-backup", false, "skip the pre-sync backup")
	syncCmd.Flags().IntVar(&flagWorkers, "workers", 0, "max concurrent epics (default from config)")

	resumeCmd.Flags().StringVar(&flagSessionID, "session", "", "session id (default: latest paused for the epic)")
	resumeCmd.Flags().BoolVar(&flagNoConfirm, "no-confirm", false, "apply without per-operation prompts")
	resumeCmd.Flags().StringVar(&flagReport, "report", "", "write a JSON report to this path")
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// interrupted run pauses cleanly between operations.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	opts, err := a.engineOptions(flagPhases, flagStories, flagIncremental, flagNoBackup, flagStrategy)
	if err != nil {
		return err
	}
	engine := sync.NewEngine(a.db, a.client, a.retryer, a.backups, opts)

	docs := make([]*domain.Document, 0, len(args))
	for _, path := range args {
		doc, err := domain.Load(path)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if len(docs) == 1 {
		report, err := engine.Sync(ctx, docs[0], flagDryRun, confirmPolicy(flagNoConfirm))
		if report != nil {
			if perr := printReport(report, flagReport); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		// Partial failure exits non-zero even though the run finished.
		return report.Err()
	}

	workers := flagWorkers
	if workers == 0 {
		workers = a.cfg.Workers
	}
	// Per-operation prompts across concurrent epics would interleave;
	// multi-document runs are always unprompted.
	results := engine.SyncAll(ctx, docs, workers, flagDryRun, sync.NoConfirm)

	failed := 0
	for _, res := range results {
		fmt.Printf("== %s (%s)\n", res.EpicKey, res.Path)
		if res.Report != nil {
			if err := printReport(res.Report, ""); err != nil {
				return err
			}
		}
		switch {
		case res.Err != nil:
			fmt.Printf("  error: %v\n", res.Err)
			failed++
		case res.Report != nil && res.Report.Err() != nil:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d epics failed", failed, len(docs))
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	opts, err := a.engineOptions(flagPhases, flagStories, flagIncremental, true, flagStrategy)
	if err != nil {
		return err
	}
	engine := sync.NewEngine(a.db, a.client, a.retryer, a.backups, opts)

	doc, err := domain.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := engine.Sync(ctx, doc, true, sync.NoConfirm)
	if err != nil {
		return err
	}
	return printReport(report, flagReport)
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	opts, err := a.engineOptions("all", nil, false, true, "")
	if err != nil {
		return err
	}
	engine := sync.NewEngine(a.db, a.client, a.retryer, a.backups, opts)

	doc, err := domain.Load(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := engine.Resume(ctx, flagSessionID, doc, confirmPolicy(flagNoConfirm))
	if report != nil {
		if perr := printReport(report, flagReport); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	return report.Err()
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := setupLocal()
	if err != nil {
		return err
	}
	defer a.close()

	var epicKey domain.IssueKey
	if len(args) == 1 {
		epicKey, err = domain.ParseIssueKey(args[0])
		if err != nil {
			return err
		}
	}

	sessions, err := a.db.ListSessions(epicKey)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	fmt.Printf("%-38s %-10s %-10s %-10s %s\n", "ID", "EPIC", "STATE", "PROGRESS", "UPDATED")
	for _, s := range sessions {
		fmt.Printf("%-38s %-10s %-10s %-10s %s\n",
			s.ID, s.EpicKey, s.State,
			fmt.Sprintf("%d/%d", s.Cursor, s.Total),
			s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
