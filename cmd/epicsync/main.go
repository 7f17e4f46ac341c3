// Package main provides the CLI entrypoint for epicsync.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/epicsync/internal/backup"
	"github.com/JohanCodinha/epicsync/internal/config"
	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/jira"
	"github.com/JohanCodinha/epicsync/internal/logger"
	"github.com/JohanCodinha/epicsync/internal/match"
	"github.com/JohanCodinha/epicsync/internal/plan"
	"github.com/JohanCodinha/epicsync/internal/store"
	"github.com/JohanCodinha/epicsync/internal/sync"
	"github.com/JohanCodinha/epicsync/internal/tracker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:   "epicsync",
	Short: "Sync epic documents with an issue tracker",
	Long: `epicsync reads an epic specification document (YAML) describing user
stories and subtasks, matches them against the issues under an epic in
your tracker, and applies the difference: creating missing issues,
updating changed ones, and transitioning statuses.

Every run is planned before it executes, backed up before it mutates,
and resumable if it is interrupted.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagLogLevel != "" {
			level, err := logger.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
		}
		if flagLogFile != "" {
			if err := logger.SetLogFile(flagLogFile); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/epicsync/config.yml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write logs to this file")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(rollbackCmd)
}

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.Config
	db      *store.DB
	client  *jira.Client
	retryer *tracker.Retryer
	backups *backup.Manager
}

// setup loads config and wires the client, store, and backup manager.
// Every command shares one rate budget, so a 429 anywhere slows everything.
func setup() (*app, error) { return newApp(true) }

// setupLocal wires only the local store, for commands that never talk to
// the tracker.
func setupLocal() (*app, error) { return newApp(false) }

func newApp(needClient bool) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	if flagLogLevel == "" && cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}

	db, err := store.InitDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db}
	if !needClient {
		// Local commands still list backups; the manager never reaches the
		// tracker for that.
		a.backups = backup.NewManager(db, nil, nil)
		return a, nil
	}

	baseURL, email, token, err := cfg.Credentials()
	if err != nil {
		// Fall back to plain environment variables for credential resolution.
		baseURL, email, token, err = jira.GetToken()
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	a.client = jira.New(baseURL, email, token, jira.WithStoryPointsField(cfg.StoryPointsField))

	a.retryer = tracker.NewRetryer(tracker.DefaultRetryPolicy(), tracker.NewRateBudget())
	a.backups = backup.NewManager(db, a.client, a.retryer)
	a.backups.MaxPerEpic = cfg.BackupMaxPerEpic
	a.backups.RetentionDays = cfg.BackupRetentionDays
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	logger.Close()
}

// engineOptions builds sync engine options from config plus command flags.
func (a *app) engineOptions(phases string, stories []string, incremental, noBackup bool, strategy string) (sync.Options, error) {
	phaseSet, err := plan.ParsePhases(phases)
	if err != nil {
		return sync.Options{}, err
	}

	if strategy == "" {
		strategy = a.cfg.ConflictStrategy
	}
	conflict, err := sync.ParseStrategy(strategy)
	if err != nil {
		return sync.Options{}, err
	}

	opts := sync.Options{
		Phases:      phaseSet,
		Incremental: incremental,
		Match:       match.Config{Threshold: a.cfg.FuzzyThreshold},
		Conflict:    conflict,
		ConflictDir: a.cfg.ConflictDir,
		NoBackup:    noBackup,
	}
	for _, s := range stories {
		id, err := domain.ParseStoryID(s)
		if err != nil {
			return sync.Options{}, err
		}
		opts.StoryIDs = append(opts.StoryIDs, id)
	}
	return opts, nil
}

// confirmPolicy returns the per-operation confirmation policy. Interactive
// prompting only makes sense on a terminal; everywhere else operations
// proceed unprompted.
func confirmPolicy(noConfirm bool) sync.ConfirmPolicy {
	if noConfirm || !isatty.IsTerminal(os.Stdin.Fd()) {
		return sync.NoConfirm
	}

	reader := bufio.NewReader(os.Stdin)
	all := false
	return func(op *plan.Operation) bool {
		if all {
			return true
		}
		fmt.Printf("  %s [y/N/a]: ", op.Describe())
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		case "a", "all":
			all = true
			return true
		default:
			return false
		}
	}
}

func printReport(r *sync.Report, reportPath string) error {
	for _, entry := range r.Entries {
		status := "planned"
		detail := ""
		if entry.Result != nil {
			status = string(entry.Result.Status)
			if entry.Result.Reason != "" {
				detail = " (" + entry.Result.Reason + ")"
			}
			if entry.Result.Error != "" {
				detail = " (" + entry.Result.Error + ")"
			}
		} else if entry.Operation.Diagnostic != "" {
			status = "blocked"
			detail = " (" + entry.Operation.Diagnostic + ")"
		}
		fmt.Printf("  %-8s %s%s\n", status, entry.Operation.Describe(), detail)
	}
	for _, skip := range r.Skips {
		fmt.Printf("  %-8s %s (%s)\n", "skipped", skip.StoryID, skip.Reason)
	}
	fmt.Println(r.Summary())

	if reportPath != "" {
		if err := r.WriteJSON(reportPath); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", reportPath)
	}
	return nil
}
