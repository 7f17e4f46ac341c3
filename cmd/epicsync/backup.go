package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JohanCodinha/epicsync/internal/domain"
	"github.com/JohanCodinha/epicsync/internal/session"
	"github.com/JohanCodinha/epicsync/internal/sync"
)

var (
	flagBackupID       string
	flagRollbackDryRun bool
)

var backupsCmd = &cobra.Command{
	Use:   "backups [epic-key]",
	Short: "List pre-sync backups",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackups,
}

var backupsDiffCmd = &cobra.Command{
	Use:   "diff <epic-key>",
	Short: "Show how the tracker drifted from a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupsDiff,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <epic-key>",
	Short: "Restore tracker issues to a backed-up state",
	Long: `Restore the fields and statuses captured in a backup. Issues created
after the backup was taken are left in place; rollback never deletes.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	backupsCmd.AddCommand(backupsDiffCmd)

	backupsDiffCmd.Flags().StringVar(&flagBackupID, "backup", "latest", "backup id")
	rollbackCmd.Flags().StringVar(&flagBackupID, "backup", "latest", "backup id")
	rollbackCmd.Flags().BoolVar(&flagRollbackDryRun, "dry-run", false, "show the restore plan without applying it")
	rollbackCmd.Flags().BoolVar(&flagNoConfirm, "no-confirm", false, "apply without per-operation prompts")
}

func runBackups(cmd *cobra.Command, args []string) error {
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

	summaries, err := a.backups.List(epicKey)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no backups")
		return nil
	}

	fmt.Printf("%-40s %-10s %-8s %-9s %-17s %s\n", "ID", "EPIC", "ISSUES", "SUBTASKS", "CREATED", "AGE")
	for _, s := range summaries {
		fmt.Printf("%-40s %-10s %-8d %-9d %-17s %s\n",
			s.ID, s.EpicKey, s.Issues, s.Subtasks,
			s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Age)
	}
	return nil
}

func runBackupsDiff(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	epicKey, err := domain.ParseIssueKey(args[0])
	if err != nil {
		return err
	}
	b, err := a.backups.Resolve(flagBackupID, epicKey)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	changes, err := a.backups.Diff(ctx, b)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Printf("no drift from backup %s\n", b.ID)
		return nil
	}

	fmt.Printf("drift from backup %s:\n", b.ID)
	for _, ch := range changes {
		fmt.Printf("  %s %s: %q -> %q\n", ch.Key, ch.Field, ch.Backup, ch.Live)
	}
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	epicKey, err := domain.ParseIssueKey(args[0])
	if err != nil {
		return err
	}
	b, err := a.backups.Resolve(flagBackupID, epicKey)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	ops, err := a.backups.RestorePlan(ctx, b)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Printf("tracker already matches backup %s\n", b.ID)
		return nil
	}

	if flagRollbackDryRun {
		for i := range ops {
			fmt.Printf("  %s\n", ops[i].Describe())
		}
		fmt.Printf("rollback of %s would apply %d operations\n", b.ID, len(ops))
		return nil
	}

	// A rollback is executed like any sync: same confirmation, retry, and
	// reporting machinery, driven by a session built from the restore plan.
	opts, err := a.engineOptions("all", nil, false, true, "")
	if err != nil {
		return err
	}
	engine := sync.NewEngine(a.db, a.client, a.retryer, a.backups, opts)

	sess := session.New(epicKey, "", "", ops, nil, nil)
	if err := a.db.SaveSession(sess); err != nil {
		return err
	}

	report, execErr := engine.Execute(ctx, sess, confirmPolicy(flagNoConfirm))
	if report != nil {
		if perr := printReport(report, ""); perr != nil {
			return perr
		}
	}
	if execErr != nil {
		return execErr
	}
	if rerr := report.Err(); rerr != nil {
		return rerr
	}
	fmt.Printf("rolled back %s to backup %s\n", epicKey, b.ID)
	return nil
}
