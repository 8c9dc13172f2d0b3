package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// dbCmd groups the per-source database lifecycle operations (§4.7).
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage a source's relational store",
}

var dbEnsureCmd = &cobra.Command{
	Use:   "ensure <source>",
	Short: "Create the database and apply pending migrations if it's missing or behind",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBEnsure,
}

var dbUpgradeCmd = &cobra.Command{
	Use:   "upgrade <source>",
	Short: "Apply pending migrations",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBUpgrade,
}

var dbDowngradeCmd = &cobra.Command{
	Use:   "downgrade <source>",
	Short: "Revert the last N applied migrations (destructive)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBDowngrade,
}

var dbInfoCmd = &cobra.Command{
	Use:   "info <source>",
	Short: "Report schema state and table row counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBInfo,
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum <source>",
	Short: "Reclaim space and update statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBVacuum,
}

var dbResetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Drop and recreate the database from scratch (destructive)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDBReset,
}

var dbRunCmd = &cobra.Command{
	Use:   "run <source> <sql-file>",
	Short: "Execute a SQL script against the source's database",
	Args:  cobra.ExactArgs(2),
	RunE:  runDBRun,
}

var (
	dbUpgradeSteps   int
	dbDowngradeSteps int
	dbInfoSchema     bool
	dbInfoCounts     bool
	dbVacuumJobs     int
	dbResetForce     bool
	dbRunAutocommit  bool
)

func init() {
	dbUpgradeCmd.Flags().IntVar(&dbUpgradeSteps, "steps", 0, "Number of pending migrations to apply (0 = all)")
	dbDowngradeCmd.Flags().IntVar(&dbDowngradeSteps, "steps", 1, "Number of applied migrations to revert")
	dbInfoCmd.Flags().BoolVar(&dbInfoSchema, "schema", false, "Include schema details")
	dbInfoCmd.Flags().BoolVar(&dbInfoCounts, "counts", true, "Include table row counts")
	dbVacuumCmd.Flags().IntVar(&dbVacuumJobs, "concurrency", 0, "Vacuum concurrency (0 = config/auto)")
	dbResetCmd.Flags().BoolVar(&dbResetForce, "force", false, "Confirm the destructive reset")
	dbRunCmd.Flags().BoolVar(&dbRunAutocommit, "autocommit", true, "Commit each statement independently")

	dbCmd.AddCommand(dbEnsureCmd, dbUpgradeCmd, dbDowngradeCmd, dbInfoCmd, dbVacuumCmd, dbResetCmd, dbRunCmd)
}

func runDBEnsure(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	out, err := rc.dbService().Ensure(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("ensure: head=%v pending=%d\n", derefString(out.State.HeadMigrationShort7), len(out.State.PendingMigrations))
	return nil
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	var steps *int
	if dbUpgradeSteps > 0 {
		steps = &dbUpgradeSteps
	}
	out, err := rc.dbService().Upgrade(context.Background(), args[0], steps)
	if err != nil {
		return err
	}
	fmt.Printf("upgrade: head=%v pending=%d\n", derefString(out.State.HeadMigrationShort7), len(out.State.PendingMigrations))
	return nil
}

func runDBDowngrade(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	out, err := rc.dbService().Downgrade(context.Background(), args[0], dbDowngradeSteps)
	if err != nil {
		return err
	}
	fmt.Printf("downgrade: head=%v pending=%d\n", derefString(out.State.HeadMigrationShort7), len(out.State.PendingMigrations))
	return nil
}

func runDBInfo(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	out, err := rc.dbService().Info(context.Background(), args[0], dbInfoSchema, dbInfoCounts)
	if err != nil {
		return err
	}
	fmt.Printf("info: head=%v pending=%d\n", derefString(out.State.HeadMigrationShort7), len(out.State.PendingMigrations))
	for table, count := range out.TableCounts {
		fmt.Printf("  %-24s %d\n", table, count)
	}
	for _, skipped := range out.TableCountsSkipped {
		fmt.Printf("  %-24s (skipped)\n", skipped)
	}
	return nil
}

func runDBVacuum(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	concurrency := dbVacuumJobs
	if concurrency <= 0 {
		concurrency = resolveIntOrAuto(rc.cfg.DB.VacuumConcurrency, 1)
	}
	out, err := rc.dbService().Vacuum(context.Background(), args[0], concurrency)
	if err != nil {
		return err
	}
	fmt.Printf("vacuum: last_vacuum_at=%v\n", out.State.LastVacuumAt)
	return nil
}

func runDBReset(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	if !dbResetForce {
		return fmt.Errorf("db reset is destructive; pass --force to confirm")
	}
	_, err = rc.dbService().Reset(context.Background(), args[0], dbResetForce)
	if err != nil {
		return err
	}
	fmt.Println("reset: database recreated")
	return nil
}

func runDBRun(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	autocommit := dbRunAutocommit
	if !rc.cfg.DB.RunAutocommitDefault && !cmd.Flags().Changed("autocommit") {
		autocommit = false
	}
	_, err = rc.dbService().Run(context.Background(), args[0], args[1], autocommit)
	if err != nil {
		return err
	}
	fmt.Println("run: script applied")
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return "<none>"
	}
	return *s
}
