package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raggd/raggd/internal/dbhealth"
	"github.com/raggd/raggd/internal/health"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/parser"
)

// healthCmd evaluates a source's db and parser module health and folds
// the result into the workspace-wide .health.json document (§4.18).
var healthCmd = &cobra.Command{
	Use:   "health <source>",
	Short: "Evaluate and record db/parser health for a source",
	Args:  cobra.ExactArgs(1),
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	rc, err := loadRuntime()
	if err != nil {
		return err
	}
	source := args[0]
	now := time.Now()

	dbEval := dbhealth.New(rc.wp, rc.man, dbhealth.Options{
		VacuumMaxStaleDays:  rc.cfg.DB.VacuumMaxStaleDays,
		DriftWarningSeconds: rc.cfg.DB.DriftWarningSeconds,
		MigrationsPath:      rc.cfg.DB.MigrationsPath,
	})
	dbReport := dbEval.Evaluate(source, true, now)
	if err := rc.agg.Record("db", []health.Report{dbReportToHealth(dbReport)}, now); err != nil {
		return fmt.Errorf("record db health: %w", err)
	}
	printHealth("db", dbReport.Status, dbReport.Summary, dbReport.Actions)

	parserReport := rc.parserHealthEvaluator().Evaluate(source, rc.cfg.Modules.Parser.Enabled)
	if err := rc.agg.Record("parser", []health.Report{parserReportToHealth(parserReport)}, now); err != nil {
		return fmt.Errorf("record parser health: %w", err)
	}
	printHealth("parser", parserReport.Status, parserReport.Summary, parserReport.Actions)

	return nil
}

func printHealth(module string, status manifest.HealthStatus, summary string, actions []string) {
	fmt.Printf("%s: %s - %s\n", module, status, summary)
	for _, a := range actions {
		fmt.Printf("  action: %s\n", a)
	}
}

func dbReportToHealth(r dbhealth.Report) health.Report {
	return health.Report{
		Name:          r.Name,
		Status:        r.Status,
		Summary:       r.Summary,
		Actions:       r.Actions,
		LastRefreshAt: r.LastRefreshAt,
	}
}

func parserReportToHealth(r parser.HealthReport) health.Report {
	return health.Report{
		Name:          r.Name,
		Status:        r.Status,
		Summary:       r.Summary,
		Actions:       r.Actions,
		LastRefreshAt: r.LastRefreshAt,
	}
}
