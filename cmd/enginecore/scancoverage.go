package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pharmscan/enginecore/internal/enginecore/config"
	"github.com/pharmscan/enginecore/internal/enginecore/coverage"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

var (
	scanCoverageFlagMinMargin    float64
	scanCoverageFlagDaysBack     int
	scanCoverageFlagMinClaims    int
	scanCoverageFlagDMEMinMargin float64
)

// scanCoverageCmd is invoked from a single scheduled entry point
// (conceptually cron-driven) and holds no per-pharmacy lock, since it
// is a process-wide scan across every enabled trigger.
var scanCoverageCmd = &cobra.Command{
	Use:   "scan-coverage",
	Short: "Discover per-trigger best-reimbursing coverage across all pharmacies",
	Args:  cobra.NoArgs,
	RunE:  runScanCoverage,
}

func init() {
	scanCoverageCmd.Flags().Float64Var(&scanCoverageFlagMinMargin, "min-margin", 0, "override the configured minimum GP margin")
	scanCoverageCmd.Flags().IntVar(&scanCoverageFlagDaysBack, "days-back", 0, "candidate-claim lookback window in days (0 uses the scanner default of 365)")
	scanCoverageCmd.Flags().IntVar(&scanCoverageFlagMinClaims, "min-claims", 0, "override the configured minimum verified claim count")
	scanCoverageCmd.Flags().Float64Var(&scanCoverageFlagDMEMinMargin, "dme-min-margin", 0, "override the configured minimum margin for ndc_optimization triggers")
}

func runScanCoverage(cmd *cobra.Command, args []string) error {
	log := logger.L()
	cfg := config.Get()

	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := coverage.Options{
		MinClaims:    firstNonZeroInt(scanCoverageFlagMinClaims, cfg.Scan.MinClaims),
		DaysBack:     scanCoverageFlagDaysBack,
		MinMargin:    firstNonZeroFloat(scanCoverageFlagMinMargin, cfg.Scan.MinMargin),
		DMEMinMargin: firstNonZeroFloat(scanCoverageFlagDMEMinMargin, cfg.Scan.DMEMinMargin),
	}

	sc := coverage.New(s)
	summary, err := sc.ScanAllCoverage(ctx, opts)
	if err != nil {
		return fmt.Errorf("scan-coverage: %w", err)
	}

	log.Infow("scan-coverage complete",
		"triggers_scanned", summary.TriggersScanned,
		"verified_rows", summary.VerifiedRows,
		"no_match_count", len(summary.NoMatch))
	fmt.Printf("scanned %d triggers: %d verified coverage rows, %d with no match\n",
		summary.TriggersScanned, summary.VerifiedRows, len(summary.NoMatch))
	for _, nm := range summary.NoMatch {
		fmt.Printf("  trigger %d: %s\n", nm.TriggerID, nm.Reason)
	}
	return nil
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonZeroFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
