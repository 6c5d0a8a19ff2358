package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pharmscan/enginecore/internal/enginecore/config"
	"github.com/pharmscan/enginecore/internal/enginecore/evaluator"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/orchestrator"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

var evaluateFlagLookbackDays int

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <pharmacy_id>",
	Short: "Evaluate enabled triggers against a pharmacy's recent claims",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().IntVar(&evaluateFlagLookbackDays, "lookback-days", 0, "override the configured trigger lookback window")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	log := logger.L()
	cfg := config.Get()

	pharmacyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pharmacy_id %q: %w", args[0], err)
	}

	lookback := evaluateFlagLookbackDays
	if lookback <= 0 {
		lookback = cfg.Scan.LookbackDays
	}

	s, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result *evaluator.Result
	runErr := locker.WithEvaluatorLock(pharmacyID, func() error {
		ev := evaluator.New(s)
		var err error
		result, err = ev.Scan(ctx, pharmacyID, lookback)
		return err
	})
	if runErr == orchestrator.ErrBusy {
		return fmt.Errorf("evaluator for pharmacy %d is already running: %w", pharmacyID, runErr)
	}
	if runErr != nil {
		return fmt.Errorf("evaluate: %w", runErr)
	}

	log.Infow("evaluate complete",
		"pharmacy_id", pharmacyID, "lookback_days", lookback,
		"created", result.Created, "skipped_duplicates", result.SkippedDuplicates)
	fmt.Printf("pharmacy %d: %d opportunities created, %d duplicates skipped\n",
		pharmacyID, result.Created, result.SkippedDuplicates)
	return nil
}
