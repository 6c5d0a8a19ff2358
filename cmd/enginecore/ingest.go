package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharmscan/enginecore/internal/enginecore/config"
	"github.com/pharmscan/enginecore/internal/enginecore/ingest"
	"github.com/pharmscan/enginecore/internal/enginecore/logger"
	"github.com/pharmscan/enginecore/internal/enginecore/model"
	"github.com/pharmscan/enginecore/internal/enginecore/orchestrator"
	"github.com/pharmscan/enginecore/internal/enginecore/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <pharmacy_id> <file>",
	Short: "Ingest a dispensing claims export for one pharmacy",
	Args:  cobra.ExactArgs(2),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	log := logger.L()
	cfg := config.Get()

	pharmacyID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid pharmacy_id %q: %w", args[0], err)
	}
	filePath := args[1]

	src, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read input file: %w", err)
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

	var result *ingest.Result
	runErr := locker.WithIngestLock(pharmacyID, filePath, func() error {
		ig := ingest.New(s, cfg.Ingest.BatchSize)
		var err error
		result, err = ig.Ingest(ctx, pharmacyID, src, filePath)
		return err
	})
	if runErr == orchestrator.ErrBusy {
		return fmt.Errorf("ingest for pharmacy %d / %s is already running: %w", pharmacyID, filePath, runErr)
	}
	if runErr != nil {
		// Ingest writes its own summary row on completion; a run that
		// errored out before reaching that point still gets one here.
		logErr := s.AppendIngestionLog(ctx, &model.IngestionLog{
			PharmacyID: pharmacyID,
			SourceType: "csv",
			FileName:   filePath,
			Status:     "failed",
			CreatedAt:  time.Now().UTC(),
		})
		if logErr != nil {
			log.Errorw("ingest: failed to record failed ingestion log", "err", logErr.Error())
		}
		return fmt.Errorf("ingest: %w", runErr)
	}

	log.Infow("ingest complete",
		"pharmacy_id", pharmacyID, "file", filePath,
		"received", result.Received, "processed", result.Processed,
		"failed", result.Failed, "patients_touched", result.PatientsTouched)
	fmt.Printf("ingested %d/%d rows for pharmacy %d (%d failed, %d patients touched)\n",
		result.Processed, result.Received, pharmacyID, result.Failed, result.PatientsTouched)
	return nil
}
