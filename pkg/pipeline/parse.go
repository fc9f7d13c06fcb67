package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/parser"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// Parse streams a stored file through the format parser, persisting price
// records in batches and queueing one normalize job per batch. The parse
// queue runs single-worker with a long lease; the lease is extended as rows
// flow so a big file never looks stalled.
func (s *Stages) Parse(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.ParsePayload)

	file, err := s.repo.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return &core.Result{Skipped: true, SkipReason: fmt.Sprintf("file %d no longer exists", payload.FileID)}, nil
	}
	if file.StorageKey == "" {
		return &core.Result{Skipped: true, SkipReason: "file has no stored artifact yet"}, nil
	}
	if file.ProcessingStatus == core.FileCompleted && !payload.ForceRefresh {
		return &core.Result{Skipped: true, SkipReason: "file already parsed"}, nil
	}

	log := s.log.WithFields(logging.Fields{"job_id": job.ID, "file_id": file.ID})
	control := worker.ControlFromContext(ctx)

	if payload.ForceRefresh {
		if err := s.repo.DeleteRecordsForFile(ctx, file.ID); err != nil {
			return nil, err
		}
	}

	if err := s.repo.SetFileStatus(ctx, file.ID, core.FileProcessing, ""); err != nil {
		return nil, err
	}

	obj, err := s.store.Download(ctx, file.StorageKey)
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") {
			return &core.Result{Skipped: true, SkipReason: fmt.Sprintf("stored object %s is gone", file.StorageKey)}, nil
		}
		return nil, err
	}
	defer obj.Close()

	// Spool to disk: ZIP (and xlsx inside zip) needs random access, and a
	// local copy keeps one pass over the network.
	tmp, err := os.CreateTemp("", "pricepipe-parse-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, obj)
	if err != nil {
		return nil, fmt.Errorf("spool %s: %w", file.StorageKey, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	stream, err := parser.Open(tmp, parser.Options{
		Filename: file.Filename,
		ReaderAt: tmp,
		Size:     size,
	})
	if err != nil {
		if markErr := s.repo.SetFileStatus(ctx, file.ID, core.FileFailed, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("failed to mark file failed")
		}
		return nil, core.NoRetry(fmt.Errorf("open %s: %w", file.Filename, err))
	}

	batchSize := s.cfg.Parser.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	progressEvery := s.cfg.Parser.ProgressEveryRows
	if progressEvery <= 0 {
		progressEvery = 1000
	}

	var (
		batch   []core.PriceRecord
		next    []core.NextJob
		total   int
		batches int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.repo.InsertPriceBatch(ctx, batch); err != nil {
			return fmt.Errorf("persist batch of %d: %w", len(batch), err)
		}
		batches++
		next = append(next, core.NextJob{
			Queue: core.QueueNormalize,
			Name:  core.JobPriceNormalize,
			Payload: &core.NormalizePayload{
				FileID:     file.ID,
				HospitalID: file.HospitalID,
				BatchSize:  batchSize,
			},
		})
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if markErr := s.repo.SetFileStatus(ctx, file.ID, core.FileFailed, err.Error()); markErr != nil {
				log.WithError(markErr).Warn("failed to mark file failed")
			}
			return nil, core.NoRetry(fmt.Errorf("parse %s after %d records: %w", file.Filename, total, err))
		}

		var payerJSON []byte
		if len(rec.PayerRates) > 0 {
			payerJSON = marshalPayerRates(rec.PayerRates)
		}
		batch = append(batch, core.PriceRecord{
			FileID:            file.ID,
			HospitalID:        file.HospitalID,
			Code:              rec.Code,
			CodeType:          rec.CodeType,
			Description:       rec.Description,
			GrossCharge:       rec.GrossCharge,
			DiscountedCash:    rec.DiscountedCash,
			MinNegotiatedRate: rec.MinNegotiated,
			MaxNegotiatedRate: rec.MaxNegotiated,
			PayerRates:        payerJSON,
		})
		total++

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}

		if total%progressEvery == 0 && control != nil {
			if err := control.ExtendLease(ctx); err != nil {
				log.WithError(err).Warn("failed to extend parse lease")
			}
			control.ReportProgress(ctx, progressPct(batches), fmt.Sprintf("parsed %d records", total))
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if total == 0 {
		msg := fmt.Sprintf("no parseable records (%d rows skipped)", stream.Skipped())
		if markErr := s.repo.SetFileStatus(ctx, file.ID, core.FileFailed, msg); markErr != nil {
			log.WithError(markErr).Warn("failed to mark file failed")
		}
		return nil, core.NoRetry(fmt.Errorf("%s: %s", file.Filename, msg))
	}

	if err := s.repo.SetFileStatus(ctx, file.ID, core.FileCompleted, ""); err != nil {
		return nil, err
	}

	// One analytics refresh per parse, after the last batch.
	next = append(next, core.NextJob{
		Queue:     core.QueueAnalytics,
		Name:      core.JobAnalyticsRefresh,
		Payload:   &core.AnalyticsPayload{HospitalID: file.HospitalID},
		UniqueKey: fmt.Sprintf("analytics-hospital-%d", file.HospitalID),
	})

	log.WithFields(logging.Fields{"records": total, "skipped": stream.Skipped(), "batches": batches}).
		Info("file parsed")

	return &core.Result{
		Output: map[string]any{"records": total, "skipped": stream.Skipped(), "batches": batches},
		Next:   next,
	}, nil
}

// progressPct maps batch count onto a coarse 0..95 progress value; total
// row count is unknown until EOF.
func progressPct(batches int) int {
	pct := batches * 5
	if pct > 95 {
		pct = 95
	}
	return pct
}
