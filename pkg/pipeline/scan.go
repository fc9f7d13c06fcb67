package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// testModeFilesPerHospital caps per-hospital downloads during a test-mode
// scan so a smoke run finishes in minutes.
const testModeFilesPerHospital = 2

// Scan walks the registry state by state, upserting hospitals and their
// advertised files and queueing downloads for files that need (re)fetching.
// States are scanned sequentially with a pause between them; the registry
// rate-limits aggressive crawls.
func (s *Stages) Scan(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.ScanPayload)

	states := payload.States
	if len(states) == 0 {
		states = s.cfg.Registry.States
	}
	if len(states) == 0 {
		return nil, core.NoRetry(fmt.Errorf("scan has no states configured"))
	}
	if payload.TestMode {
		states = states[:1]
	}

	control := worker.ControlFromContext(ctx)
	log := s.log.WithField("job_id", job.ID)

	var next []core.NextJob
	hospitals, files := 0, 0

	for i, state := range states {
		if i > 0 && s.cfg.Registry.ScanDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.Registry.ScanDelay):
			}
		}

		entries, err := s.reg.ListHospitals(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("scan state %s: %w", state, err)
		}

		for _, entry := range entries {
			h := &core.Hospital{
				ExternalID: entry.ID,
				Name:       entry.Name,
				State:      entry.State,
				City:       entry.City,
				Address:    entry.Address,
			}
			if err := s.repo.UpsertHospital(ctx, h); err != nil {
				return nil, fmt.Errorf("upsert hospital %s: %w", entry.ID, err)
			}
			hospitals++

			queued := 0
			for _, fi := range entry.Files {
				if payload.TestMode && queued >= testModeFilesPerHospital {
					break
				}
				f := &core.TransparencyFile{
					ExternalID: fi.ID,
					HospitalID: h.ID,
					URL:        fi.URL,
					Filename:   fi.Filename,
				}
				if err := s.repo.UpsertFile(ctx, f); err != nil {
					return nil, fmt.Errorf("upsert file %s: %w", fi.ID, err)
				}
				files++

				existing, err := s.repo.GetFile(ctx, f.ID)
				if err != nil {
					return nil, err
				}
				if existing != nil && existing.ProcessingStatus == core.FileCompleted && !payload.ForceRefresh {
					continue
				}

				next = append(next, core.NextJob{
					Queue: core.QueueDownload,
					Name:  core.JobFileDownload,
					Payload: &core.DownloadPayload{
						FileID:       f.ID,
						HospitalID:   h.ID,
						URL:          fi.URL,
						ForceRefresh: payload.ForceRefresh,
					},
					UniqueKey: fmt.Sprintf("download-file-%d", f.ID),
				})
				queued++
			}
		}

		if control != nil {
			if err := control.ExtendLease(ctx); err != nil {
				log.WithError(err).Warn("failed to extend scan lease")
			}
			control.ReportProgress(ctx, (i+1)*100/len(states),
				fmt.Sprintf("scanned %d/%d states", i+1, len(states)))
		}
		log.WithFields(logging.Fields{"state": state, "hospitals": len(entries)}).
			Info("state scanned")
	}

	return &core.Result{
		Output: map[string]any{
			"states":    len(states),
			"hospitals": hospitals,
			"files":     files,
			"queued":    len(next),
		},
		Next: next,
	}, nil
}
