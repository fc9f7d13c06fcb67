package pipeline

import (
	"context"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
)

// Analytics recomputes per-hospital aggregates from the record table. A
// zero hospital id refreshes every hospital that has records.
func (s *Stages) Analytics(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.AnalyticsPayload)

	ids := []uint{payload.HospitalID}
	if payload.HospitalID == 0 {
		ids, err = s.repo.HospitalIDsWithRecords(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return &core.Result{Skipped: true, SkipReason: "no hospitals have records yet"}, nil
		}
	}

	refreshed := 0
	for _, id := range ids {
		a, err := s.repo.RefreshAnalytics(ctx, id)
		if err != nil {
			return nil, err
		}
		refreshed++
		s.log.WithFields(logging.Fields{
			"job_id":      job.ID,
			"hospital_id": id,
			"records":     a.RecordCount,
		}).Info("analytics refreshed")
	}

	return &core.Result{Output: map[string]any{"hospitals": refreshed}}, nil
}
