package pipeline

import (
	"context"
	"encoding/json"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/normalize"
)

func marshalPayerRates(rates map[string]float64) []byte {
	if len(rates) == 0 {
		return nil
	}
	data, err := json.Marshal(rates)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalPayerRates(data []byte) map[string]float64 {
	if len(data) == 0 {
		return nil
	}
	var rates map[string]float64
	if err := json.Unmarshal(data, &rates); err != nil {
		return nil
	}
	return rates
}

// Normalize scores one batch of unscored records for a file. The batch is
// whatever is still unnormalized at processing time, so a redelivered batch
// job picks up where the first delivery stopped instead of double-scoring.
func (s *Stages) Normalize(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.NormalizePayload)

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.Parser.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	records, err := s.repo.SelectUnnormalized(ctx, payload.FileID, batchSize)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &core.Result{Skipped: true, SkipReason: "no unnormalized records remain for file"}, nil
	}

	tiers := map[core.QualityTier]int{}
	for i := range records {
		rec := &records[i]

		rec.Code, rec.CodeType = normalize.ClassifyCode(rec.Code, rec.CodeType)
		rec.Category = normalize.Categorize(rec.Description, rec.Code, rec.CodeType)
		rec.MinNegotiatedRate, rec.MaxNegotiatedRate = normalize.PayerBounds(
			unmarshalPayerRates(rec.PayerRates), rec.MinNegotiatedRate, rec.MaxNegotiatedRate)
		rec.QualityTier = normalize.ScoreQuality(rec)
		rec.Normalized = true

		if err := s.repo.SaveNormalized(ctx, rec); err != nil {
			return nil, err
		}
		tiers[rec.QualityTier]++
	}

	s.log.WithFields(logging.Fields{
		"job_id":  job.ID,
		"file_id": payload.FileID,
		"records": len(records),
		"high":    tiers[core.QualityHigh],
		"medium":  tiers[core.QualityMedium],
		"low":     tiers[core.QualityLow],
	}).Info("batch normalized")

	return &core.Result{
		Output: map[string]any{
			"records": len(records),
			"high":    tiers[core.QualityHigh],
			"medium":  tiers[core.QualityMedium],
			"low":     tiers[core.QualityLow],
		},
	}, nil
}
