package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/objstore"
)

const exportPageSize = 2000

// Export writes a hospital's normalized records to object storage as CSV.
func (s *Stages) Export(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.ExportPayload)

	format := payload.Format
	if format == "" {
		format = "csv"
	}
	if format != "csv" {
		return nil, core.NoRetry(fmt.Errorf("unsupported export format %q", format))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{
		"code", "code_type", "description", "category",
		"gross_charge", "discounted_cash", "min_negotiated_rate", "max_negotiated_rate",
		"quality_tier",
	}); err != nil {
		return nil, err
	}

	total := 0
	afterID := uint(0)
	for {
		page, err := s.repo.NormalizedRecordsPage(ctx, payload.HospitalID, afterID, exportPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if err := w.Write([]string{
				rec.Code,
				rec.CodeType,
				rec.Description,
				rec.Category,
				money(rec.GrossCharge),
				money(rec.DiscountedCash),
				money(rec.MinNegotiatedRate),
				money(rec.MaxNegotiatedRate),
				string(rec.QualityTier),
			}); err != nil {
				return nil, err
			}
		}
		total += len(page)
		afterID = page[len(page)-1].ID
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	if total == 0 {
		return &core.Result{Skipped: true, SkipReason: "hospital has no normalized records to export"}, nil
	}

	key := objstore.ExportKey(payload.HospitalID, format, time.Now())
	if err := s.store.Upload(ctx, key, &buf, int64(buf.Len()), "text/csv"); err != nil {
		return nil, fmt.Errorf("upload export %s: %w", key, err)
	}

	s.log.WithFields(logging.Fields{
		"job_id":      job.ID,
		"hospital_id": payload.HospitalID,
		"records":     total,
		"key":         key,
	}).Info("export written")

	return &core.Result{Output: map[string]any{"key": key, "records": total}}, nil
}

func money(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
