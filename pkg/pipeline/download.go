package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/objstore"
)

// Download fetches one transparency file, hashing and sizing it on the way
// to object storage. An unchanged content hash on an already-completed file
// short-circuits the rest of the pipeline.
func (s *Stages) Download(ctx context.Context, job *core.Job) (*core.Result, error) {
	p, err := core.DecodePayload(job.Name, job.Payload)
	if err != nil {
		return nil, core.NoRetry(err)
	}
	payload := p.(*core.DownloadPayload)

	file, err := s.repo.GetFile(ctx, payload.FileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return &core.Result{Skipped: true, SkipReason: fmt.Sprintf("file %d no longer exists", payload.FileID)}, nil
	}

	log := s.log.WithFields(logging.Fields{"job_id": job.ID, "file_id": file.ID})

	if err := s.repo.SetFileStatus(ctx, file.ID, core.FileProcessing, ""); err != nil {
		return nil, err
	}

	tmp, size, hash, err := s.fetchToTemp(ctx, payload.URL)
	if err != nil {
		if markErr := s.repo.SetFileStatus(ctx, file.ID, core.FileFailed, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("failed to mark file failed")
		}
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	now := time.Now()

	// Same bytes as last time and the file already went all the way
	// through: touch and stop.
	if !payload.ForceRefresh && hash == file.ContentHash && file.ProcessingStatus == core.FileCompleted {
		if err := s.repo.TouchFileRetrieved(ctx, file.ID, now); err != nil {
			return nil, err
		}
		return &core.Result{Skipped: true, SkipReason: "content unchanged since last completed run"}, nil
	}

	key := objstore.FileKey(file.HospitalID, file.ID, file.Filename, now)
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := s.store.Upload(ctx, key, tmp, size, "application/octet-stream"); err != nil {
		if markErr := s.repo.SetFileStatus(ctx, file.ID, core.FileFailed, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("failed to mark file failed")
		}
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	if err := s.repo.SetFileDownloaded(ctx, file.ID, size, hash, key, now); err != nil {
		return nil, err
	}

	log.WithFields(logging.Fields{"size": size, "key": key}).Info("file downloaded")

	return &core.Result{
		Output: map[string]any{"size": size, "hash": hash, "key": key},
		Next: []core.NextJob{{
			Queue: core.QueueParse,
			Name:  core.JobFileParse,
			Payload: &core.ParsePayload{
				FileID:       file.ID,
				HospitalID:   file.HospitalID,
				StorageKey:   key,
				Filename:     file.Filename,
				ForceRefresh: payload.ForceRefresh,
			},
			UniqueKey: fmt.Sprintf("parse-file-%d", file.ID),
		}},
	}, nil
}

// fetchToTemp streams the URL to a temp file, returning it open along with
// the byte count and SHA-256. Gone resources fail terminally; transport
// errors and server blips bubble up for the queue's retry/backoff.
func (s *Stages) fetchToTemp(ctx context.Context, url string) (*os.File, int64, string, error) {
	resp, err := s.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, 0, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch code := resp.StatusCode(); {
	case code == 404 || code == 410:
		return nil, 0, "", core.NoRetry(fmt.Errorf("fetch %s: gone (status %d)", url, code))
	case code == 429:
		return nil, 0, "", core.RetryAfter(time.Minute, fmt.Errorf("fetch %s: rate limited", url))
	case code >= 400:
		return nil, 0, "", fmt.Errorf("fetch %s: status %d", url, code)
	}

	tmp, err := os.CreateTemp("", "pricepipe-download-*")
	if err != nil {
		return nil, 0, "", err
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, "", fmt.Errorf("stream %s: %w", url, err)
	}

	return tmp, size, hex.EncodeToString(hasher.Sum(nil)), nil
}
