package pipeline

import (
	"github.com/go-resty/resty/v2"

	"github.com/glimmr/pricepipe/pkg/config"
	"github.com/glimmr/pricepipe/pkg/core"
	"github.com/glimmr/pricepipe/pkg/logging"
	"github.com/glimmr/pricepipe/pkg/objstore"
	"github.com/glimmr/pricepipe/pkg/registry"
	"github.com/glimmr/pricepipe/pkg/worker"
)

// Stages bundles every stage processor over shared infrastructure.
type Stages struct {
	repo    *Repo
	reg     registry.Client
	store   objstore.ObjectStorage
	http    *resty.Client
	cfg     *config.Config
	log     *logging.Logger
}

func NewStages(repo *Repo, reg registry.Client, store objstore.ObjectStorage, cfg *config.Config, log *logging.Logger) *Stages {
	// No client-level timeout: multi-gigabyte downloads stream for a long
	// time and the job lease already bounds runaway work.
	http := resty.New().SetDoNotParseResponse(true)

	return &Stages{
		repo:  repo,
		reg:   reg,
		store: store,
		http:  http,
		cfg:   cfg,
		log:   log,
	}
}

// Register binds every stage to its job name on the pool.
func (s *Stages) Register(pool *worker.Pool) {
	pool.Register(core.JobDiscoveryScan, worker.HandlerFunc(s.Scan))
	pool.Register(core.JobFileDownload, worker.HandlerFunc(s.Download))
	pool.Register(core.JobFileParse, worker.HandlerFunc(s.Parse))
	pool.Register(core.JobPriceNormalize, worker.HandlerFunc(s.Normalize))
	pool.Register(core.JobAnalyticsRefresh, worker.HandlerFunc(s.Analytics))
	pool.Register(core.JobPriceExport, worker.HandlerFunc(s.Export))
}
