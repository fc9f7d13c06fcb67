// Package registry talks to the external hospital directory the discovery
// stage scans. The directory is paginated per state and rate-limited, so
// the client keeps retry handling here and pacing in the scan stage.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/glimmr/pricepipe/pkg/config"
)

// FileInfo is one transparency file advertised for a hospital.
type FileInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// HospitalInfo is one directory entry.
type HospitalInfo struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	State   string     `json:"state"`
	City    string     `json:"city"`
	Address string     `json:"address"`
	Files   []FileInfo `json:"files"`
}

// Client lists hospitals and their advertised files.
type Client interface {
	ListHospitals(ctx context.Context, state string) ([]HospitalInfo, error)
}

type restClient struct {
	http *resty.Client
}

type listResponse struct {
	Hospitals []HospitalInfo `json:"hospitals"`
	NextPage  string         `json:"nextPage"`
}

// NewClient builds the HTTP registry client. Transport-level retries stay
// here (429 and 5xx with backoff); the job queue handles everything above.
func NewClient(cfg config.RegistryConfig) Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		http.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &restClient{http: http}
}

// ListHospitals pages through one state's directory entries.
func (c *restClient) ListHospitals(ctx context.Context, state string) ([]HospitalInfo, error) {
	var all []HospitalInfo
	page := ""
	for {
		var body listResponse
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("state", state).
			SetResult(&body)
		if page != "" {
			req.SetQueryParam("page", page)
		}

		resp, err := req.Get("/hospitals")
		if err != nil {
			return nil, fmt.Errorf("registry list %s: %w", state, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("registry list %s: status %d", state, resp.StatusCode())
		}

		all = append(all, body.Hospitals...)
		if body.NextPage == "" {
			return all, nil
		}
		page = body.NextPage
	}
}
