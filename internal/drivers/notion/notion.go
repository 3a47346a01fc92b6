// Package notion exports a Notion workspace as markdown through the
// workspace export task API.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
)

const (
	Company = "Notion"
	Key     = "notion"

	homePage = "https://www.notion.so/"
)

// Config configures the Notion driver
type Config struct {
	// BaseURL of the API host (default: https://www.notion.so)
	BaseURL string
	// TimeZone for exported timestamps (default: local zone name)
	TimeZone string
	// PollInterval between task status checks (default: 4s)
	PollInterval time.Duration
	// ThrottleWait after a 429 on status checks (default: 5s)
	ThrottleWait time.Duration
	Client       driver.ClientConfig
}

// Driver is the Notion workspace export driver
type Driver struct {
	cfg    Config
	client *driver.Client
}

// New creates the Notion driver
func New(cfg Config) *Driver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.notion.so"
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = time.Local.String()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.ThrottleWait <= 0 {
		cfg.ThrottleWait = 5 * time.Second
	}
	// status polling handles 429 itself
	if cfg.Client.MaxRetries == 0 {
		cfg.Client.MaxRetries = 1
	}
	return &Driver{cfg: cfg, client: driver.NewClient(cfg.Client)}
}

type taskStatus struct {
	State  string `json:"state"`
	Status struct {
		Type          string `json:"type"`
		ExportURL     string `json:"exportURL"`
		PagesExported int    `json:"pagesExported"`
	} `json:"status"`
}

// Run enqueues a workspace export, waits for it to complete and starts the
// archive download
func (d *Driver) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	if inv.Attempt <= 1 {
		if err := host.Navigate(homePage); err != nil {
			return domain.Outcome{}, err
		}
	}

	creds, err := host.Credentials(ctx, credentials.Notion(d.cfg.TimeZone))
	if err != nil {
		if errors.Is(err, domain.ErrAuthRequired) {
			host.Log("Sign in to Notion to continue")
			return domain.ConnectWebsite, nil
		}
		return domain.Outcome{}, err
	}

	headers := map[string]string{"Cookie": creds[credentials.KeyCookie]}
	taskID, err := d.enqueue(ctx, creds, headers)
	if err != nil {
		if authFailure(err) {
			return domain.ConnectWebsite, nil
		}
		return domain.Outcome{}, fmt.Errorf("enqueueing export: %w", err)
	}
	host.Log("Export task started")

	for {
		st, err := d.status(ctx, taskID, headers)
		var se *driver.StatusError
		switch {
		case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
			host.Log("Rate limited, waiting")
			if err := sleep(ctx, d.cfg.ThrottleWait); err != nil {
				return domain.Outcome{}, err
			}
			continue
		case err != nil:
			if authFailure(err) {
				return domain.ConnectWebsite, nil
			}
			return domain.Outcome{}, fmt.Errorf("checking export task: %w", err)
		}

		if st != nil {
			if st.State == "failure" {
				return domain.Outcome{}, fmt.Errorf("%w: notion export task failed", domain.ErrDriverFault)
			}
			if st.State == "success" && st.Status.Type == "complete" {
				host.Log(fmt.Sprintf("Exported %d pages, downloading", st.Status.PagesExported))
				if err := host.Navigate(st.Status.ExportURL); err != nil {
					return domain.Outcome{}, err
				}
				return domain.Downloading, nil
			}
			if st.Status.PagesExported > 0 {
				host.Log(fmt.Sprintf("Exported %d pages", st.Status.PagesExported))
			}
		}

		if err := sleep(ctx, d.cfg.PollInterval); err != nil {
			return domain.Outcome{}, err
		}
	}
}

func (d *Driver) endpoint(path string) string {
	return strings.TrimSuffix(d.cfg.BaseURL, "/") + "/api/v3/" + path
}

func (d *Driver) enqueue(ctx context.Context, creds domain.CredentialBundle, headers map[string]string) (string, error) {
	body := map[string]any{
		"task": map[string]any{
			"eventName": "exportSpace",
			"request": map[string]any{
				"spaceId": creds[credentials.KeySpaceID],
				"exportOptions": map[string]any{
					"exportType":               "markdown",
					"timeZone":                 creds[credentials.KeyTimeZone],
					"collectionViewExportType": "currentView",
					"flattenExportFiletree":    false,
				},
				"shouldExportComments": false,
			},
		},
	}
	var resp struct {
		TaskID string `json:"taskId"`
	}
	if err := d.client.JSON(ctx, http.MethodPost, d.endpoint("enqueueTask"), headers, body, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: enqueueTask returned no task id", domain.ErrDriverFault)
	}
	return resp.TaskID, nil
}

func (d *Driver) status(ctx context.Context, taskID string, headers map[string]string) (*taskStatus, error) {
	var resp struct {
		Results []taskStatus `json:"results"`
	}
	body := map[string]any{"taskIds": []string{taskID}}
	if err := d.client.JSON(ctx, http.MethodPost, d.endpoint("getTasks"), headers, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func authFailure(err error) bool {
	var se *driver.StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
