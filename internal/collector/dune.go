package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultDuneBaseURL = "https://api.dune.com/api/v1"

// DuneProvider runs saved Dune queries: execute, poll status, fetch results.
type DuneProvider struct {
	BaseURL string
	APIKey  string
	Poll    PollSettings
	Client  *http.Client
}

// NewDuneProvider creates a Dune provider with optional proxy support.
func NewDuneProvider(baseURL, apiKey, proxyURL string, poll PollSettings) *DuneProvider {
	if baseURL == "" {
		baseURL = DefaultDuneBaseURL
	}
	return &DuneProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Poll:    poll,
		Client:  newHTTPClient(proxyURL),
	}
}

func (d *DuneProvider) Name() string { return "dune" }

type duneExecution struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

type duneResults struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
	Result      struct {
		Rows []Row `json:"rows"`
	} `json:"result"`
}

func (d *DuneProvider) headers() map[string]string {
	return map[string]string{"X-Dune-API-Key": d.APIKey}
}

func (d *DuneProvider) RunQuery(ctx context.Context, q Query) ([]Row, error) {
	if q.ID == "" {
		return nil, fmt.Errorf("dune: saved query id required")
	}

	payload := map[string]any{}
	if len(q.Params) > 0 {
		payload["query_parameters"] = q.Params
	}
	var exec duneExecution
	endpoint := fmt.Sprintf("%s/query/%s/execute", d.BaseURL, url.PathEscape(q.ID))
	if err := doJSON(ctx, d.Client, http.MethodPost, endpoint, d.headers(), payload, &exec); err != nil {
		return nil, fmt.Errorf("dune execute %s: %w", q.ID, err)
	}
	if exec.ExecutionID == "" {
		return nil, fmt.Errorf("dune execute %s: no execution id returned", q.ID)
	}

	err := pollUntil(ctx, d.Poll, func(ctx context.Context) (bool, error) {
		var status duneExecution
		endpoint := fmt.Sprintf("%s/execution/%s/status", d.BaseURL, url.PathEscape(exec.ExecutionID))
		if err := doJSON(ctx, d.Client, http.MethodGet, endpoint, d.headers(), nil, &status); err != nil {
			return false, err
		}
		switch status.State {
		case "QUERY_STATE_COMPLETED":
			return true, nil
		case "QUERY_STATE_FAILED", "QUERY_STATE_CANCELLED", "QUERY_STATE_EXPIRED":
			return false, fmt.Errorf("execution %s ended in %s", exec.ExecutionID, status.State)
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dune query %s: %w", q.ID, err)
	}

	var res duneResults
	endpoint = fmt.Sprintf("%s/execution/%s/results", d.BaseURL, url.PathEscape(exec.ExecutionID))
	if err := doJSON(ctx, d.Client, http.MethodGet, endpoint, d.headers(), nil, &res); err != nil {
		return nil, fmt.Errorf("dune results %s: %w", q.ID, err)
	}
	return res.Result.Rows, nil
}

// LatestResults returns the cached result of the query's last execution without re-running it.
func (d *DuneProvider) LatestResults(ctx context.Context, queryID string) ([]Row, error) {
	var res duneResults
	endpoint := fmt.Sprintf("%s/query/%s/results", d.BaseURL, url.PathEscape(queryID))
	if err := doJSON(ctx, d.Client, http.MethodGet, endpoint, d.headers(), nil, &res); err != nil {
		return nil, fmt.Errorf("dune latest results %s: %w", queryID, err)
	}
	return res.Result.Rows, nil
}
