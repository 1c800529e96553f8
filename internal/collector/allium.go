package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const DefaultAlliumBaseURL = "https://api.allium.so/api/v1"

// AlliumProvider runs saved Allium queries or ad-hoc SQL.
type AlliumProvider struct {
	BaseURL string
	APIKey  string
	Chain   string
	Poll    PollSettings
	Client  *http.Client
}

// NewAlliumProvider creates an Allium provider with optional proxy support.
func NewAlliumProvider(baseURL, apiKey, chain, proxyURL string, poll PollSettings) *AlliumProvider {
	if baseURL == "" {
		baseURL = DefaultAlliumBaseURL
	}
	if chain == "" {
		chain = "ethereum"
	}
	return &AlliumProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Chain:   chain,
		Poll:    poll,
		Client:  newHTTPClient(proxyURL),
	}
}

func (a *AlliumProvider) Name() string { return "allium" }

type alliumExecution struct {
	ExecutionID string `json:"execution_id"`
	ID          string `json:"id"`
	Status      string `json:"status"`
}

func (e alliumExecution) id() string {
	if e.ExecutionID != "" {
		return e.ExecutionID
	}
	return e.ID
}

type alliumResults struct {
	Data []Row `json:"data"`
}

func (a *AlliumProvider) headers() map[string]string {
	return map[string]string{"X-API-Key": a.APIKey}
}

func (a *AlliumProvider) RunQuery(ctx context.Context, q Query) ([]Row, error) {
	var (
		exec     alliumExecution
		endpoint string
		payload  = map[string]any{}
	)
	switch {
	case q.ID != "":
		endpoint = fmt.Sprintf("%s/queries/%s/run", a.BaseURL, url.PathEscape(q.ID))
		if len(q.Params) > 0 {
			payload["parameters"] = q.Params
		}
	case q.SQL != "":
		endpoint = a.BaseURL + "/queries/adhoc"
		payload["sql"] = q.SQL
		payload["chain"] = a.Chain
	default:
		return nil, fmt.Errorf("allium: query id or sql required")
	}

	if err := doJSON(ctx, a.Client, http.MethodPost, endpoint, a.headers(), payload, &exec); err != nil {
		return nil, fmt.Errorf("allium run: %w", err)
	}
	execID := exec.id()
	if execID == "" {
		return nil, fmt.Errorf("allium run: no execution id returned")
	}

	err := pollUntil(ctx, a.Poll, func(ctx context.Context) (bool, error) {
		var status alliumExecution
		endpoint := fmt.Sprintf("%s/executions/%s", a.BaseURL, url.PathEscape(execID))
		if err := doJSON(ctx, a.Client, http.MethodGet, endpoint, a.headers(), nil, &status); err != nil {
			return false, err
		}
		switch strings.ToLower(status.Status) {
		case "completed", "success":
			return true, nil
		case "failed", "cancelled", "canceled":
			return false, fmt.Errorf("execution %s ended in %s", execID, status.Status)
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("allium execution %s: %w", execID, err)
	}

	var res alliumResults
	endpoint = fmt.Sprintf("%s/executions/%s/results", a.BaseURL, url.PathEscape(execID))
	if err := doJSON(ctx, a.Client, http.MethodGet, endpoint, a.headers(), nil, &res); err != nil {
		return nil, fmt.Errorf("allium results %s: %w", execID, err)
	}
	return res.Data, nil
}
