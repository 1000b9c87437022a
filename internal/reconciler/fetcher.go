package reconciler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/goccy/go-json"
)

const maxErrorBody = 512

// HTTPFetcher loads ranges from the backend's candlestick endpoint.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the API rooted at baseURL
// (e.g. "http://localhost:8080"). client may be nil.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// FetchRange implements Fetcher.
func (f *HTTPFetcher) FetchRange(ctx context.Context, instrument string, since time.Time, interval model.Interval) ([]model.Bar, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("interval", interval.String())
	endpoint := fmt.Sprintf("%s/api/candlestick/%s?%s", f.baseURL, url.PathEscape(instrument), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("fetch range: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var dtos []model.BarDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode range: %w", err)
	}

	bars := make([]model.Bar, 0, len(dtos))
	for _, d := range dtos {
		if d.Interval == "" {
			d.Interval = interval.String()
		}
		bar, err := d.ToBar(instrument)
		if err != nil {
			return nil, fmt.Errorf("decode bar at %d: %w", d.Time, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
