package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/resilience"
)

// NPMSource reads last-month download counts from the npm downloads API.
type NPMSource struct {
	baseURL string
	client  *http.Client
}

func NewNPMSource(baseURL string, client *http.Client) *NPMSource {
	return &NPMSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *NPMSource) ID() string { return "npm" }

func (s *NPMSource) Fetch(ctx context.Context, lib library.Library) (map[string]float64, error) {
	var body struct {
		Downloads float64 `json:"downloads"`
	}
	u := s.baseURL + "/downloads/point/last-month/" + escapePackage(lib.PackageName())
	if err := getJSON(ctx, s.client, u, &body); err != nil {
		return nil, err
	}
	return map[string]float64{ris.FieldNPMDownloads: body.Downloads}, nil
}

// CDNSource reads monthly jsDelivr hits for the npm package.
type CDNSource struct {
	baseURL string
	client  *http.Client
}

func NewCDNSource(baseURL string, client *http.Client) *CDNSource {
	return &CDNSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *CDNSource) ID() string { return "cdn" }

func (s *CDNSource) Fetch(ctx context.Context, lib library.Library) (map[string]float64, error) {
	var body struct {
		Hits struct {
			Total float64 `json:"total"`
		} `json:"hits"`
	}
	u := s.baseURL + "/v1/stats/packages/npm/" + escapePackage(lib.PackageName()) + "?period=month"
	if err := getJSON(ctx, s.client, u, &body); err != nil {
		return nil, err
	}
	return map[string]float64{ris.FieldCDNHits: body.Hits.Total}, nil
}

// escapePackage escapes each segment of a possibly scoped package name.
func escapePackage(name string) string {
	if scope, pkg, ok := strings.Cut(name, "/"); ok {
		return url.PathEscape(scope) + "/" + url.PathEscape(pkg)
	}
	return url.PathEscape(name)
}

func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resilience.Permanent(fmt.Errorf("%s: not found", req.URL.Path))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", req.URL.Path, err)
	}
	return nil
}
