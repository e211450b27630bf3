package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

// requestTimeout bounds search, query and status calls. Ingestion calls wait for the run.
const requestTimeout = 2 * time.Minute

var httpClient = &http.Client{Timeout: requestTimeout}

func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	var response models.SearchResponse
	if err := postJSON(strings.TrimRight(serverURL, "/")+"/api/v1/search", query, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func queryViaHTTP(serverURL string, req *models.QueryRequest) (*models.QueryResponse, error) {
	var response models.QueryResponse
	if err := postJSON(strings.TrimRight(serverURL, "/")+"/api/v1/query", req, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func statusViaHTTP(serverURL string) (map[string]any, error) {
	resp, err := httpClient.Get(strings.TrimRight(serverURL, "/") + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var s map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return s, nil
}

// ingestResult mirrors the ingest and reindex response bodies, success or failure.
type ingestResult struct {
	Status      string               `json:"status"`
	TotalChunks int                  `json:"total_chunks"`
	Error       string               `json:"error"`
	Report      *models.IngestReport `json:"report"`
}

func ingestViaHTTP(serverURL, apiKey, src string, rebuild bool) (*models.IngestReport, error) {
	path := "/api/v1/ingest"
	if rebuild {
		path = "/api/v1/reindex"
	}
	body, err := json.Marshal(map[string]string{"source": src})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(serverURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAPIKey(req, apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	var out ingestResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("server returned %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return out.Report, fmt.Errorf("server returned %d: %s", resp.StatusCode, out.Error)
	}
	return out.Report, nil
}

func clearCacheViaHTTP(serverURL, apiKey string) (int, error) {
	req, err := http.NewRequest(http.MethodDelete, strings.TrimRight(serverURL, "/")+"/api/v1/cache", nil)
	if err != nil {
		return 0, err
	}
	setAPIKey(req, apiKey)
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Removed, nil
}

func postJSON(url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setAPIKey(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}
