//go:build integration
// +build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rossigee/page-generator/pkg/types"
)

// GeneratorClient talks to a running generator over its public API
type GeneratorClient struct {
	baseURL    string
	httpClient *http.Client
}

func (gc *GeneratorClient) Generate(prompt string) (*types.GenerateResponse, int, error) {
	body, err := json.Marshal(types.GenerateRequest{Prompt: prompt})
	if err != nil {
		return nil, 0, err
	}

	resp, err := gc.httpClient.Post(gc.baseURL+"/api/v1/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, resp.StatusCode, nil
	}

	var response types.GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, resp.StatusCode, err
	}

	return &response, resp.StatusCode, nil
}

func (gc *GeneratorClient) GetJob(jobID string) (*types.JobSnapshot, int, error) {
	resp, err := gc.httpClient.Get(gc.baseURL + "/api/v1/jobs/" + jobID)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var snap types.JobSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, resp.StatusCode, err
	}

	return &snap, resp.StatusCode, nil
}

func (gc *GeneratorClient) GetPage(slug string) (*types.PageResponse, error) {
	resp, err := gc.httpClient.Get(gc.baseURL + "/api/v1/pages/" + slug)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var page types.PageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, err
	}

	return &page, nil
}

func (gc *GeneratorClient) WaitForCompletion(jobID string, timeout time.Duration) (*types.JobSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for job completion")
		case <-ticker.C:
			snap, _, err := gc.GetJob(jobID)
			if err != nil {
				return nil, err
			}

			if snap != nil && snap.IsTerminal() {
				return snap, nil
			}
		}
	}
}

// StreamEvents reads the event stream of a job until the server closes it
func (gc *GeneratorClient) StreamEvents(ctx context.Context, jobID string) ([]types.JobSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gc.baseURL+"/api/v1/jobs/"+jobID+"/events", nil)
	if err != nil {
		return nil, err
	}

	// no client timeout, the stream lives as long as the job
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var snaps []types.JobSnapshot
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var snap types.JobSnapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &snap); err != nil {
			return snaps, fmt.Errorf("failed to decode event: %w", err)
		}
		snaps = append(snaps, snap)
	}

	return snaps, scanner.Err()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
