// Package pexels searches stock photos used to fill the image slots of generated pages.
package pexels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rossigee/page-generator/internal/config"
	"github.com/rossigee/page-generator/internal/retry"
	"github.com/sirupsen/logrus"
)

const defaultPerPage = 5

// ErrNoResults is returned when a search matched no photos
var ErrNoResults = errors.New("no photos found")

// Sources lists the rendition URLs of a photo
type Sources struct {
	Tiny     string `json:"tiny"`
	Small    string `json:"small"`
	Medium   string `json:"medium"`
	Large    string `json:"large"`
	Original string `json:"original"`
}

// Photo is a normalized search hit
type Photo struct {
	ID              int64   `json:"id"`
	Alt             string  `json:"alt"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Src             Sources `json:"src"`
	Photographer    string  `json:"photographer"`
	PhotographerURL string  `json:"photographer_url"`
	PexelsURL       string  `json:"pexels_url"`
	Score           float64 `json:"score"`
}

type searchResponse struct {
	Photos []struct {
		ID              int64   `json:"id"`
		Alt             string  `json:"alt"`
		Width           int     `json:"width"`
		Height          int     `json:"height"`
		URL             string  `json:"url"`
		Photographer    string  `json:"photographer"`
		PhotographerURL string  `json:"photographer_url"`
		Src             Sources `json:"src"`
	} `json:"photos"`
}

// Client handles communication with the Pexels API
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retry      retry.Config
}

// NewClient creates a Pexels client
func NewClient(cfg config.PexelsConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		retry: retry.Config{
			MaxAttempts: 2,
			Delays:      []time.Duration{500 * time.Millisecond},
			Jitter:      0.2,
		},
	}
}

// Search returns photos for query ordered by score, best first
func (c *Client) Search(ctx context.Context, query, orientation string, perPage int) ([]Photo, error) {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if orientation == "" {
		orientation = "landscape"
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("orientation", orientation)
	params.Set("per_page", strconv.Itoa(perPage))

	var resp searchResponse
	err := retry.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		return c.get(ctx, "/search?"+params.Encode(), &resp)
	})
	if err != nil {
		return nil, err
	}

	photos := make([]Photo, 0, len(resp.Photos))
	for _, p := range resp.Photos {
		alt := p.Alt
		if alt == "" {
			alt = "Stock photo"
		}
		photo := Photo{
			ID:              p.ID,
			Alt:             alt,
			Width:           p.Width,
			Height:          p.Height,
			Src:             p.Src,
			Photographer:    p.Photographer,
			PhotographerURL: p.PhotographerURL,
			PexelsURL:       p.URL,
		}
		photo.Score = Score(photo, query)
		photos = append(photos, photo)
	}

	sort.SliceStable(photos, func(i, j int) bool {
		return photos[i].Score > photos[j].Score
	})
	return photos, nil
}

// BestPhoto returns the highest scoring photo for query
func (c *Client) BestPhoto(ctx context.Context, query, orientation string) (*Photo, error) {
	photos, err := c.Search(ctx, query, orientation, defaultPerPage)
	if err != nil {
		return nil, err
	}
	if len(photos) == 0 {
		return nil, fmt.Errorf("%q: %w", query, ErrNoResults)
	}

	logrus.WithFields(logrus.Fields{
		"query":    query,
		"photo_id": photos[0].ID,
		"score":    photos[0].Score,
	}).Debug("Selected stock photo")

	return &photos[0], nil
}

// Score ranks a photo: landscape shots, higher resolutions and studio or minimal queries score higher
func Score(p Photo, query string) float64 {
	var score float64
	if p.Width > p.Height {
		score += 10
	}
	score += min(float64(p.Width)/100, 20)

	q := strings.ToLower(query)
	if strings.Contains(q, "studio") || strings.Contains(q, "minimal") {
		score += 5
	}
	return score
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() // Close errors are not critical
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("pexels API error: %d - %s", resp.StatusCode, truncate(string(body), 256))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
