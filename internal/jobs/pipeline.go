package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rossigee/page-generator/internal/backend"
	"github.com/rossigee/page-generator/internal/metrics"
	"github.com/rossigee/page-generator/internal/minio"
	"github.com/rossigee/page-generator/internal/pexels"
	"github.com/rossigee/page-generator/internal/sitespec"
	"github.com/rossigee/page-generator/internal/storage"
	"github.com/rossigee/page-generator/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	slugAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
	slugSuffixLen   = 8
	slugMaxBase     = 48
	maxSlugAttempts = 3
)

// Result is the payload stored on a completed job
type Result struct {
	PageSlug    string                   `json:"pageSlug"`
	PageSpec    sitespec.PageSpec        `json:"pageSpec"`
	CopySpec    sitespec.CopySpec        `json:"copySpec"`
	ThemeTokens json.RawMessage          `json:"themeTokens,omitempty"`
	Images      map[string]*pexels.Photo `json:"images,omitempty"`
}

// pipeline carries one job's intermediate values between stages
type pipeline struct {
	jobID  string
	prompt string
	stage  types.Stage

	rendered string
	raw      string
	envelope sitespec.Envelope
	doc      *sitespec.Document
	page     *storage.PageRecord
	result   *Result
}

type step struct {
	stage types.Stage
	work  func(ctx context.Context, p *pipeline) error
}

func (m *Manager) steps() []step {
	return []step{
		{types.StageInitializing, func(context.Context, *pipeline) error { return nil }},
		{types.StageAnalyzing, m.analyze},
		{types.StageGenerating, m.generate},
		{types.StageProcessing, m.process},
		{types.StageValidating, m.validate},
		{types.StageSaving, m.save},
	}
}

func (m *Manager) analyze(_ context.Context, p *pipeline) error {
	p.rendered = backend.RenderPrompt(p.prompt)
	return nil
}

// generate makes the single backend call of the job, bounded by the backend timeout
func (m *Manager) generate(ctx context.Context, p *pipeline) error {
	callCtx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	start := time.Now()
	raw, err := m.backend.Complete(callCtx, p.rendered)
	metrics.BackendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if backend.IsTimeout(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return newError(KindBackendTimeout, p.stage,
				fmt.Errorf("backend call exceeded timeout of %s: %w", m.backendTimeout, err))
		}
		return newError(KindBackendError, p.stage, err)
	}

	p.raw = raw
	return nil
}

func (m *Manager) process(_ context.Context, p *pipeline) error {
	env, err := sitespec.Parse(p.raw)
	if err != nil {
		return newError(KindMalformedResponse, p.stage, err)
	}
	p.envelope = env
	return nil
}

func (m *Manager) validate(_ context.Context, p *pipeline) error {
	doc, err := sitespec.Validate(p.envelope)
	if err != nil {
		return newError(KindSchemaValidationFailed, p.stage, err)
	}
	p.doc = doc
	return nil
}

// save publishes the page under a fresh slug and builds the job result
func (m *Manager) save(ctx context.Context, p *pipeline) error {
	doc := p.doc
	images := m.resolveImages(ctx, p.jobID, doc.PageSpec.Images)

	pageSpec, err := json.Marshal(doc.PageSpec)
	if err != nil {
		return newError(KindPersistenceFailed, p.stage, fmt.Errorf("failed to encode pageSpec: %w", err))
	}
	copySpec, err := json.Marshal(doc.CopySpec)
	if err != nil {
		return newError(KindPersistenceFailed, p.stage, fmt.Errorf("failed to encode copySpec: %w", err))
	}
	var imagesJSON []byte
	if len(images) > 0 {
		if imagesJSON, err = json.Marshal(images); err != nil {
			return newError(KindPersistenceFailed, p.stage, fmt.Errorf("failed to encode images: %w", err))
		}
	}

	page := &storage.PageRecord{
		JobID:       p.jobID,
		Prompt:      p.prompt,
		PageSpec:    string(pageSpec),
		CopySpec:    string(copySpec),
		ThemeTokens: string(doc.ThemeTokens),
		Images:      string(imagesJSON),
		Published:   true,
		CreatedAt:   time.Now(),
	}

	for attempt := 1; ; attempt++ {
		page.Slug = m.newSlug(doc.PageSpec.Brand.DisplayName())
		err = m.store.SavePage(ctx, page)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrSlugConflict) || attempt >= maxSlugAttempts {
			return newError(KindPersistenceFailed, p.stage, err)
		}
		logrus.WithFields(logrus.Fields{
			"job_id": p.jobID,
			"slug":   page.Slug,
		}).Warn("Page slug collision, drawing a new one")
	}

	p.page = page
	p.result = &Result{
		PageSlug:    page.Slug,
		PageSpec:    doc.PageSpec,
		CopySpec:    doc.CopySpec,
		ThemeTokens: doc.ThemeTokens,
		Images:      images,
	}
	return nil
}

// resolveImages looks up a stock photo per image slot. Lookups that fail leave the slot unresolved.
func (m *Manager) resolveImages(ctx context.Context, jobID string, slots map[string]sitespec.ImageSlot) map[string]*pexels.Photo {
	if m.photos == nil || len(slots) == 0 {
		return nil
	}

	images := make(map[string]*pexels.Photo, len(slots))
	for id, slot := range slots {
		photo, err := m.photos.BestPhoto(ctx, slot.Query, slot.Orientation)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"job_id": jobID,
				"slot":   id,
				"query":  slot.Query,
			}).Warn("Failed to resolve stock photo")
			continue
		}
		images[id] = photo
	}
	return images
}

// archivePage uploads the published page to object storage. Failures are only logged.
func (m *Manager) archivePage(ctx context.Context, p *pipeline) {
	if m.archive == nil || p.page == nil {
		return
	}

	artifact := types.PageResponse{
		Slug:        p.page.Slug,
		Prompt:      p.page.Prompt,
		PageSpec:    json.RawMessage(p.page.PageSpec),
		CopySpec:    json.RawMessage(p.page.CopySpec),
		ThemeTokens: rawOrNil(p.page.ThemeTokens),
		Images:      rawOrNil(p.page.Images),
		Published:   p.page.Published,
		CreatedAt:   p.page.CreatedAt,
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		logrus.WithError(err).WithField("job_id", p.jobID).Warn("Failed to encode page artifact")
		return
	}

	if err := m.archive.UploadArtifact(ctx, minio.ArtifactKey(p.page.Slug), data); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"job_id":    p.jobID,
			"page_slug": p.page.Slug,
		}).Warn("Failed to archive page artifact")
	}
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// NewSlug derives a page slug from a brand name plus a random suffix
func NewSlug(name string) string {
	base := slug.Make(name)
	if len(base) > slugMaxBase {
		base = strings.Trim(base[:slugMaxBase], "-")
	}
	if base == "" {
		base = "page"
	}
	return base + "-" + gonanoid.MustGenerate(slugAlphabet, slugSuffixLen)
}
