package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// ExecMode selects the chunk execution strategy for a processor.
type ExecMode string

const (
	// ExecParallel dispatches items concurrently up to the worker limit.
	ExecParallel ExecMode = "parallel"
	// ExecSequential processes items in ascending page order, threading the
	// previous item's output into the next request.
	ExecSequential ExecMode = "sequential"
)

// StepContext carries contextual continuity between sequential items: the
// previous page's output improves recognition and translation of the next
// page of the same document.
type StepContext struct {
	PreviousText string
}

// Processor is the per-item pipeline strategy. Process writes the derived
// artifact to the catalog before returning; the engine's job bookkeeping
// happens afterwards, which is what gives the at-least-once semantics.
type Processor interface {
	Mode() ExecMode
	Process(ctx context.Context, job *model.Job, page *model.Page, prev *StepContext) (*StepContext, error)
}

// BulkProcessor is implemented by parallel processors that can handle a whole
// chunk in one provider call. When the bulk call itself fails the executor
// falls back to per-item processing.
type BulkProcessor interface {
	ProcessBulk(ctx context.Context, job *model.Job, pages []*model.Page) (map[string]error, error)
}

const (
	recognitionSystemPrompt = "You are a transcription assistant for a historical source library. " +
		"Transcribe the text on the scanned page exactly as written, preserving original " +
		"spelling, line breaks and marginalia. Output only the transcription."

	translationSystemPrompt = "You are a translation assistant for a historical source library. " +
		"Translate the provided page transcription faithfully, preserving paragraph " +
		"structure. Output only the translation."

	// contextExcerptLen bounds how much of the previous page's output is
	// threaded into the next request.
	contextExcerptLen = 600

	signedURLExpiry = time.Hour
)

// customPrompts maps prompt IDs selectable per job to system prompt overrides.
var customPrompts = map[string]string{
	"recognition-diplomatic": "Transcribe the scanned page diplomatically: preserve abbreviations, " +
		"ligatures and original orthography without expansion. Output only the transcription.",
	"recognition-normalized": "Transcribe the scanned page with normalized modern spelling, " +
		"expanding abbreviations. Output only the transcription.",
}

func systemPrompt(fallback, promptID string) string {
	if promptID != "" {
		if p, ok := customPrompts[promptID]; ok {
			return p
		}
	}
	return fallback
}

// tailExcerpt returns at most n trailing runes of s.
func tailExcerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// RecognitionProcessor transcribes page scans through the sync vision API.
type RecognitionProcessor struct {
	pages   PageStore
	vision  client.TextCompleter
	storage client.StorageClient
}

func NewRecognitionProcessor(pages PageStore, vision client.TextCompleter, storage client.StorageClient) *RecognitionProcessor {
	return &RecognitionProcessor{pages: pages, vision: vision, storage: storage}
}

func (p *RecognitionProcessor) Mode() ExecMode { return ExecSequential }

func (p *RecognitionProcessor) Process(ctx context.Context, job *model.Job, page *model.Page, prev *StepContext) (*StepContext, error) {
	cfg, err := job.DecodeRecognitionConfig()
	if err != nil {
		return nil, err
	}

	imageURL, err := p.storage.GetSignedURL(ctx, page.ImageKey, signedURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign page image URL: %w", err)
	}

	user := "Transcribe this page."
	if prev != nil && prev.PreviousText != "" {
		user = fmt.Sprintf("The previous page of the same document ended with:\n%s\n\nTranscribe this page, continuing from that context.",
			tailExcerpt(prev.PreviousText, contextExcerptLen))
	}

	started := time.Now()
	res, err := p.vision.Complete(ctx, &client.VisionRequest{
		Model:    cfg.Model,
		System:   systemPrompt(recognitionSystemPrompt, cfg.PromptID),
		User:     user,
		ImageURL: imageURL,
	})
	if err != nil {
		return nil, err
	}

	artifact := &model.PageArtifact{
		Text:  res.Text,
		Model: cfg.Model,
		Usage: model.Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.TotalTokens,
		},
		DurationMs: time.Since(started).Milliseconds(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := p.pages.Update(ctx, page.ID, func(pg *model.Page) error {
		pg.Transcription = artifact
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to store transcription: %w", err)
	}

	return &StepContext{PreviousText: res.Text}, nil
}

// TranslationProcessor translates stored transcriptions.
type TranslationProcessor struct {
	pages  PageStore
	vision client.TextCompleter
}

func NewTranslationProcessor(pages PageStore, vision client.TextCompleter) *TranslationProcessor {
	return &TranslationProcessor{pages: pages, vision: vision}
}

func (p *TranslationProcessor) Mode() ExecMode { return ExecSequential }

func (p *TranslationProcessor) Process(ctx context.Context, job *model.Job, page *model.Page, prev *StepContext) (*StepContext, error) {
	cfg, err := job.DecodeTranslationConfig()
	if err != nil {
		return nil, err
	}
	if page.Transcription == nil || page.Transcription.Text == "" {
		// Missing required input: permanent, recorded without retry.
		return nil, fmt.Errorf("page %s has no transcription to translate", page.ID)
	}

	user := fmt.Sprintf("Translate the following page transcription into %s:\n\n%s",
		cfg.TargetLanguage, page.Transcription.Text)
	if prev != nil && prev.PreviousText != "" {
		user = fmt.Sprintf("The previous page's translation ended with:\n%s\n\n%s",
			tailExcerpt(prev.PreviousText, contextExcerptLen), user)
	}

	started := time.Now()
	res, err := p.vision.Complete(ctx, &client.VisionRequest{
		Model:  cfg.Model,
		System: systemPrompt(translationSystemPrompt, cfg.PromptID),
		User:   user,
	})
	if err != nil {
		return nil, err
	}

	artifact := &model.PageArtifact{
		Text:  res.Text,
		Model: cfg.Model,
		Usage: model.Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.TotalTokens,
		},
		DurationMs: time.Since(started).Milliseconds(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := p.pages.Update(ctx, page.ID, func(pg *model.Page) error {
		pg.SetTranslation(cfg.TargetLanguage, artifact)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to store translation: %w", err)
	}

	return &StepContext{PreviousText: res.Text}, nil
}

// CropProcessor derives content crop regions through the imaging service.
// It is embarrassingly parallel and supports bulk calls with per-item
// fallback.
type CropProcessor struct {
	pages   PageStore
	imaging client.ImageProcessor
	storage client.StorageClient
}

func NewCropProcessor(pages PageStore, imaging client.ImageProcessor, storage client.StorageClient) *CropProcessor {
	return &CropProcessor{pages: pages, imaging: imaging, storage: storage}
}

func (p *CropProcessor) Mode() ExecMode { return ExecParallel }

func cropOutputKey(page *model.Page) string {
	return fmt.Sprintf("crops/%s/%s.jpg", page.DocumentID, page.ID)
}

func (p *CropProcessor) cropItem(ctx context.Context, page *model.Page) (*client.CropItem, error) {
	imageURL, err := p.storage.GetSignedURL(ctx, page.ImageKey, signedURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign page image URL: %w", err)
	}
	return &client.CropItem{
		Key:       page.ID,
		ImageURL:  imageURL,
		OutputKey: cropOutputKey(page),
	}, nil
}

func (p *CropProcessor) store(ctx context.Context, pageID string, outcome *client.CropOutcome) error {
	return p.pages.Update(ctx, pageID, func(pg *model.Page) error {
		pg.Crop = &model.CropRegion{
			X:          outcome.X,
			Y:          outcome.Y,
			Width:      outcome.Width,
			Height:     outcome.Height,
			Confidence: outcome.Confidence,
		}
		pg.CropImageKey = outcome.OutputKey
		return nil
	})
}

func (p *CropProcessor) Process(ctx context.Context, job *model.Job, page *model.Page, _ *StepContext) (*StepContext, error) {
	item, err := p.cropItem(ctx, page)
	if err != nil {
		return nil, err
	}
	outcome, err := p.imaging.GenerateCrop(ctx, item)
	if err != nil {
		return nil, err
	}
	if outcome.Error != "" {
		return nil, fmt.Errorf("crop generation failed: %s", outcome.Error)
	}
	if err := p.store(ctx, page.ID, outcome); err != nil {
		return nil, fmt.Errorf("failed to store crop: %w", err)
	}
	return nil, nil
}

// ProcessBulk crops a whole chunk in one imaging call. The returned map holds
// per-item errors; a non-nil error means the call failed as a whole and the
// executor should fall back to per-item processing.
func (p *CropProcessor) ProcessBulk(ctx context.Context, job *model.Job, pages []*model.Page) (map[string]error, error) {
	items := make([]client.CropItem, 0, len(pages))
	errs := make(map[string]error, len(pages))
	byID := make(map[string]*model.Page, len(pages))

	for _, page := range pages {
		byID[page.ID] = page
		item, err := p.cropItem(ctx, page)
		if err != nil {
			errs[page.ID] = err
			continue
		}
		items = append(items, *item)
	}
	if len(items) == 0 {
		return errs, nil
	}

	outcomes, err := p.imaging.GenerateCropBulk(ctx, items)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(outcomes))
	for i := range outcomes {
		outcome := outcomes[i]
		seen[outcome.Key] = true
		if outcome.Error != "" {
			errs[outcome.Key] = fmt.Errorf("crop generation failed: %s", outcome.Error)
			continue
		}
		if err := p.store(ctx, outcome.Key, &outcome); err != nil {
			errs[outcome.Key] = fmt.Errorf("failed to store crop: %w", err)
			continue
		}
		errs[outcome.Key] = nil
	}
	// Items the service did not answer for are failures, not silences.
	for _, item := range items {
		if !seen[item.Key] {
			errs[item.Key] = fmt.Errorf("no crop result returned for page %s", item.Key)
		}
	}
	return errs, nil
}

// SplitProcessor detects two-page-spread layouts through the imaging service.
type SplitProcessor struct {
	pages   PageStore
	imaging client.ImageProcessor
	storage client.StorageClient
}

func NewSplitProcessor(pages PageStore, imaging client.ImageProcessor, storage client.StorageClient) *SplitProcessor {
	return &SplitProcessor{pages: pages, imaging: imaging, storage: storage}
}

func (p *SplitProcessor) Mode() ExecMode { return ExecParallel }

func (p *SplitProcessor) Process(ctx context.Context, job *model.Job, page *model.Page, _ *StepContext) (*StepContext, error) {
	imageURL, err := p.storage.GetSignedURL(ctx, page.ImageKey, signedURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign page image URL: %w", err)
	}

	outcome, err := p.imaging.DetectSplit(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	if err := p.pages.Update(ctx, page.ID, func(pg *model.Page) error {
		pg.Split = &model.SplitResult{
			IsSpread:   outcome.IsSpread,
			GutterX:    outcome.GutterX,
			Confidence: outcome.Confidence,
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to store split detection: %w", err)
	}
	return nil, nil
}
