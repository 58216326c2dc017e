// Package aitag implements the optional AI analysis worker: preview images
// and catalog context go to a Gemini model, which answers with tag
// suggestions and its pick for the best preview.
package aitag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"goa.design/clue/log"
	"google.golang.org/genai"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/ratelimit"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/worker"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"

	maxPromptPreviews = 4
	maxCaptionChars   = 1000
	maxPromptTags     = 200

	limiterEntity = "ai"
)

// promptPriority orders preview sources for prompt inclusion. Creator
// provided imagery describes the design better than our own renders.
var promptPriority = map[catalog.PreviewSource]int{
	catalog.PreviewTelegram:    1,
	catalog.PreviewThangs:      2,
	catalog.PreviewArchive:     3,
	catalog.PreviewEmbedded3MF: 4,
	catalog.PreviewRendered:    5,
}

var mimeByExt = map[string]string{
	"jpg": "image/jpeg", "jpeg": "image/jpeg", "png": "image/png",
	"gif": "image/gif", "webp": "image/webp",
}

// Config carries the model credentials.
type Config struct {
	APIKey string
	Model  string
}

// Enabled reports whether the worker can run at all.
func (c Config) Enabled() bool { return c.APIKey != "" }

// Worker analyses designs through the configured Gemini model.
type Worker struct {
	store    *catalog.Store
	limiter  *ratelimit.Limiter
	settings *settings.Service
	cfg      Config
	client   *genai.Client
}

// Result is stored as the analysis job's result.
type Result struct {
	Tags        []string `json:"tags"`
	BestPreview *int64   `json:"best_preview,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// modelAnswer is the JSON shape the prompt demands.
type modelAnswer struct {
	Tags             []string `json:"tags"`
	BestPreviewIndex *int     `json:"best_preview_index"`
}

// NewWorker wires the AI analysis worker. The genai client is created
// lazily on first use so a bad key surfaces as a job error, not a crash.
func NewWorker(store *catalog.Store, limiter *ratelimit.Limiter, svc *settings.Service, cfg Config) *Worker {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Worker{store: store, limiter: limiter, settings: svc, cfg: cfg}
}

// Name implements worker.Worker.
func (w *Worker) Name() string { return "ai-analyze" }

// Types implements worker.Worker.
func (w *Worker) Types() []catalog.JobType {
	return []catalog.JobType{catalog.JobAIAnalyze}
}

// Process implements worker.Worker.
func (w *Worker) Process(ctx context.Context, job *catalog.Job, progress worker.ProgressFunc) (any, error) {
	var p jobs.AIAnalyzePayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, worker.NonRetryablef("bad payload: %v", err)
	}
	if !w.cfg.Enabled() {
		return nil, worker.NonRetryablef("AI analysis is not configured")
	}
	design, err := w.store.GetDesign(ctx, p.DesignID)
	if err != nil {
		return nil, worker.NonRetryablef("design %d: %v", p.DesignID, err)
	}
	if !p.Force {
		tagged, err := w.store.HasAutoAITags(ctx, design.ID)
		if err != nil {
			return nil, err
		}
		if tagged {
			return Result{Skipped: true}, nil
		}
	}

	previews, err := w.pickPreviews(ctx, design.ID)
	if err != nil {
		return nil, err
	}
	if len(previews) == 0 {
		return nil, worker.NonRetryablef("design %d has no previews to analyse", design.ID)
	}
	progress(1, 3, "building prompt")

	prompt, err := w.buildPrompt(ctx, design)
	if err != nil {
		return nil, err
	}
	if err := w.applyLimit(ctx); err != nil {
		return nil, err
	}
	if err := w.limiter.Acquire(ctx, limiterEntity); err != nil {
		return nil, worker.RateLimitError(err)
	}
	progress(2, 3, "calling model")

	answer, err := w.generate(ctx, prompt, previews)
	if err != nil {
		return nil, err
	}
	progress(3, 3, "applying tags")

	tags, err := w.applyTags(ctx, design.ID, answer.Tags)
	if err != nil {
		return nil, err
	}
	res := Result{Tags: tags}
	if id, err := w.applyBestPreview(ctx, design.ID, previews, answer.BestPreviewIndex); err != nil {
		return nil, err
	} else if id != 0 {
		res.BestPreview = &id
	}
	return res, nil
}

// pickPreviews selects up to four assets for the prompt, dropping renders
// when any creator-provided imagery exists.
func (w *Worker) pickPreviews(ctx context.Context, designID int64) ([]catalog.PreviewAsset, error) {
	assets, err := w.store.ListPreviewAssets(ctx, designID)
	if err != nil {
		return nil, err
	}
	hasBetter := false
	for _, a := range assets {
		if a.Source != catalog.PreviewRendered {
			hasBetter = true
			break
		}
	}
	var picked []catalog.PreviewAsset
	for prio := 1; prio <= len(promptPriority) && len(picked) < maxPromptPreviews; prio++ {
		for _, a := range assets {
			if promptPriority[a.Source] != prio {
				continue
			}
			if a.Source == catalog.PreviewRendered && hasBetter {
				continue
			}
			picked = append(picked, a)
			if len(picked) == maxPromptPreviews {
				break
			}
		}
	}
	return picked, nil
}

// buildPrompt assembles the instruction text from the design's context.
func (w *Worker) buildPrompt(ctx context.Context, design *catalog.Design) (string, error) {
	caption, channel := "", ""
	if src, err := w.store.PreferredSource(ctx, design.ID); err == nil && src.MessageID != nil {
		if msg, err := w.store.GetMessage(ctx, *src.MessageID); err == nil {
			caption = truncateRunes(msg.Caption, maxCaptionChars)
			if ch, err := w.store.GetChannel(ctx, msg.ChannelID); err == nil {
				channel = ch.Title
			}
		}
	}
	top, err := w.store.TopTags(ctx, maxPromptTags)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("You are labelling a 3D-printable design from its preview images.\n")
	fmt.Fprintf(&b, "Title: %s\nDesigner: %s\n", design.Title, design.Designer)
	if channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", channel)
	}
	if caption != "" {
		fmt.Fprintf(&b, "Caption: %s\n", caption)
	}
	if len(top) > 0 {
		fmt.Fprintf(&b, "Prefer reusing these existing tags where they apply: %s\n", strings.Join(top, ", "))
	}
	b.WriteString("Answer with strict JSON, nothing else: " +
		`{"tags": ["tag", ...], "best_preview_index": N}` +
		" where N is the zero-based index of the most representative image, or null.\n")
	return b.String(), nil
}

// generate performs the model call and parses the strict JSON answer.
func (w *Worker) generate(ctx context.Context, prompt string, previews []catalog.PreviewAsset) (*modelAnswer, error) {
	client, err := w.clientFor(ctx)
	if err != nil {
		return nil, err
	}
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	for _, a := range previews {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			log.Debugf(ctx, "read preview %s: %v", a.Path, err)
			continue
		}
		mime := mimeByExt[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext(a.Path))), ".")]
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(data, mime))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, w.cfg.Model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		var aerr genai.APIError
		if errors.As(err, &aerr) && aerr.Code == 429 {
			w.limiter.SetBackoff(limiterEntity, retryAfter(aerr))
			return nil, worker.Retryablef("model rate limited: %v", err)
		}
		return nil, fmt.Errorf("generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	var answer modelAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &answer); err != nil {
		return nil, worker.NonRetryablef("model answer is not the expected JSON: %v", err)
	}
	return &answer, nil
}

func (w *Worker) clientFor(ctx context.Context) (*genai.Client, error) {
	if w.client != nil {
		return w.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  w.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	w.client = client
	return client, nil
}

// applyTags normalises and attaches the model's tags, returning the kept set.
func (w *Worker) applyTags(ctx context.Context, designID int64, raw []string) ([]string, error) {
	maxTags, err := w.settings.Int(ctx, settings.KeyAIMaxTagsPerDesign)
	if err != nil || maxTags <= 0 {
		maxTags = 10
	}
	seen := make(map[string]bool)
	var kept []string
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		kept = append(kept, t)
		if len(kept) == maxTags {
			break
		}
	}
	for _, name := range kept {
		tag, err := w.store.EnsureTag(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := w.store.AttachTag(ctx, designID, tag.ID, catalog.TagAutoAI); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// applyBestPreview promotes the model's pick when the feature is enabled.
func (w *Worker) applyBestPreview(ctx context.Context, designID int64, previews []catalog.PreviewAsset, idx *int) (int64, error) {
	if idx == nil || *idx < 0 || *idx >= len(previews) {
		return 0, nil
	}
	enabled, err := w.settings.Bool(ctx, settings.KeyAISelectBestPreview)
	if err != nil || !enabled {
		return 0, nil
	}
	asset := previews[*idx]
	if err := w.store.SetPrimaryPreview(ctx, designID, asset.ID); err != nil {
		return 0, err
	}
	return asset.ID, nil
}

func (w *Worker) applyLimit(ctx context.Context) error {
	rpm, err := w.settings.Int(ctx, settings.KeyAIRateLimitRPM)
	if err != nil {
		return err
	}
	w.limiter.SetRPM(rpm)
	return nil
}

func retryAfter(aerr genai.APIError) time.Duration {
	// The SDK does not surface Retry-After; fall back to a minute.
	_ = aerr
	return time.Minute
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func ext(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
