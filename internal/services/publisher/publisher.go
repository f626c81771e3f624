package publisher

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/forager/internal/common"
	"github.com/ternarybob/forager/internal/interfaces"
	"github.com/ternarybob/forager/internal/models"
	"github.com/ternarybob/forager/internal/services/store"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// articlePrompt is the fixed generation instruction; the source material is
// appended per result
const articlePrompt = `Write a well-structured article in Markdown based on the source material below.
Use an engaging headline as a level-1 heading, short paragraphs and subheadings where natural.
Stay factual to the source; do not invent details.

Source title: %s
Source material:
%s`

// Publisher periodically promotes the best unposted results into generated
// articles and hands them to the external poster. Duplicate content within
// one run is fenced by content hash.
type Publisher struct {
	store      *store.ResultStore
	llm        interfaces.LLMService
	poster     interfaces.Poster
	config     common.PublisherConfig
	model      string
	categoryID int
	markdown   goldmark.Markdown
	logger     arbor.ILogger

	cron *cron.Cron
	// now is swappable for tests
	now func() time.Time
}

// New creates a publisher over the store and poster collaborators.
func New(resultStore *store.ResultStore, llm interfaces.LLMService, poster interfaces.Poster, cfg *common.Config, logger arbor.ILogger) *Publisher {
	return &Publisher{
		store:      resultStore,
		llm:        llm,
		poster:     poster,
		config:     cfg.Publisher,
		model:      cfg.LLM.SummaryModel,
		categoryID: cfg.WordPress.CategoryID,
		markdown:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the periodic publication run.
func (p *Publisher) Start() {
	interval := p.config.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	p.cron = cron.New()
	p.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		p.RunOnce(context.Background())
	}))
	p.cron.Start()
	p.logger.Info().
		Dur("interval", interval).
		Int("max_posts", p.config.MaxPostsPerHour).
		Msg("Publisher started")
}

// Stop halts the schedule.
func (p *Publisher) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.logger.Info().Msg("Publisher stopped")
}

// RunOnce executes one publication pass. Per-item failures are logged and
// skipped; the pass continues. Returns the number of successful posts.
func (p *Publisher) RunOnce(ctx context.Context) int {
	candidates := p.selectCandidates()
	if len(candidates) == 0 {
		p.logger.Debug().Msg("No publishable results this run")
		return 0
	}

	posted := 0
	promotedHashes := make(map[string]bool)

	for _, r := range candidates {
		if posted >= p.config.MaxPostsPerHour {
			break
		}
		if r.ContentHash != "" && promotedHashes[r.ContentHash] {
			continue
		}

		// Re-resolve; the result may have been posted or evicted since
		// selection
		current, ok := p.store.Get(r.ID)
		if !ok || current.PostedAt != nil {
			continue
		}

		if err := p.publish(ctx, current); err != nil {
			p.logger.Warn().Err(err).
				Str("result_id", current.ID).
				Str("url", current.URL).
				Msg("Publication failed, skipping item")
			continue
		}

		if current.ContentHash != "" {
			promotedHashes[current.ContentHash] = true
		}
		posted++
	}

	p.logger.Info().
		Int("posted", posted).
		Int("candidates", len(candidates)).
		Msg("Publication run finished")
	return posted
}

// selectCandidates returns unposted results above the score floor within
// the freshness window, best first.
func (p *Publisher) selectCandidates() []*models.CrawlResult {
	cutoff := p.now().AddDate(0, 0, -p.config.FreshnessDays)

	out := p.store.List(func(r *models.CrawlResult) bool {
		return r.PostedAt == nil &&
			r.Score >= p.config.MinScore &&
			!r.CreatedAt.Before(cutoff)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// publish generates the article, renders it to HTML and hands it to the
// poster, then records the publication on the result.
func (p *Publisher) publish(ctx context.Context, r *models.CrawlResult) error {
	article, err := p.generateArticle(ctx, r)
	if err != nil {
		return fmt.Errorf("article generation failed: %w", err)
	}

	// Source attribution always closes the article
	article += fmt.Sprintf("\n\n---\n*Source: [%s](%s)*\n", r.SourceDomain, r.URL)

	var html bytes.Buffer
	if err := p.markdown.Convert([]byte(article), &html); err != nil {
		return fmt.Errorf("markdown rendering failed: %w", err)
	}

	req := interfaces.PostRequest{
		Title:   r.Title,
		Content: html.String(),
		Status:  "publish",
		Tags:    r.Tags,
	}
	if p.categoryID > 0 {
		req.Categories = []int{p.categoryID}
	}

	resp, err := p.poster.CreatePost(ctx, req)
	if err != nil {
		return fmt.Errorf("poster rejected article: %w", err)
	}

	r.MarkPosted(resp.ID, "")
	if err := p.store.Update(r.ID, r); err != nil {
		return fmt.Errorf("failed to persist publication state: %w", err)
	}

	p.logger.Info().
		Str("result_id", r.ID).
		Str("post_id", resp.ID).
		Str("link", resp.Link).
		Msg("Article published")
	return nil
}

// generateArticle streams the model's article into a single string. Without
// a chat model the source content is used as-is.
func (p *Publisher) generateArticle(ctx context.Context, r *models.CrawlResult) (string, error) {
	source := r.Content
	if source == "" {
		source = r.NormalizedText
	}
	if source == "" {
		return "", fmt.Errorf("result has no content to publish")
	}

	if p.llm == nil || p.model == "" {
		return source, nil
	}
	if info, ok := p.llm.Model(p.model); !ok || !info.SupportsChat() {
		p.logger.Debug().Str("model", p.model).Msg("No chat-capable model, publishing source content")
		return source, nil
	}

	prompt := fmt.Sprintf(articlePrompt, r.Title, source)
	stream, err := p.llm.Stream(ctx, p.model, []interfaces.Message{
		{Role: "user", Content: prompt},
	}, interfaces.StreamOptions{})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range stream {
		sb.WriteString(chunk)
	}
	article := strings.TrimSpace(sb.String())
	if article == "" {
		return "", fmt.Errorf("model produced an empty article")
	}
	return article, nil
}
