package brain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const systemPrompt = `You are Molty, a long-term resident of the Moltbook forum.
You read what other agents post, engage when you genuinely have something to
add, and stay quiet otherwise. You never spam, never repeat yourself, and you
write like a regular with opinions, not a press release. Keep comments short
(2-4 sentences) and specific to the post in front of you.`

// modelQuota is one model in the fallback chain with its local request
// budget. Counts reset lazily, daily and per minute.
type modelQuota struct {
	Name string
	RPM  int
	RPD  int
}

// GeminiBrain implements the decision and composition prompts on the Gemini
// API, with a local quota tracker and model fallback so a rate-limited primary
// degrades to the lite model instead of failing the cycle.
type GeminiBrain struct {
	client *genai.Client
	models []modelQuota
	log    *zap.Logger

	mu           sync.Mutex
	dailyCount   map[string]int
	minuteCount  map[string]int
	lastResetDay time.Time
	lastResetMin time.Time

	// generate is swapped out in tests.
	generate func(ctx context.Context, prompt string) (string, error)
}

// NewGeminiBrain builds the brain. model is the primary; the flash-lite
// fallback is always appended.
func NewGeminiBrain(ctx context.Context, apiKey, model string, log *zap.Logger) (*GeminiBrain, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("brain: gemini api key required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("brain: create client: %w", err)
	}

	b := &GeminiBrain{
		client: client,
		models: []modelQuota{
			{Name: model, RPM: 10, RPD: 250},
			{Name: "gemini-2.5-flash-lite", RPM: 15, RPD: 1000},
		},
		log:          log,
		dailyCount:   make(map[string]int),
		minuteCount:  make(map[string]int),
		lastResetDay: time.Now(),
		lastResetMin: time.Now(),
	}
	b.generate = b.generateWithFallback
	return b, nil
}

func (b *GeminiBrain) generateWithFallback(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, m := range b.models {
		if !b.underQuota(m) {
			continue
		}

		result, err := b.client.Models.GenerateContent(ctx, m.Name, genai.Text(prompt), nil)
		if err != nil {
			es := strings.ToLower(err.Error())
			if strings.Contains(es, "429") || strings.Contains(es, "rate limit") ||
				strings.Contains(es, "exhausted") || strings.Contains(es, "not found") {
				b.log.Warn("model unavailable, falling back",
					zap.String("model", m.Name), zap.Error(err))
				lastErr = err
				continue
			}
			return "", fmt.Errorf("brain: generate: %w", err)
		}

		if result == nil || len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
			lastErr = fmt.Errorf("brain: empty completion from %s", m.Name)
			continue
		}
		b.recordUsage(m)
		return result.Candidates[0].Content.Parts[0].Text, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("brain: all models over local quota")
	}
	return "", lastErr
}

func (b *GeminiBrain) underQuota(m modelQuota) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if now.YearDay() != b.lastResetDay.YearDay() {
		b.dailyCount = make(map[string]int)
		b.lastResetDay = now
	}
	if now.Sub(b.lastResetMin) >= time.Minute {
		b.minuteCount = make(map[string]int)
		b.lastResetMin = now
	}
	return b.dailyCount[m.Name] < m.RPD && b.minuteCount[m.Name] < m.RPM
}

func (b *GeminiBrain) recordUsage(m modelQuota) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyCount[m.Name]++
	b.minuteCount[m.Name]++
}

// ShouldEngage asks whether a feed post deserves a comment and/or an upvote.
// Undecodable output is ErrNoDecision, never a guessed yes.
func (b *GeminiBrain) ShouldEngage(ctx context.Context, author, title, content string) (*EngageDecision, error) {
	prompt := fmt.Sprintf(`%s

Another agent posted this:
Author: %s
Title: %s
Content: %s

Decide whether you would genuinely comment on it and whether it deserves an
upvote. Respond with ONLY a JSON object:
{"should_comment": true/false, "should_upvote": true/false, "reason": "one sentence"}`,
		systemPrompt, author, title, content)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var d EngageDecision
	if err := decodeInto(raw, &d); err != nil {
		b.log.Warn("engage decision did not decode", zap.Error(err))
		return nil, err
	}
	return &d, nil
}

// ShouldReply asks whether a comment under our own post deserves a reply.
func (b *GeminiBrain) ShouldReply(ctx context.Context, postTitle, commentAuthor, comment string) (*ReplyDecision, error) {
	prompt := fmt.Sprintf(`%s

Under your own post titled %q, %s commented:
%s

Decide whether this needs a reply from you. Small acknowledgements and empty
compliments do not. Respond with ONLY a JSON object:
{"should_reply": true/false, "reason": "one sentence"}`,
		systemPrompt, postTitle, commentAuthor, comment)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var d ReplyDecision
	if err := decodeInto(raw, &d); err != nil {
		b.log.Warn("reply decision did not decode", zap.Error(err))
		return nil, err
	}
	return &d, nil
}

// ComposeComment writes a comment for a post we decided to engage with.
func (b *GeminiBrain) ComposeComment(ctx context.Context, author, title, content string) (string, error) {
	prompt := fmt.Sprintf(`%s

Write your comment on this post by %s:
Title: %s
Content: %s

Output the comment text only, no JSON, no preamble.`,
		systemPrompt, author, title, content)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// ComposeReply writes a reply to a comment under our own post.
func (b *GeminiBrain) ComposeReply(ctx context.Context, postTitle, commentAuthor, comment string) (string, error) {
	prompt := fmt.Sprintf(`%s

Under your post %q, %s wrote:
%s

Write your reply. Output the reply text only, no JSON, no preamble.`,
		systemPrompt, postTitle, commentAuthor, comment)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// ComposePost drafts an original post for the given submolt.
func (b *GeminiBrain) ComposePost(ctx context.Context, submolt string) (*PostDraft, error) {
	prompt := fmt.Sprintf(`%s

Write an original post for the %q community: something you have been mulling
over that other agents would want to discuss. Respond with ONLY a JSON object:
{"title": "...", "content": "...", "submolt": %q}`,
		systemPrompt, submolt, submolt)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var d PostDraft
	if err := decodeInto(raw, &d); err != nil {
		b.log.Warn("post draft did not decode", zap.Error(err))
		return nil, err
	}
	if d.Title == "" || d.Content == "" {
		return nil, fmt.Errorf("%w: draft missing title or content", ErrNoDecision)
	}
	if d.Submolt == "" {
		d.Submolt = submolt
	}
	return &d, nil
}
