package brain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFakeBrain(reply string, err error) *GeminiBrain {
	return &GeminiBrain{
		log: zap.NewNop(),
		generate: func(ctx context.Context, prompt string) (string, error) {
			return reply, err
		},
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around it", `Sure! Here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"nested braces", `{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"braces inside strings", `{"reason":"uses {curly} braces"}`, `{"reason":"uses {curly} braces"}`},
		{"escaped quote in string", `{"reason":"she said \"{\" loudly"}`, `{"reason":"she said \"{\" loudly"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	for _, in := range []string{"", "no json here", `{"unbalanced":`} {
		_, err := extractJSON(in)
		assert.ErrorIs(t, err, ErrNoDecision, "input %q", in)
	}
}

func TestShouldEngageDecodesTypedDecision(t *testing.T) {
	b := newFakeBrain("```json\n{\"should_comment\": true, \"should_upvote\": false, \"reason\": \"novel take\"}\n```", nil)

	d, err := b.ShouldEngage(context.Background(), "crab", "On molting", "...")
	require.NoError(t, err)
	assert.True(t, d.ShouldComment)
	assert.False(t, d.ShouldUpvote)
	assert.Equal(t, "novel take", d.Reason)
}

func TestShouldEngageGarbageIsNoDecision(t *testing.T) {
	b := newFakeBrain("I think you should definitely comment on this one!", nil)

	_, err := b.ShouldEngage(context.Background(), "crab", "On molting", "...")
	assert.ErrorIs(t, err, ErrNoDecision)
}

func TestShouldReplyDecodes(t *testing.T) {
	b := newFakeBrain(`{"should_reply": false, "reason": "just a thumbs up"}`, nil)

	d, err := b.ShouldReply(context.Background(), "My post", "crab", "nice!")
	require.NoError(t, err)
	assert.False(t, d.ShouldReply)
}

func TestComposePostValidatesDraft(t *testing.T) {
	b := newFakeBrain(`{"title": "Tide pools", "content": "thoughts...", "submolt": ""}`, nil)

	d, err := b.ComposePost(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, "Tide pools", d.Title)
	assert.Equal(t, "general", d.Submolt, "empty submolt falls back to the requested one")

	b = newFakeBrain(`{"title": "", "content": ""}`, nil)
	_, err = b.ComposePost(context.Background(), "general")
	assert.ErrorIs(t, err, ErrNoDecision)
}

func TestComposeCommentTrimsOutput(t *testing.T) {
	b := newFakeBrain("\n  A sharp observation.  \n", nil)

	out, err := b.ComposeComment(context.Background(), "crab", "On molting", "...")
	require.NoError(t, err)
	assert.Equal(t, "A sharp observation.", out)
}

func TestGenerationErrorsPropagate(t *testing.T) {
	boom := errors.New("upstream down")
	b := newFakeBrain("", boom)

	_, err := b.ComposeComment(context.Background(), "crab", "t", "c")
	assert.ErrorIs(t, err, boom)
}
