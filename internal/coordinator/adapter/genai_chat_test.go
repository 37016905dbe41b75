package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

type stubGenerator struct {
	generateFn func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (s *stubGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return s.generateFn(ctx, model, contents, config)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(text, genai.RoleModel),
		}},
	}
}

func TestGeminiChat_GenerateAnswer(t *testing.T) {
	var gotModel string
	var gotContents []*genai.Content
	chat := NewGeminiChat(&stubGenerator{
		generateFn: func(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotModel, gotContents = model, contents
			require.NotNil(t, config.SystemInstruction)
			return textResponse("  \"hola\" means hello.  "), nil
		},
	}, "gemini-test")

	answer, err := chat.GenerateAnswer(context.Background(), "what is hola?", []protocol.ChatTurn{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, `"hola" means hello.`, answer)
	assert.Equal(t, "gemini-test", gotModel)
	require.Len(t, gotContents, 3)
	assert.Equal(t, string(genai.RoleModel), gotContents[1].Role)
	assert.Equal(t, "what is hola?", gotContents[2].Parts[0].Text)
}

func TestGeminiChat_EmptyAnswer(t *testing.T) {
	chat := NewGeminiChat(&stubGenerator{
		generateFn: func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			return &genai.GenerateContentResponse{}, nil
		},
	}, "m")

	_, err := chat.GenerateAnswer(context.Background(), "q", nil)
	assert.ErrorContains(t, err, "no text")
}

func TestClassifyGenAI(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"rate limited", genai.APIError{Code: 429, Message: "quota"}, domain.ErrUnavailable},
		{"server error", genai.APIError{Code: 503, Message: "overloaded"}, domain.ErrUnavailable},
		{"gateway timeout", genai.APIError{Code: 504, Message: "slow"}, domain.ErrTimeout},
		{"bad request", genai.APIError{Code: 400, Message: "bad"}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyGenAI(tt.err), tt.target)
		})
	}

	keyErr := classifyGenAI(genai.APIError{Code: 403, Message: "API key not valid"})
	assert.False(t, domain.IsNetworkError(keyErr))
	plain := errors.New("boom")
	assert.Equal(t, plain, classifyGenAI(plain))
}
