package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/aelexs/captionsync/internal/coordinator/app"
	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// Compile-time check: GeminiChat satisfies app.ChatModel.
var _ app.ChatModel = (*GeminiChat)(nil)

// contentGenerator is the narrow slice of the genai client the chat adapter
// uses. (*genai.Client).Models satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// chatInstruction frames every conversation as language-learning help.
const chatInstruction = "You help a language learner understand words and phrases from video captions. " +
	"Answer briefly and give one example sentence when it helps."

// GeminiChat answers chat prompts with a Gemini model.
type GeminiChat struct {
	models contentGenerator
	model  string
}

// NewGeminiClient creates the genai client for apiKey.
func NewGeminiClient(ctx context.Context, apiKey domain.SecretString) (*genai.Client, error) {
	if apiKey.IsEmpty() {
		return nil, fmt.Errorf("%w: chat.api_key", domain.ErrConfigRequired)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey.Expose(),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// NewGeminiChat creates a GeminiChat using model.
func NewGeminiChat(models contentGenerator, model string) *GeminiChat {
	return &GeminiChat{models: models, model: model}
}

// GenerateAnswer sends history followed by prompt and returns the model's text.
func (g *GeminiChat) GenerateAnswer(ctx context.Context, prompt string, history []protocol.ChatTurn) (string, error) {
	ctx, span := tracer.Start(ctx, "genai.generate_content")
	defer span.End()
	span.SetAttributes(
		attribute.String("gen_ai.system", "gemini"),
		attribute.String("gen_ai.request.model", g.model),
		attribute.Int("gen_ai.history_turns", len(history)),
	)

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		contents = append(contents, genai.NewContentFromText(turn.Text, chatRole(turn.Role)))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(chatInstruction, genai.RoleUser),
	})
	if err != nil {
		failSpan(span, err)
		return "", fmt.Errorf("generate answer: %w", classifyGenAI(err))
	}

	answer := strings.TrimSpace(resp.Text())
	if answer == "" {
		err := errors.New("model returned no text")
		failSpan(span, err)
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return answer, nil
}

// chatRole maps surface roles onto the two roles the model accepts.
func chatRole(role string) genai.Role {
	switch strings.ToLower(role) {
	case "model", "assistant":
		return genai.RoleModel
	default:
		return genai.RoleUser
	}
}

// classifyGenAI maps API statuses onto domain errors. A rejected API key
// is a configuration fault, not a session problem, so it stays unclassified.
func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	case apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	case apiErr.Code == http.StatusBadRequest:
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	default:
		return err
	}
}
