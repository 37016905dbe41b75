package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/aelexs/captionsync/internal/domain"
	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

// maxChatHistory bounds the turns forwarded to the model.
const maxChatHistory = 20

func (c *Coordinator) handleGenerateAnswer(ctx context.Context, req *router.Request) (any, error) {
	var in protocol.GenerateAnswer
	if err := req.Message.ParsePayload(&in); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", domain.ErrInvalidInput)
	}
	history := in.History
	if len(history) > maxChatHistory {
		history = history[len(history)-maxChatHistory:]
	}

	var answer string
	err := c.callExternal(ctx, "chat.generate", func(ctx context.Context) error {
		var genErr error
		answer, genErr = c.chat.GenerateAnswer(ctx, prompt, history)
		return genErr
	})
	if err != nil {
		return nil, err
	}
	return protocol.GenerateAnswerResponse{Success: true, Answer: answer}, nil
}
