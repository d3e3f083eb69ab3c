// internal/engine/usage.go
package engine

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

// estimateUsage approximates token counts for a turn when the provider did
// not report usage, by encoding the prompt and reply with the model's
// tokenizer. Falls back to cl100k_base for unknown models, and to a crude
// 4-characters-per-token estimate if no encoding is available at all.
func estimateUsage(model string, prompt []llm.Message, reply string) types.TokenUsage {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		var promptChars int
		for _, m := range prompt {
			promptChars += len(m.Content)
		}
		return types.TokenUsage{
			InputTokens:  promptChars / 4,
			OutputTokens: len(reply) / 4,
		}
	}

	var input int
	for _, m := range prompt {
		input += len(enc.Encode(m.Content, nil, nil))
	}
	return types.TokenUsage{
		InputTokens:  input,
		OutputTokens: len(enc.Encode(reply, nil, nil)),
	}
}
