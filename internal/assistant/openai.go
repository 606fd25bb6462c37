package assistant

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIClient is the stateless completion backend, built on the official
// chat-completions API.
type OpenAIClient struct {
	client openai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	var clientOpts []openaiopt.RequestOption
	if strings.TrimSpace(apiKey) != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(apiKey))
	}
	if strings.TrimSpace(baseURL) != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(clientOpts...)}
}

func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []ChatMessage, temperature float64, maxTokens int) (string, int, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertMessages(messages),
	}
	if temperature > 0 {
		params.Temperature = openai.Float(temperature)
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", 0, fmt.Errorf("chat completion: empty choice list")
	}

	return completion.Choices[0].Message.Content, int(completion.Usage.TotalTokens), nil
}

func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		case "assistant":
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		default:
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			})
		}
	}
	return result
}
