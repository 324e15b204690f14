//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

var (
	_ domain.Backend          = (*BedrockBackend)(nil)
	_ domain.StreamingBackend = (*BedrockBackend)(nil)
)

const bedrockDefaultRegion = "us-east-1"

// converseAPI is the slice of the Bedrock runtime client the backend uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockBackend serves completions through the AWS Bedrock Converse API.
// Credentials come from the default AWS chain.
type BedrockBackend struct {
	settings
	client converseAPI
	logger *slog.Logger
}

func newBedrock(cfg config.BackendConfig, logger *slog.Logger) (domain.Backend, error) {
	region := cfg.Region
	if region == "" {
		region = bedrockDefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockBackend{
		settings: newSettings(cfg),
		client:   bedrockruntime.NewFromConfig(awsCfg),
		logger:   logger,
	}, nil
}

func (b *BedrockBackend) Name() string { return b.name }

// Chat implements domain.Backend.
func (b *BedrockBackend) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req = b.apply(req)
	ctx, span := chatSpan(ctx, b.name, req.Model)
	defer span.End()

	out, err := b.client.Converse(ctx, toConverseInput(req))
	if err != nil {
		return nil, chatFailed(span, mapBedrockError(err))
	}

	resp := fromConverseOutput(out, req.Model)
	chatDone(span, b.logger, b.name, resp)
	return resp, nil
}

// ChatStream implements domain.StreamingBackend.
func (b *BedrockBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	req = b.apply(req)
	in := toConverseInput(req)
	out, err := b.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(err)
	}

	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			delta := fromStreamEvent(evt)
			if delta == nil {
				continue
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}
			if delta.Done {
				return
			}
		}
		select {
		case ch <- domain.StreamDelta{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func toConverseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	in := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))},
	}
	if req.Temperature != nil {
		in.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		if msg := toBedrockMessage(m); msg != nil {
			in.Messages = append(in.Messages, *msg)
		}
	}

	if len(req.Tools) > 0 {
		var tools []types.Tool
		for _, t := range req.Tools {
			schema := map[string]any{"type": "object"}
			if len(t.Parameters) > 0 {
				_ = json.Unmarshal(t.Parameters, &schema)
			}
			tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}})
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return in
}

func toBedrockMessage(m domain.Message) *types.Message {
	switch m.Role {
	case domain.RoleTool:
		var id string
		if len(m.ToolCalls) > 0 {
			id = m.ToolCalls[0].ID
		}
		return &types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(id),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
			}}},
		}
	case domain.RoleAssistant:
		msg := &types.Message{Role: types.ConversationRoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			input := map[string]any{}
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		return msg
	case domain.RoleUser:
		return &types.Message{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		}
	}
	return nil
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	resp := &domain.ChatResponse{
		Model:        model,
		FinishReason: string(out.StopReason),
		CreatedAt:    now,
		Message:      domain.Message{Role: domain.RoleAssistant, Timestamp: now},
	}
	if out.Usage != nil {
		resp.Usage = bedrockUsage(out.Usage)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text []string
	for _, block := range msg.Value.Content {
		switch bl := block.(type) {
		case *types.ContentBlockMemberText:
			text = append(text, bl.Value)
		case *types.ContentBlockMemberToolUse:
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(bl.Value.ToolUseId),
				Name:      aws.ToString(bl.Value.Name),
				Arguments: documentJSON(bl.Value.Input),
			})
		}
	}
	resp.Message.Content = strings.Join(text, "")
	return resp
}

func bedrockUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func documentJSON(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func fromStreamEvent(evt types.ConverseStreamOutput) *domain.StreamDelta {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			return &domain.StreamDelta{Content: d.Value}
		case *types.ContentBlockDeltaMemberToolUse:
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{Arguments: json.RawMessage(aws.ToString(d.Value.Input))}}}
		}
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			return &domain.StreamDelta{ToolCalls: []domain.ToolCall{{
				ID:   aws.ToString(start.Value.ToolUseId),
				Name: aws.ToString(start.Value.Name),
			}}}
		}
	case *types.ConverseStreamOutputMemberMetadata:
		delta := &domain.StreamDelta{Done: true}
		if e.Value.Usage != nil {
			u := bedrockUsage(e.Value.Usage)
			delta.Usage = &u
		}
		return delta
	}
	return nil
}

// mapBedrockError maps AWS error codes onto the backend sentinels.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
	switch code := apiErr.ErrorCode(); {
	case code == "ThrottlingException" || code == "TooManyRequestsException":
		return fmt.Errorf("%w: %v", domain.ErrRateLimit, err)
	case code == "AccessDeniedException" || code == "UnrecognizedClientException":
		return fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
	case code == "ValidationException" && strings.Contains(err.Error(), "too long"):
		return fmt.Errorf("%w: %v", domain.ErrContextOverflow, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
}
