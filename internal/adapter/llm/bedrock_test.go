//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmx/internal/domain"
	"swarmx/internal/infra/config"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func (f *fakeConverse) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, f.err
}

func newTestBedrock(api converseAPI) *BedrockBackend {
	return &BedrockBackend{
		settings: newSettings(config.BackendConfig{Name: "aws", Model: "anthropic.claude-test"}),
		client:   api,
		logger:   newTestLogger(),
	}
}

func TestBedrockChat(t *testing.T) {
	api := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "bedrock says hi"},
			},
		}},
		StopReason: types.StopReasonEndTurn,
		Usage:      &types.TokenUsage{InputTokens: aws.Int32(4), OutputTokens: aws.Int32(3)},
	}}
	b := newTestBedrock(api)

	resp, err := b.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "hi"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "bedrock says hi", resp.Message.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "anthropic.claude-test", aws.ToString(api.input.ModelId))
	assert.Len(t, api.input.System, 1)
	assert.Len(t, api.input.Messages, 1)
	assert.EqualValues(t, 4096, aws.ToInt32(api.input.InferenceConfig.MaxTokens))
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"ThrottlingException", domain.ErrRateLimit},
		{"AccessDeniedException", domain.ErrAuthInvalid},
		{"InternalServerException", domain.ErrBackend},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			b := newTestBedrock(&fakeConverse{err: &smithy.GenericAPIError{Code: tt.code, Message: "x"}})
			_, err := b.Chat(context.Background(), userRequest("hi"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestToBedrockMessageToolUse(t *testing.T) {
	msg := toBedrockMessage(domain.Message{
		Role:      domain.RoleAssistant,
		ToolCalls: []domain.ToolCall{{ID: "t1", Name: "lookup", Arguments: json.RawMessage(`{"id":1}`)}},
	})
	require.NotNil(t, msg)
	require.Len(t, msg.Content, 1)
	use, ok := msg.Content[0].(*types.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "lookup", aws.ToString(use.Value.Name))

	assert.Nil(t, toBedrockMessage(domain.Message{Role: domain.RoleSystem}))
}
