package router

import (
	"context"
	"testing"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/skills"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeModel struct {
	choices []*llms.ContentChoice
	err     error
}

func (f *fakeModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: f.choices}, nil
}

func (f *fakeModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return "", nil
}

func toolCallModel(name, arguments string) *fakeModel {
	return &fakeModel{choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		}},
	}}}
}

func dataMessage(data map[string]interface{}) agent.Message {
	return agent.Message{Role: agent.RoleUser, Parts: []agent.Part{agent.DataPart(data)}}
}

func textMessage(text string) agent.Message {
	return agent.Message{Role: agent.RoleUser, Parts: []agent.Part{agent.TextPart(text)}}
}

func TestResolveDataPart(t *testing.T) {
	var r = New(nil)

	resolution, err := r.Resolve(context.Background(), dataMessage(map[string]interface{}{
		"skill": "get_supported_circuits", "chainId": "84532",
	}))
	require.NoError(t, err)
	require.Equal(t, "get_supported_circuits", resolution.Skill)
	require.Equal(t, SourceData, resolution.Source)
	// The skill tag is peeled off; remaining fields become params.
	require.Equal(t, map[string]interface{}{"chainId": "84532"}, resolution.Params)
}

func TestResolveEmptyMessage(t *testing.T) {
	var r = New(nil)
	var _, err = r.Resolve(context.Background(), agent.Message{Role: agent.RoleUser})
	require.True(t, fault.Is(err, fault.NotRoutable))
}

func TestResolveTextWithoutModel(t *testing.T) {
	var r = New(nil)
	var _, err = r.Resolve(context.Background(), textMessage("prove I have a coinbase account"))
	require.True(t, fault.Is(err, fault.NotRoutable))
}

func TestResolveTextViaToolCall(t *testing.T) {
	var r = New(toolCallModel("request_signing",
		`{"circuitId":"coinbase_attestation","scope":"chat.app"}`))

	resolution, err := r.Resolve(context.Background(), textMessage("prove I have a coinbase account"))
	require.NoError(t, err)
	require.Equal(t, "request_signing", resolution.Skill)
	require.Equal(t, SourceText, resolution.Source)
	require.Equal(t, "coinbase_attestation", resolution.Params["circuitId"])
}

func TestResolveTextProseResponse(t *testing.T) {
	var r = New(&fakeModel{choices: []*llms.ContentChoice{{Content: "I think you want a proof."}}})
	var _, err = r.Resolve(context.Background(), textMessage("hello"))
	require.True(t, fault.Is(err, fault.NotRoutable))
}

func TestResolveTextUnknownSkill(t *testing.T) {
	var r = New(toolCallModel("launch_rocket", `{}`))
	var _, err = r.Resolve(context.Background(), textMessage("do something"))
	require.True(t, fault.Is(err, fault.NotRoutable))
}

func TestOverrideRequestID(t *testing.T) {
	// Text-inferred ids are always replaced.
	var res = &Resolution{
		Skill:  skills.SkillCheckStatus,
		Params: map[string]interface{}{"requestId": "hallucinated-123"},
		Source: SourceText,
	}
	res.OverrideRequestID("real-id")
	require.Equal(t, "real-id", res.Params["requestId"])

	// Data-part ids are kept when present.
	res = &Resolution{
		Skill:  skills.SkillGenerateProof,
		Params: map[string]interface{}{"requestId": "explicit-id"},
		Source: SourceData,
	}
	res.OverrideRequestID("real-id")
	require.Equal(t, "explicit-id", res.Params["requestId"])

	// Data-part calls without an id inherit the context binding.
	res = &Resolution{Skill: skills.SkillGenerateProof, Source: SourceData}
	res.OverrideRequestID("real-id")
	require.Equal(t, "real-id", res.Params["requestId"])

	// Skills that take no request id are untouched.
	res = &Resolution{Skill: skills.SkillGetSupportedCircuits, Source: SourceText}
	res.OverrideRequestID("real-id")
	require.Nil(t, res.Params)
}

func TestToolCatalogCoversAllSkills(t *testing.T) {
	var tools = ToolCatalog()
	require.Len(t, tools, len(skills.Names))
	for _, tool := range tools {
		require.NotEmpty(t, tool.Function.Description)
		var schema = tool.Function.Parameters.(map[string]interface{})
		require.Equal(t, "object", schema["type"])
	}
}
