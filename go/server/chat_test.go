package server

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/attestry/proofgate/go/payment"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// scriptedModel replays canned responses in order, recording the history it
// was handed on each round.
type scriptedModel struct {
	responses []*llms.ContentResponse
	calls     int
	seen      [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.seen = append(m.seen, messages)
	var i = m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i], nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func proseResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolResponse(id, name, arguments string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      name,
				Arguments: arguments,
			},
		}},
	}}}
}

func chatBody(content string, stream bool) map[string]interface{} {
	return map[string]interface{}{
		"model":  chatModelID,
		"stream": stream,
		"messages": []map[string]interface{}{
			{"role": "user", "content": content},
		},
	}
}

func TestModelsEndpoint(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "GET", "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data = decodeBody(t, rec)["data"].([]interface{})
	require.Len(t, data, 1)
	require.Equal(t, chatModelID, data[0].(map[string]interface{})["id"])
}

func TestChatWithoutModelIsUnavailable(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("hello", false))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatProseAnswer(t *testing.T) {
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		proseResponse("A zero-knowledge proof reveals nothing beyond the claim."),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("what is a zk proof?", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	require.Equal(t, "chat.completion", body["object"])
	var choice = body["choices"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, "stop", choice["finish_reason"])
	require.Contains(t,
		choice["message"].(map[string]interface{})["content"], "zero-knowledge")
	require.Nil(t, body["proofgate"])
}

func TestChatToolRoundAttachesVendorExtension(t *testing.T) {
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("call-1", "get_supported_circuits", `{"chainId":"84532"}`),
		proseResponse("Two circuits are available."),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("list circuits", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var body = decodeBody(t, rec)
	var extension = body["proofgate"].(map[string]interface{})
	require.Equal(t, "get_supported_circuits", extension["skill"])
	var result = extension["result"].(map[string]interface{})
	require.NotEmpty(t, result["circuits"])
	require.NotContains(t, result, "__skill")

	// Round two must carry the tool call and its response back to the model.
	require.Equal(t, 2, model.calls)
	var secondRound = model.seen[1]
	require.Equal(t, llms.ChatMessageTypeTool, secondRound[len(secondRound)-1].Role)
}

func TestChatToolPayloadIsUntagged(t *testing.T) {
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("call-1", "get_supported_circuits", `{}`),
		proseResponse("done"),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("list circuits", false))
	require.Equal(t, http.StatusOK, rec.Code)

	// The payload handed back to the model is the bare skill result; internal
	// bookkeeping keys stay out of the conversation.
	var secondRound = model.seen[1]
	response, ok := secondRound[len(secondRound)-1].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	require.Contains(t, response.Content, "circuits")
	require.NotContains(t, response.Content, "__skill")
}

func TestChatSigningURLSurfaced(t *testing.T) {
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("call-1", "request_signing",
			`{"circuitId":"coinbase_attestation","scope":"chat-scope"}`),
		proseResponse("Open the signing link to continue."),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("prove my coinbase attestation", false))
	var extension = decodeBody(t, rec)["proofgate"].(map[string]interface{})
	require.Equal(t, "request_signing", extension["skill"])
	require.Contains(t, extension["signingUrl"], "/s/")
}

func TestChatRoundBudgetSummarizes(t *testing.T) {
	// The model never stops calling tools; after the round budget the last
	// result is summarized instead.
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		toolResponse("call-1", "get_supported_circuits", `{}`),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("loop forever", false))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxToolRounds, model.calls)

	var choice = decodeBody(t, rec)["choices"].([]interface{})[0].(map[string]interface{})
	require.NotEmpty(t, choice["message"].(map[string]interface{})["content"])
}

func TestChatStreaming(t *testing.T) {
	var model = &scriptedModel{responses: []*llms.ContentResponse{
		proseResponse("streamed answer here"),
	}}
	var f = newFixture(t, payment.ModeDisabled, model)

	var rec = f.do(t, "POST", "/v1/chat/completions", chatBody("stream please", true))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var frames = rec.Body.String()
	require.Contains(t, frames, `"chat.completion.chunk"`)
	require.Contains(t, frames, `"content":"streamed"`)
	require.Contains(t, frames, `"finish_reason":"stop"`)
	require.True(t, strings.HasSuffix(strings.TrimSpace(frames), "data: [DONE]"))
}

func TestChatMalformedBody(t *testing.T) {
	var f = newFixture(t, payment.ModeDisabled, nil)
	var rec = f.do(t, "POST", "/v1/chat/completions", map[string]interface{}{
		"model": chatModelID,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
