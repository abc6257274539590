package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/skills"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
)

const (
	chatModelID = "proofgate-1"

	// maxToolRounds bounds the tool-calling loop per request.
	maxToolRounds = 3

	chatSystemPrompt = `You are a zero-knowledge proof assistant. You help users
prove facts about their on-chain attestations without revealing underlying
data. Use the provided tools to create signing sessions, check progress, and
generate or verify proofs. When a signing URL is produced, surface it to the
user verbatim.`
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data": []map[string]interface{}{{
			"id":       chatModelID,
			"object":   "model",
			"owned_by": s.cfg.AgentName,
		}},
	})
}

// handleChatCompletions runs the OpenAI-compatible surface: an LLM loop of
// at most three tool rounds, with at most one heavy (proving or verifying)
// call per request, every tool dispatched through the shared skill layer.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "malformed chat request"})
		return
	}
	if s.model == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "no language model configured",
		})
		return
	}

	var history = []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, chatSystemPrompt),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			history = append(history, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case "assistant":
			history = append(history, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		default:
			history = append(history, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}

	content, lastResult, err := s.runToolLoop(r.Context(), history)
	if err != nil {
		if fault.Is(err, fault.PaymentRequired) {
			s.chatPaymentChallenge(w, err)
			return
		}
		writeFault(w, err)
		return
	}

	if req.Stream {
		s.streamChatResponse(w, content, lastResult)
		return
	}
	var response = map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   chatModelID,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]interface{}{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	}
	if lastResult != nil {
		response["proofgate"] = vendorExtension(lastResult)
	}
	writeJSON(w, http.StatusOK, response)
}

// runToolLoop drives the model until it answers in prose or the round budget
// runs out, returning the final content and the last skill result.
func (s *Server) runToolLoop(ctx context.Context, history []llms.MessageContent) (string, skills.Result, error) {
	var lastResult skills.Result
	var heavyUsed bool

	for round := 0; round < maxToolRounds; round++ {
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		resp, err := s.model.GenerateContent(callCtx, history, llms.WithTools(router.ToolCatalog()))
		cancel()
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return "", nil, fault.Wrap(fault.UpstreamTimeout, err, "language model timed out")
			}
			return "", nil, fault.Wrap(fault.UpstreamFailure, err, "language model call failed")
		}
		if len(resp.Choices) == 0 {
			return "", nil, fault.New(fault.UpstreamFailure, "language model returned no choices")
		}

		var choice = resp.Choices[0]
		if len(choice.ToolCalls) == 0 {
			return choice.Content, lastResult, nil
		}

		var assistant = llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, llms.ToolCall{
				ID: call.ID, Type: call.Type, FunctionCall: call.FunctionCall,
			})
		}
		history = append(history, assistant)

		for _, call := range choice.ToolCalls {
			var payload string
			payload, lastResult, heavyUsed = s.executeChatTool(ctx, call, heavyUsed, lastResult)
			history = append(history, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    payload,
				}},
			})
		}
	}

	// The round budget ran out with the model still calling tools; summarize
	// what we have.
	if lastResult != nil {
		return skills.Summary(lastSkill(lastResult), lastResult), lastResult, nil
	}
	return "I could not complete the request within the allowed tool budget.", nil, nil
}

// executeChatTool dispatches one tool call, enforcing the one-heavy-call cap.
func (s *Server) executeChatTool(ctx context.Context, call llms.ToolCall, heavyUsed bool, lastResult skills.Result) (string, skills.Result, bool) {
	var name = call.FunctionCall.Name
	if !skills.Known(name) {
		return errorPayload(fmt.Sprintf("unknown tool %q", name)), lastResult, heavyUsed
	}
	if skills.Heavy(name) {
		if heavyUsed {
			return errorPayload("only one proof generation or verification is allowed per request"),
				lastResult, heavyUsed
		}
		heavyUsed = true
	}

	var params = map[string]interface{}{}
	if call.FunctionCall.Arguments != "" {
		if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &params); err != nil {
			return errorPayload("malformed tool arguments"), lastResult, heavyUsed
		}
	}

	result, err := s.skills.Invoke(ctx, name, params)
	if err != nil {
		log.WithFields(log.Fields{"skill": name, "kind": fault.KindOf(err)}).
			Debug("chat tool call failed")
		return errorPayload(err.Error()), lastResult, heavyUsed
	}

	// The model sees the skill result as-is; the __skill tag is internal
	// bookkeeping for the vendor extension and the round-budget summary.
	var raw, _ = json.Marshal(result)
	result["__skill"] = name
	return string(raw), result, heavyUsed
}

func errorPayload(message string) string {
	var raw, _ = json.Marshal(map[string]interface{}{"error": message})
	return string(raw)
}

// lastSkill recovers the skill name tagged onto a tool result.
func lastSkill(result skills.Result) string {
	var name, _ = result["__skill"].(string)
	return name
}

// vendorExtension builds the non-standard result attachment carried on the
// final response, with the skill result and any signing URL.
func vendorExtension(result skills.Result) map[string]interface{} {
	var out = map[string]interface{}{"skill": lastSkill(result)}
	var clean = make(map[string]interface{}, len(result))
	for k, v := range result {
		if k != "__skill" {
			clean[k] = v
		}
	}
	out["result"] = clean
	if url, ok := result["signingUrl"]; ok {
		out["signingUrl"] = url
	}
	return out
}

// chatPaymentChallenge converts a PaymentRequired fault into an x402 402
// response.
func (s *Server) chatPaymentChallenge(w http.ResponseWriter, err error) {
	var challenge = s.gate.ChallengeFor(s.cfg.BaseURL + "/v1/chat/completions")
	w.Header().Set("X-Payment-Required", challenge.HeaderValue())
	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"error":     "payment required",
		"reason":    err.Error(),
		"challenge": challenge,
	})
}

// streamChatResponse emits the completion as SSE chunks, one whitespace
// token at a time, ending with a vendor-extension bearing chunk and [DONE].
func (s *Server) streamChatResponse(w http.ResponseWriter, content string, lastResult skills.Result) {
	var sse, err = newSSEWriter(w)
	if err != nil {
		writeFault(w, err)
		return
	}

	var id = "chatcmpl-" + uuid.NewString()
	var created = time.Now().Unix()
	var chunk = func(delta map[string]interface{}, finish interface{}) map[string]interface{} {
		return map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   chatModelID,
			"choices": []map[string]interface{}{{
				"index": 0, "delta": delta, "finish_reason": finish,
			}},
		}
	}

	for i, token := range strings.Fields(content) {
		var text = token
		if i > 0 {
			text = " " + token
		}
		if err = sse.Data(mustJSON(chunk(map[string]interface{}{"content": text}, nil))); err != nil {
			return
		}
	}

	var final = chunk(map[string]interface{}{}, "stop")
	if lastResult != nil {
		final["proofgate"] = vendorExtension(lastResult)
	}
	if err = sse.Data(mustJSON(final)); err != nil {
		return
	}
	_ = sse.Data("[DONE]")
}

func mustJSON(v interface{}) string {
	var raw, _ = json.Marshal(v)
	return string(raw)
}
