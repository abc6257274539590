// Package router resolves an incoming message to a canonical skill call.
// Structured data parts carry an explicit skill tag; free-form text is routed
// through an LLM constrained to a tool-call-required schema. The router never
// guesses on behalf of the model.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attestry/proofgate/go/agent"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/skills"
	log "github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
)

// Source records how a resolution was obtained.
type Source string

const (
	SourceData Source = "data"
	SourceText Source = "text"
)

// Resolution is a routed skill call.
type Resolution struct {
	Skill  string
	Params map[string]interface{}
	Source Source
}

const (
	llmTimeout = 30 * time.Second

	systemPrompt = `You are the request router of a zero-knowledge proof gateway.
Map the user's message onto exactly one of the available tools. Always call a
tool; never answer in prose. Prefer request_signing when the user wants to
start proving something, check_status when they ask about progress, and
get_supported_circuits when they ask what can be proven.`
)

// Router resolves messages. A nil model disables text routing.
type Router struct {
	model llms.Model
}

// New builds a Router over |model|, which may be nil.
func New(model llms.Model) *Router { return &Router{model: model} }

// Resolve routes |message| to a skill call.
func (r *Router) Resolve(ctx context.Context, message agent.Message) (*Resolution, error) {
	// An explicit skill tag in a data part always wins.
	if part := message.FirstDataPart(); part != nil {
		if skill, ok := part.Data["skill"].(string); ok && skill != "" {
			var params = make(map[string]interface{}, len(part.Data))
			for k, v := range part.Data {
				if k != "skill" {
					params[k] = v
				}
			}
			return &Resolution{Skill: skill, Params: params, Source: SourceData}, nil
		}
	}

	var text = message.TextContent()
	if text == "" {
		return nil, fault.New(fault.NotRoutable, "message carries no routable content")
	}
	if r.model == nil {
		return nil, fault.New(fault.NotRoutable, "text routing is unavailable: no LLM configured")
	}
	return r.resolveText(ctx, text)
}

func (r *Router) resolveText(ctx context.Context, text string) (*Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	var resp, err = r.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, text),
		},
		llms.WithTools(ToolCatalog()),
		llms.WithToolChoice("required"),
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.Wrap(fault.UpstreamTimeout, err, "skill routing timed out")
		}
		return nil, fault.Wrap(fault.UpstreamFailure, err, "skill routing failed")
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].ToolCalls) == 0 {
		// The model answered in prose despite the required tool choice.
		return nil, fault.New(fault.NotRoutable, "could not map the message to a skill")
	}

	var call = resp.Choices[0].ToolCalls[0]
	var params = map[string]interface{}{}
	if call.FunctionCall.Arguments != "" {
		if err = json.Unmarshal([]byte(call.FunctionCall.Arguments), &params); err != nil {
			return nil, fault.Wrap(fault.NotRoutable, err, "parsing routed skill arguments")
		}
	}
	if !skills.Known(call.FunctionCall.Name) {
		return nil, fault.New(fault.NotRoutable, "model selected unknown skill %q", call.FunctionCall.Name)
	}

	log.WithFields(log.Fields{"skill": call.FunctionCall.Name}).Debug("text routed to skill")
	return &Resolution{
		Skill:  call.FunctionCall.Name,
		Params: params,
		Source: SourceText,
	}, nil
}

// OverrideRequestID enforces the session's context binding: text-inferred
// request ids are always replaced (models hallucinate placeholders), data
// part ids only when absent.
func (res *Resolution) OverrideRequestID(contextRequestID string) {
	if contextRequestID == "" {
		return
	}
	switch res.Skill {
	case skills.SkillCheckStatus, skills.SkillRequestPayment, skills.SkillGenerateProof:
	default:
		return
	}
	if res.Params == nil {
		res.Params = map[string]interface{}{}
	}
	if res.Source == SourceText {
		res.Params["requestId"] = contextRequestID
		return
	}
	if existing, _ := res.Params["requestId"].(string); existing == "" {
		res.Params["requestId"] = contextRequestID
	}
}
