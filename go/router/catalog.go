package router

import (
	"github.com/attestry/proofgate/go/skills"
	"github.com/tmc/langchaingo/llms"
)

// ToolDescription returns the human description of |skill| shared by the
// LLM tool catalog, MCP tools/list, and discovery documents.
func ToolDescription(skill string) string {
	switch skill {
	case skills.SkillRequestSigning:
		return "Start a proof request: allocates a signing session and returns the URL where the user's wallet signs."
	case skills.SkillCheckStatus:
		return "Check the phase of a proof request: signing, payment, ready, or expired."
	case skills.SkillRequestPayment:
		return "Request payment instructions for a signed proof request."
	case skills.SkillGenerateProof:
		return "Generate a zero-knowledge proof from a completed signing session."
	case skills.SkillVerifyProof:
		return "Verify a proof against the on-chain verifier contract."
	case skills.SkillGetSupportedCircuits:
		return "List the supported proving circuits and their verifier deployments."
	}
	return ""
}

// ParameterSchema returns the JSON Schema of |skill|'s parameters.
func ParameterSchema(skill string) map[string]interface{} {
	var properties map[string]interface{}
	var required []string

	switch skill {
	case skills.SkillRequestSigning:
		properties = map[string]interface{}{
			"circuitId": map[string]interface{}{
				"type":        "string",
				"description": "Circuit to prove, e.g. coinbase_attestation.",
			},
			"scope": map[string]interface{}{
				"type":        "string",
				"description": "Privacy domain string the proof is scoped to.",
			},
			"countryList": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "ISO country codes, for country circuits only.",
			},
			"isIncluded": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether the attested country must be in the list.",
			},
		}
		required = []string{"circuitId", "scope"}
	case skills.SkillCheckStatus, skills.SkillRequestPayment:
		properties = map[string]interface{}{
			"requestId": map[string]interface{}{
				"type":        "string",
				"description": "The signing request id.",
			},
		}
		required = []string{"requestId"}
	case skills.SkillGenerateProof:
		properties = map[string]interface{}{
			"requestId": map[string]interface{}{
				"type":        "string",
				"description": "The signing request id of a ready session.",
			},
		}
	case skills.SkillVerifyProof:
		properties = map[string]interface{}{
			"circuitId": map[string]interface{}{"type": "string"},
			"proof":     map[string]interface{}{"type": "string"},
			"publicInputs": map[string]interface{}{
				"description": "Hex string or array of 32-byte hex words.",
			},
			"chainId": map[string]interface{}{"type": "string"},
		}
		required = []string{"circuitId", "proof", "publicInputs"}
	case skills.SkillGetSupportedCircuits:
		properties = map[string]interface{}{
			"chainId": map[string]interface{}{
				"type":        "string",
				"description": "Optional EVM chain id for verifier addresses.",
			},
		}
	}

	var schema = map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ToolCatalog exposes the six skills as LLM tools.
func ToolCatalog() []llms.Tool {
	var tools = make([]llms.Tool, 0, len(skills.Names))
	for _, name := range skills.Names {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        name,
				Description: ToolDescription(name),
				Parameters:  ParameterSchema(name),
			},
		})
	}
	return tools
}
