package server

import (
	"net/http"
	"strconv"

	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/skills"
)

// agentCardVersion is the A2A Agent Card revision we emit.
const agentCardVersion = "0.3.0"

func (s *Server) identity() map[string]interface{} {
	if s.cfg.IdentityContract == "" {
		return nil
	}
	return map[string]interface{}{
		"erc8004": map[string]interface{}{
			"contractAddress": s.cfg.IdentityContract,
			"chainId":         s.cfg.IdentityChainID,
			"tokenId":         s.cfg.IdentityTokenID,
		},
	}
}

func (s *Server) cardSkills() []map[string]interface{} {
	var out = make([]map[string]interface{}, 0, len(skills.Names))
	for _, name := range skills.Names {
		out = append(out, map[string]interface{}{
			"id":          name,
			"name":        name,
			"description": router.ToolDescription(name),
			"tags":        []string{"zero-knowledge", "proof"},
		})
	}
	return out
}

// handleAgentCard serves the A2A v0.3 Agent Card, also aliased at
// agent-card.json.
func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	var card = map[string]interface{}{
		"name":               s.cfg.AgentName,
		"description":        s.cfg.AgentDescription,
		"url":                s.cfg.BaseURL + "/a2a",
		"version":            s.cfg.AgentVersion,
		"protocolVersion":    agentCardVersion,
		"preferredTransport": "JSONRPC",
		"capabilities": map[string]interface{}{
			"streaming":              true,
			"stateTransitionHistory": true,
		},
		"defaultInputModes":  []string{"text/plain", "application/json"},
		"defaultOutputModes": []string{"application/json"},
		"skills":             s.cardSkills(),
	}
	if s.gate.Mode.Enabled() {
		card["securitySchemes"] = map[string]interface{}{
			"x402": map[string]interface{}{
				"type":        "x402",
				"description": "Pay-per-call via EIP-3009 USDC authorizations.",
				"network":     s.gate.Requirement.Network,
				"amount":      s.gate.Requirement.Amount,
				"asset":       s.gate.Requirement.Asset,
				"payTo":       s.gate.Requirement.PayTo,
			},
		}
	}
	if identity := s.identity(); identity != nil {
		card["identity"] = identity
	}
	writeJSON(w, http.StatusOK, card)
}

// handleOASF serves the Open Agent Schema Framework descriptor.
func (s *Server) handleOASF(w http.ResponseWriter, _ *http.Request) {
	var extensions = []map[string]interface{}{}
	if s.cfg.IdentityContract != "" {
		extensions = append(extensions, map[string]interface{}{
			"name": "erc8004.registration",
			"data": map[string]interface{}{
				"contractAddress": s.cfg.IdentityContract,
				"chainId":         strconv.FormatInt(s.cfg.IdentityChainID, 10),
				"tokenId":         s.cfg.IdentityTokenID,
			},
		})
	}

	var locators = []map[string]interface{}{
		{"type": "a2a", "url": s.cfg.BaseURL + "/a2a"},
		{"type": "mcp", "url": s.cfg.BaseURL + "/mcp"},
		{"type": "rest", "url": s.cfg.BaseURL + "/api/v1"},
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        s.cfg.AgentName,
		"version":     s.cfg.AgentVersion,
		"description": s.cfg.AgentDescription,
		"skills":      skills.Names,
		"locators":    locators,
		"extensions":  extensions,
	})
}

// handleMCPDiscovery advertises the MCP endpoint and its tools.
func (s *Server) handleMCPDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":            s.cfg.AgentName,
		"description":     s.cfg.AgentDescription,
		"endpoint":        s.cfg.BaseURL + "/mcp",
		"transport":       "streamable-http",
		"protocolVersion": mcpProtocolVersion,
		"tools":           mcpToolCatalog(),
	})
}
